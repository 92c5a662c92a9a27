package apt

import (
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies what an Event carries
type EventType int

const (
	// EventLine carries one unprocessed row
	EventLine EventType = iota
	// EventImage carries a fully processed image
	EventImage
	// EventSaved reports files written by a save
	EventSaved
)

func (t EventType) String() string {
	switch t {
	case EventLine:
		return "line"
	case EventImage:
		return "image"
	case EventSaved:
		return "saved"
	}
	return "unknown"
}

// Event is emitted by the ImageWorker for display and storage consumers
type Event struct {
	Type      EventType
	Row       int    // image height when the event was produced
	Line      []byte // EventLine: grayscale bytes
	Image     *Processed
	Satellite string
	Files     []string // EventSaved
}

type workerMsgKind int

const (
	msgRow workerMsgKind = iota
	msgSettings
	msgReset
	msgSatellite
	msgSave
	msgStatus
)

type workerMsg struct {
	kind      workerMsgKind
	row       []float32
	zenith    int
	settings  Settings
	satellite string
	aos       time.Time
	reply     chan []string
	status    chan WorkerStatus
}

// WorkerStatus is a snapshot of the worker's image state
type WorkerStatus struct {
	Rows          int       `json:"rows"`
	Zenith        int       `json:"zenith"`
	Labels        []string  `json:"labels"`
	Satellite     string    `json:"satellite"`
	AOS           time.Time `json:"aos,omitempty"`
	DroppedRows   uint64    `json:"dropped_rows"`
	DroppedEvents uint64    `json:"dropped_events"`
	LastSaved     []string  `json:"last_saved,omitempty"`
}

// ImageWorker accumulates decoded rows into an image on its own goroutine
// and produces display events and saved files
type ImageWorker struct {
	msgs   chan workerMsg
	events chan Event

	// owned by processLoop
	live      *Image
	settings  Settings
	satellite string
	aos       time.Time
	palette   image.Image

	statusMu sync.Mutex
	status   WorkerStatus

	droppedRows   atomic.Uint64
	droppedEvents atomic.Uint64

	// mu is held for the whole of Start and Stop so a restarted loop never
	// overlaps one that is still draining
	running  bool
	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewImageWorker creates a worker with the given initial settings
func NewImageWorker(settings Settings) *ImageWorker {
	w := &ImageWorker{
		msgs:      make(chan workerMsg, 1024),
		events:    make(chan Event, 64),
		live:      NewImage(),
		settings:  settings,
		satellite: settings.SatelliteName,
		aos:       settings.AOSTime,
	}
	w.loadPalette()
	return w
}

// Events returns the channel events are delivered on. Events are dropped
// when the consumer falls behind.
func (w *ImageWorker) Events() <-chan Event {
	return w.events
}

// Start begins processing queued messages
func (w *ImageWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("image worker already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})

	w.wg.Add(1)
	go w.processLoop(w.stopChan)
	return nil
}

// Stop stops the worker and waits for it to exit. It is safe to call more
// than once and from several goroutines; the worker can be started again
// afterwards.
func (w *ImageWorker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	close(w.stopChan)
	w.wg.Wait()
	w.running = false
	return nil
}

func (w *ImageWorker) enqueue(m workerMsg) bool {
	select {
	case w.msgs <- m:
		return true
	default:
		return false
	}
}

// SubmitRow queues a decoded row without blocking. Rows are dropped if the
// queue is full.
func (w *ImageWorker) SubmitRow(row []float32, zenith int) {
	if !w.enqueue(workerMsg{kind: msgRow, row: row, zenith: zenith}) {
		w.droppedRows.Add(1)
	}
}

// ApplySettings queues new settings. Control messages block until queued.
func (w *ImageWorker) ApplySettings(s Settings) {
	w.msgs <- workerMsg{kind: msgSettings, settings: s}
}

// Reset queues a reset of the accumulated image
func (w *ImageWorker) Reset() {
	w.msgs <- workerMsg{kind: msgReset}
}

// ResetRows is called by Demod with its lock held, so the reset is queued
// ahead of any row decoded afterwards
func (w *ImageWorker) ResetRows() { w.Reset() }

// SetSatellite queues the satellite name and AOS time used for file names
func (w *ImageWorker) SetSatellite(name string, aos time.Time) {
	w.msgs <- workerMsg{kind: msgSatellite, satellite: name, aos: aos}
}

// Save queues a save of the current image and waits for the written paths,
// which may be empty. Both the queueing and the wait give up when ctx is
// done.
func (w *ImageWorker) Save(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	select {
	case w.msgs <- workerMsg{kind: msgSave, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case files := <-reply:
		return files, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueuedStatus returns the image state once every message queued before the
// call has been handled. Status can lag behind rows and settings still in
// the queue.
func (w *ImageWorker) QueuedStatus(ctx context.Context) (WorkerStatus, error) {
	reply := make(chan WorkerStatus, 1)
	select {
	case w.msgs <- workerMsg{kind: msgStatus, status: reply}:
	case <-ctx.Done():
		return WorkerStatus{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return WorkerStatus{}, ctx.Err()
	}
}

// Pending returns the number of queued messages not yet handled
func (w *ImageWorker) Pending() int { return len(w.msgs) }

// Status returns a snapshot of the image state
func (w *ImageWorker) Status() WorkerStatus {
	w.statusMu.Lock()
	s := w.status
	s.Labels = append([]string(nil), w.status.Labels...)
	s.LastSaved = append([]string(nil), w.status.LastSaved...)
	w.statusMu.Unlock()
	s.DroppedRows = w.droppedRows.Load()
	s.DroppedEvents = w.droppedEvents.Load()
	return s
}

// processLoop is the main processing loop
func (w *ImageWorker) processLoop(stop <-chan struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-stop:
			return
		case m := <-w.msgs:
			w.handle(m)
		}
	}
}

func (w *ImageWorker) handle(m workerMsg) {
	switch m.kind {
	case msgRow:
		w.processRow(m.row, m.zenith)
	case msgSettings:
		w.applySettings(m.settings)
	case msgReset:
		w.live.Reset()
		w.satellite = ""
		if Debug {
			log.Printf("[APT] DEBUG: image worker reset")
		}
	case msgSatellite:
		w.satellite = m.satellite
		w.aos = m.aos
	case msgSave:
		files := w.saveImage()
		m.reply <- files
		if len(files) > 0 {
			w.emit(Event{Type: EventSaved, Row: w.live.Height(), Satellite: w.satellite, Files: files})
		}
	case msgStatus:
		w.updateStatus()
		m.status <- w.Status()
		return
	}
	w.updateStatus()
}

func (w *ImageWorker) processRow(row []float32, zenith int) {
	if !w.live.Append(row) {
		return
	}
	w.live.Zenith = zenith

	if w.live.Height()%w.settings.updateInterval() == 0 {
		w.sendImage()
	} else {
		w.emit(Event{
			Type:      EventLine,
			Row:       w.live.Height(),
			Line:      Line(row, w.settings.Channels),
			Satellite: w.satellite,
		})
	}
}

func (w *ImageWorker) applySettings(s Settings) {
	changes := Changes(w.settings, s)
	paletteChanged := w.settings.PaletteFile != s.PaletteFile
	w.settings = s
	if paletteChanged {
		w.loadPalette()
	}
	if changes.Reprocess || changes.DecodeDisabled {
		w.sendImage()
	}
}

// loadPalette reads settings.PaletteFile. On failure palette mode falls back
// to showing both channels.
func (w *ImageWorker) loadPalette() {
	w.palette = nil
	if w.settings.PaletteFile == "" {
		return
	}
	p, err := LoadPalette(w.settings.PaletteFile)
	if err != nil {
		log.Printf("[APT] Warning: %v", err)
		return
	}
	w.palette = p
}

func (w *ImageWorker) sendImage() {
	if w.live.Height() == 0 {
		return
	}
	p := Process(w.live, w.settings, w.settings.Channels, w.palette)
	w.emit(Event{Type: EventImage, Row: w.live.Height(), Image: p, Satellite: w.satellite})
}

func (w *ImageWorker) emit(e Event) {
	select {
	case w.events <- e:
	default:
		w.droppedEvents.Add(1)
	}
}

func (w *ImageWorker) updateStatus() {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.Rows = w.live.Height()
	w.status.Zenith = w.live.Zenith
	w.status.Labels = w.live.Labels()
	w.status.Satellite = w.satellite
	w.status.AOS = w.aos
}

// FileBase returns apt_<satellite>_<yyyyMMdd_hhmm>, the name shared by a pass's images and recording
func FileBase(satellite string, t time.Time) string {
	return fmt.Sprintf("apt_%s_%s", strings.ReplaceAll(satellite, " ", "_"), t.Format("20060102_1504"))
}

// prependPath joins dir and name, adding a separator only when dir is set
func prependPath(dir, name string) string {
	if dir == "" {
		return name
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir + name
}

// saveImage writes the image with both channels, and the channels on their
// own if configured. Write failures are logged and skipped.
func (w *ImageWorker) saveImage() []string {
	p := Process(w.live, w.settings, BothChannels, nil)
	if p.Height == 0 || p.Height < w.settings.AutoSaveMinScanLines {
		log.Printf("[APT] Not saving image: %d rows (minimum %d)", p.Height, w.settings.AutoSaveMinScanLines)
		return nil
	}

	t := w.aos
	if t.IsZero() {
		t = time.Now()
	}
	base := FileBase(w.satellite, t)

	var files []string
	write := func(name string, img *Processed) {
		path := prependPath(w.settings.AutoSavePath, name)
		data, err := img.EncodePNG()
		if err == nil {
			if dir := filepath.Dir(path); dir != "." {
				err = os.MkdirAll(dir, 0755)
			}
		}
		if err == nil {
			err = os.WriteFile(path, data, 0644)
		}
		if err != nil {
			log.Printf("[APT] Failed to save image to %s: %v", path, err)
			return
		}
		log.Printf("[APT] Saved image %s (%d rows)", path, img.Height)
		files = append(files, path)
	}

	if w.settings.SaveCombined {
		write(base+".png", p)
	}
	if w.settings.SaveSeparate {
		write(base+"_cha.png", &Processed{Image: Extract(p.Image, ChannelA), Labels: p.Labels, Height: p.Height})
		write(base+"_chb.png", &Processed{Image: Extract(p.Image, ChannelB), Labels: p.Labels, Height: p.Height})
	}
	if w.settings.Channels == ChannelPalette && w.palette != nil && !w.settings.PrecipitationOverlay {
		write(base+"_palette.png", Process(w.live, w.settings, ChannelPalette, w.palette))
	}

	w.statusMu.Lock()
	w.status.LastSaved = files
	w.statusMu.Unlock()
	return files
}
