package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cwsl/ka9q_aptrx/apt"
	"golang.org/x/text/cases"
)

// Pass events accepted from MQTT, the websocket and MCP
const (
	PassEventAOS = "aos"
	PassEventLOS = "los"
)

// anySatellite is the satellite name that matches every NOAA APT satellite
const anySatellite = "All"

var aptSatellites = []string{"NOAA 15", "NOAA 18", "NOAA 19"}

// PassCommand is an acquisition or loss of signal notification from a
// satellite tracker
type PassCommand struct {
	Event        string    `json:"event"`
	Satellite    string    `json:"satellite"`
	NorthToSouth bool      `json:"north_to_south"`
	Time         time.Time `json:"time,omitempty"`
}

// PassAnnouncement is published after a pass command has been acted on
type PassAnnouncement struct {
	Event        string    `json:"event"`
	PassID       string    `json:"pass_id,omitempty"`
	Satellite    string    `json:"satellite"`
	NorthToSouth bool      `json:"north_to_south"`
	Time         time.Time `json:"time"`
	Rows         int       `json:"rows,omitempty"`
	Labels       []string  `json:"labels,omitempty"`
	Files        []string  `json:"files,omitempty"`
	Recording    string    `json:"recording,omitempty"`
}

func parsePassCommand(data []byte) (PassCommand, error) {
	var cmd PassCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("invalid pass command: %w", err)
	}
	cmd.Event = strings.ToLower(strings.TrimSpace(cmd.Event))
	if cmd.Event != PassEventAOS && cmd.Event != PassEventLOS {
		return cmd, fmt.Errorf("unknown pass event %q", cmd.Event)
	}
	if strings.TrimSpace(cmd.Satellite) == "" {
		return cmd, fmt.Errorf("pass command without satellite")
	}
	return cmd, nil
}

var satelliteFolder = cases.Fold()

func sameSatellite(a, b string) bool {
	return satelliteFolder.String(strings.TrimSpace(a)) == satelliteFolder.String(strings.TrimSpace(b))
}

// matchSatellite reports whether a tracker event for name applies to a
// channel with settings s
func matchSatellite(s apt.Settings, name string) bool {
	if !s.SatelliteTrackerControl {
		return false
	}
	if sameSatellite(s.SatelliteName, name) {
		return true
	}
	if !sameSatellite(s.SatelliteName, anySatellite) {
		return false
	}
	for _, sat := range aptSatellites {
		if sameSatellite(sat, name) {
			return true
		}
	}
	return false
}

// PassController starts and ends passes on the pipeline in response to
// tracker events
type PassController struct {
	pipeline *apt.Pipeline
	recorder *WAVRecorder
	store    *PassStore
	metrics  *PrometheusMetrics

	mu        sync.Mutex
	passID    string
	current   PassCommand
	active    bool
	announcer []func(PassAnnouncement)
}

// NewPassController creates a controller. recorder, store and metrics may be nil.
func NewPassController(pipeline *apt.Pipeline, recorder *WAVRecorder, store *PassStore, metrics *PrometheusMetrics) *PassController {
	return &PassController{
		pipeline: pipeline,
		recorder: recorder,
		store:    store,
		metrics:  metrics,
	}
}

// OnAnnounce registers fn to be called after every handled pass event
func (pc *PassController) OnAnnounce(fn func(PassAnnouncement)) {
	pc.mu.Lock()
	pc.announcer = append(pc.announcer, fn)
	pc.mu.Unlock()
}

// HandleCommand acts on cmd. It returns false when the satellite does not
// match this channel.
func (pc *PassController) HandleCommand(ctx context.Context, cmd PassCommand) (bool, error) {
	if !matchSatellite(pc.pipeline.Settings(), cmd.Satellite) {
		if DebugMode {
			log.Printf("DEBUG: [PASS] Ignoring %s for %s", cmd.Event, cmd.Satellite)
		}
		return false, nil
	}
	if cmd.Time.IsZero() {
		cmd.Time = time.Now().UTC()
	}
	switch cmd.Event {
	case PassEventAOS:
		return true, pc.AOS(cmd)
	case PassEventLOS:
		return true, pc.LOS(ctx, cmd)
	}
	return false, fmt.Errorf("unknown pass event %q", cmd.Event)
}

// AOS starts a pass: the decoder is reset and enabled, the image is
// flipped for south to north passes, and recording starts.
func (pc *PassController) AOS(cmd PassCommand) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.active {
		log.Printf("[PASS] AOS for %s while %s pass still open, closing it", cmd.Satellite, pc.current.Satellite)
		pc.finishLocked(PassResult{LOS: cmd.Time, Rows: pc.imageStatus(context.Background()).Rows})
	}

	pc.pipeline.Reset()
	pc.pipeline.SetSatellite(cmd.Satellite, cmd.Time)
	enabled := true
	flip := !cmd.NorthToSouth
	nts := cmd.NorthToSouth
	aos := cmd.Time
	if _, err := pc.pipeline.Apply(apt.Patch{
		DecodeEnabled: &enabled,
		Flip:          &flip,
		NorthToSouth:  &nts,
		AOSTime:       &aos,
	}); err != nil {
		return fmt.Errorf("enabling decoder: %w", err)
	}

	ann := PassAnnouncement{Event: PassEventAOS, Satellite: cmd.Satellite, NorthToSouth: cmd.NorthToSouth, Time: cmd.Time}
	if pc.recorder != nil {
		path, err := pc.recorder.Start(apt.FileBase(cmd.Satellite, cmd.Time))
		if err != nil {
			log.Printf("Warning: [PASS] Failed to start recording: %v", err)
		}
		ann.Recording = path
	}

	id, err := pc.store.Open(cmd.Satellite, cmd.Time, cmd.NorthToSouth)
	if err != nil {
		log.Printf("Warning: [PASS] Failed to record pass start: %v", err)
	}
	pc.passID = id
	pc.current = cmd
	pc.active = true
	ann.PassID = id

	pc.metrics.RecordPass(cmd.Satellite)
	log.Printf("[PASS] AOS %s (%s)", cmd.Satellite, direction(cmd.NorthToSouth))
	pc.announceLocked(ann)
	return nil
}

// LOS ends a pass: the image is saved if auto-save is on, decoding stops
// and the recording is closed.
func (pc *PassController) LOS(ctx context.Context, cmd PassCommand) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	var files []string
	if pc.pipeline.Settings().AutoSave {
		saveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		var err error
		files, err = pc.pipeline.Save(saveCtx)
		cancel()
		if err != nil {
			log.Printf("Warning: [PASS] Saving image at LOS failed: %v", err)
		}
	}

	disabled := false
	if _, err := pc.pipeline.Apply(apt.Patch{DecodeEnabled: &disabled}); err != nil {
		return fmt.Errorf("disabling decoder: %w", err)
	}

	st := pc.imageStatus(ctx)
	result := PassResult{LOS: cmd.Time, Rows: st.Rows, Files: files}
	if len(st.Labels) == 2 {
		result.ChannelA, result.ChannelB = st.Labels[0], st.Labels[1]
	}
	ann := pc.finishLocked(result)
	ann.Satellite = cmd.Satellite
	ann.NorthToSouth = pc.current.NorthToSouth
	ann.Time = cmd.Time
	ann.Labels = st.Labels

	log.Printf("[PASS] LOS %s: %d rows, %d files", cmd.Satellite, st.Rows, len(files))
	pc.announceLocked(ann)
	return nil
}

// imageStatus reads the image state through the worker queue so rows and
// the decode disable queued before it are counted
func (pc *PassController) imageStatus(ctx context.Context) apt.WorkerStatus {
	statusCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := pc.pipeline.ImageStatus(statusCtx)
	if err != nil {
		log.Printf("Warning: [PASS] Reading image state failed: %v", err)
		return pc.pipeline.Status().Image
	}
	return st
}

// finishLocked stops the recording and closes the open pass record
func (pc *PassController) finishLocked(result PassResult) PassAnnouncement {
	if pc.recorder != nil {
		path, err := pc.recorder.Stop()
		if err != nil {
			log.Printf("Warning: [PASS] %v", err)
		}
		result.Recording = path
	}
	if pc.active {
		if err := pc.store.Finish(pc.passID, result); err != nil {
			log.Printf("Warning: [PASS] Failed to record pass end: %v", err)
		}
	}
	ann := PassAnnouncement{
		Event:     PassEventLOS,
		PassID:    pc.passID,
		Rows:      result.Rows,
		Files:     result.Files,
		Recording: result.Recording,
	}
	pc.passID = ""
	pc.active = false
	return ann
}

func (pc *PassController) announceLocked(ann PassAnnouncement) {
	for _, fn := range pc.announcer {
		fn(ann)
	}
}

// Active reports the open pass, if any
func (pc *PassController) Active() (PassCommand, string, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.current, pc.passID, pc.active
}

func direction(northToSouth bool) string {
	if northToSouth {
		return "north to south"
	}
	return "south to north"
}
