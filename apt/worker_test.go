package apt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func nextEvent(t *testing.T, w *ImageWorker) Event {
	t.Helper()
	select {
	case e := <-w.Events():
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func grayRow(v float32) []float32 {
	row := make([]float32, ImageWidth)
	for i := range row {
		row[i] = v
	}
	return row
}

func TestWorkerLineAndImageCadence(t *testing.T) {
	s := DefaultSettings()
	s.ScanlinesPerImageUpdate = 3
	s.Channels = ChannelA
	w := NewImageWorker(s)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	want := []EventType{EventLine, EventLine, EventImage, EventLine, EventLine, EventImage}
	for i, typ := range want {
		w.SubmitRow(grayRow(100), 0)
		e := nextEvent(t, w)
		if e.Type != typ {
			t.Fatalf("row %d: got %v event, want %v", i+1, e.Type, typ)
		}
		if e.Row != i+1 {
			t.Errorf("row %d: event row = %d", i+1, e.Row)
		}
		switch e.Type {
		case EventLine:
			if len(e.Line) != ChannelWidth {
				t.Errorf("line width = %d, want %d", len(e.Line), ChannelWidth)
			}
		case EventImage:
			if e.Image.Image.Bounds().Dx() != ChannelWidth || e.Image.Height != i+1 {
				t.Errorf("image bounds = %v height %d", e.Image.Image.Bounds(), e.Image.Height)
			}
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for w.Status().Rows != 6 {
		if time.Now().After(deadline) {
			t.Fatalf("status rows = %d, want 6", w.Status().Rows)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerReprocessOnSettingsChange(t *testing.T) {
	s := DefaultSettings()
	w := NewImageWorker(s)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	w.SubmitRow(grayRow(50), 0)
	if e := nextEvent(t, w); e.Type != EventLine {
		t.Fatalf("got %v", e.Type)
	}

	// auto save settings do not change the rendered image
	s.AutoSave = true
	w.ApplySettings(s)
	s.Flip = true
	w.ApplySettings(s)
	if e := nextEvent(t, w); e.Type != EventImage {
		t.Fatalf("got %v, want image", e.Type)
	}

	s.DecodeEnabled = false
	w.ApplySettings(s)
	if e := nextEvent(t, w); e.Type != EventImage {
		t.Fatalf("decode disable: got %v, want image", e.Type)
	}
}

func TestWorkerSaveFiles(t *testing.T) {
	dir := t.TempDir()
	s := DefaultSettings()
	s.AutoSavePath = dir
	s.AutoSaveMinScanLines = 2
	s.SaveCombined = true
	s.SaveSeparate = true
	w := NewImageWorker(s)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.SubmitRow(grayRow(10), 0)
	if files, err := w.Save(ctx); err != nil || len(files) != 0 {
		t.Fatalf("saved below minimum rows: %v %v", files, err)
	}

	aos := time.Date(2024, 5, 1, 10, 30, 12, 0, time.UTC)
	w.SetSatellite("NOAA 19", aos)
	w.SubmitRow(grayRow(20), 0)

	files, err := w.Save(ctx)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"apt_NOAA_19_20240501_1030.png",
		"apt_NOAA_19_20240501_1030_cha.png",
		"apt_NOAA_19_20240501_1030_chb.png",
	}
	if len(files) != len(want) {
		t.Fatalf("files = %v", files)
	}
	for i, name := range want {
		if files[i] != filepath.Join(dir, name) {
			t.Errorf("file %d = %s, want %s", i, files[i], name)
		}
		if st, err := os.Stat(files[i]); err != nil || st.Size() == 0 {
			t.Errorf("file %s missing: %v", name, err)
		}
	}
}

func TestPrependPath(t *testing.T) {
	tests := []struct{ dir, want string }{
		{"", "x.png"},
		{"/tmp", "/tmp/x.png"},
		{"/tmp/", "/tmp/x.png"},
	}
	for _, tt := range tests {
		if got := prependPath(tt.dir, "x.png"); got != tt.want {
			t.Errorf("prependPath(%q) = %q, want %q", tt.dir, got, tt.want)
		}
	}
}

func TestPipelineApplyRejects(t *testing.T) {
	p, err := NewPipeline(48000, DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	bw := 0.0
	if _, err := p.Apply(Patch{RFBandwidth: &bw}); err == nil {
		t.Fatal("expected rejection")
	}
	off := int64(1200)
	s, err := p.Apply(Patch{InputFrequencyOffset: &off})
	if err != nil {
		t.Fatal(err)
	}
	if s.InputFrequencyOffset != 1200 || p.Status().Settings.InputFrequencyOffset != 1200 {
		t.Errorf("settings not applied: %+v", s)
	}
}

func TestWorkerSaveGivesUpOnFullQueue(t *testing.T) {
	w := NewImageWorker(DefaultSettings())
	for i := 0; i < cap(w.msgs); i++ {
		w.SubmitRow(grayRow(1), 0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := w.Save(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want deadline exceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("save blocked past its context")
	}
}

func TestWorkerSaveStoppedWorker(t *testing.T) {
	w := NewImageWorker(DefaultSettings())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := w.Save(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestWorkerStopTwiceAndRestart(t *testing.T) {
	w := NewImageWorker(DefaultSettings())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err == nil {
		t.Fatal("second Start succeeded")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Stop()
		}()
	}
	wg.Wait()
	w.Stop()

	if err := w.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer w.Stop()
	w.SubmitRow(grayRow(30), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := w.QueuedStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Rows != 1 {
		t.Errorf("rows after restart = %d, want 1", st.Rows)
	}
}

func TestWorkerQueuedStatusSeesQueuedRows(t *testing.T) {
	s := DefaultSettings()
	s.ScanlinesPerImageUpdate = 1000
	w := NewImageWorker(s)
	// queue before the loop runs so Status cannot have caught up
	for i := 0; i < 40; i++ {
		w.SubmitRow(grayRow(80), 0)
	}
	if got := w.Status().Rows; got != 0 {
		t.Fatalf("status rows before start = %d", got)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := w.QueuedStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Rows != 40 {
		t.Errorf("queued status rows = %d, want 40", st.Rows)
	}
}

func TestPipelineResetKeepsLaterRows(t *testing.T) {
	p, err := NewPipeline(48000, DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	p.FeedAudio(make([]float32, 3*RowQuantum))
	p.Reset()
	p.FeedAudio(make([]float32, RowQuantum))

	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := p.ImageStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Rows != 1 {
		t.Errorf("rows after reset = %d, want 1", st.Rows)
	}
}
