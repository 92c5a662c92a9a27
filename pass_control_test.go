package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwsl/ka9q_aptrx/apt"
)

func TestMatchSatellite(t *testing.T) {
	tests := []struct {
		name     string
		setting  string
		tracker  bool
		incoming string
		want     bool
	}{
		{"exact", "NOAA 19", true, "NOAA 19", true},
		{"case folded", "noaa 19", true, "NOAA 19", true},
		{"other satellite", "NOAA 19", true, "NOAA 18", false},
		{"all matches noaa 15", "All", true, "NOAA 15", true},
		{"all matches noaa 18", "all", true, "noaa 18", true},
		{"all ignores meteor", "All", true, "METEOR-M 2", false},
		{"tracker control off", "NOAA 19", false, "NOAA 19", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := apt.DefaultSettings()
			s.SatelliteName = tt.setting
			s.SatelliteTrackerControl = tt.tracker
			if got := matchSatellite(s, tt.incoming); got != tt.want {
				t.Errorf("matchSatellite(%q, %q) = %v, want %v", tt.setting, tt.incoming, got, tt.want)
			}
		})
	}
}

func TestParsePassCommand(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
		event   string
	}{
		{`{"event":"AOS","satellite":"NOAA 19","north_to_south":true}`, false, PassEventAOS},
		{`{"event":"los","satellite":"NOAA 15"}`, false, PassEventLOS},
		{`{"event":"rise","satellite":"NOAA 15"}`, true, ""},
		{`{"event":"aos"}`, true, ""},
		{`not json`, true, ""},
	}
	for _, tt := range tests {
		cmd, err := parsePassCommand([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePassCommand(%s) error = %v", tt.in, err)
			continue
		}
		if err == nil && cmd.Event != tt.event {
			t.Errorf("parsePassCommand(%s) event = %q, want %q", tt.in, cmd.Event, tt.event)
		}
	}
}

func TestPassControllerAOSAndLOS(t *testing.T) {
	dir := t.TempDir()
	settings := apt.DefaultSettings()
	settings.DecodeEnabled = false
	pipeline, err := apt.NewPipeline(48000, settings)
	if err != nil {
		t.Fatal(err)
	}
	if err := pipeline.Start(); err != nil {
		t.Fatal(err)
	}
	defer pipeline.Stop()

	store, err := OpenPassStore(filepath.Join(dir, "passes.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	recorder := NewWAVRecorder(filepath.Join(dir, "rec"), apt.DecodeRate)

	pc := NewPassController(pipeline, recorder, store, nil)
	var announced []PassAnnouncement
	pc.OnAnnounce(func(a PassAnnouncement) { announced = append(announced, a) })

	ctx := context.Background()
	aos := time.Date(2024, 6, 2, 7, 45, 0, 0, time.UTC)

	handled, err := pc.HandleCommand(ctx, PassCommand{Event: PassEventAOS, Satellite: "METEOR-M 2", Time: aos})
	if err != nil || handled {
		t.Fatalf("unmatched satellite handled=%v err=%v", handled, err)
	}

	handled, err = pc.HandleCommand(ctx, PassCommand{Event: PassEventAOS, Satellite: "NOAA 18", NorthToSouth: false, Time: aos})
	if err != nil || !handled {
		t.Fatalf("AOS handled=%v err=%v", handled, err)
	}
	s := pipeline.Settings()
	if !s.DecodeEnabled || !s.Flip || s.NorthToSouth || !s.AOSTime.Equal(aos) {
		t.Fatalf("settings after AOS = %+v", s)
	}
	if !recorder.Recording() {
		t.Fatal("recording not started")
	}
	cmd, id, active := pc.Active()
	if !active || id == "" || cmd.Satellite != "NOAA 18" {
		t.Fatalf("Active() = %+v %q %v", cmd, id, active)
	}

	samples := make([]float32, apt.DecodeRate)
	if err := recorder.Write(samples); err != nil {
		t.Fatal(err)
	}

	los := aos.Add(14 * time.Minute)
	if _, err := pc.HandleCommand(ctx, PassCommand{Event: PassEventLOS, Satellite: "NOAA 18", Time: los}); err != nil {
		t.Fatal(err)
	}
	if pipeline.Settings().DecodeEnabled {
		t.Error("decode still enabled after LOS")
	}
	if recorder.Recording() {
		t.Error("recording still open after LOS")
	}
	if _, _, active := pc.Active(); active {
		t.Error("pass still active after LOS")
	}

	rec, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LOS == nil || !rec.LOS.Equal(los) {
		t.Errorf("stored LOS = %v", rec.LOS)
	}
	want := filepath.Join(dir, "rec", apt.FileBase("NOAA 18", aos)+".wav")
	if rec.Recording != want {
		t.Errorf("recording = %q, want %q", rec.Recording, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("recording file: %v", err)
	}

	if len(announced) != 2 || announced[0].Event != PassEventAOS || announced[1].Event != PassEventLOS {
		t.Fatalf("announcements = %+v", announced)
	}
	if announced[1].PassID != id {
		t.Errorf("LOS pass id = %q, want %q", announced[1].PassID, id)
	}
}

func TestPassControllerLOSCountsQueuedRows(t *testing.T) {
	dir := t.TempDir()
	pipeline, err := apt.NewPipeline(48000, apt.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	if err := pipeline.Start(); err != nil {
		t.Fatal(err)
	}
	defer pipeline.Stop()

	store, err := OpenPassStore(filepath.Join(dir, "passes.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	pc := NewPassController(pipeline, nil, store, nil)
	ctx := context.Background()
	aos := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	if _, err := pc.HandleCommand(ctx, PassCommand{Event: PassEventAOS, Satellite: "NOAA 19", Time: aos}); err != nil {
		t.Fatal(err)
	}
	_, id, _ := pc.Active()

	// LOS follows straight away, with the rows still queued for the worker
	pipeline.FeedAudio(make([]float32, 5*apt.RowQuantum))
	if _, err := pc.HandleCommand(ctx, PassCommand{Event: PassEventLOS, Satellite: "NOAA 19", Time: aos.Add(12 * time.Minute)}); err != nil {
		t.Fatal(err)
	}

	rec, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Rows != 5 {
		t.Errorf("stored rows = %d, want 5", rec.Rows)
	}
}
