package apt

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ChannelSelection chooses which part of the image is rendered
type ChannelSelection int

const (
	BothChannels ChannelSelection = iota
	ChannelA
	ChannelB
	// ChannelPalette colours each column from a 2D palette indexed by the
	// channel A and channel B levels
	ChannelPalette
)

func (c ChannelSelection) String() string {
	switch c {
	case ChannelA:
		return "a"
	case ChannelB:
		return "b"
	case ChannelPalette:
		return "palette"
	default:
		return "both"
	}
}

// MarshalText implements encoding.TextMarshaler
func (c ChannelSelection) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *ChannelSelection) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "both":
		*c = BothChannels
	case "a", "cha", "channel_a":
		*c = ChannelA
	case "b", "chb", "channel_b":
		*c = ChannelB
	case "palette":
		*c = ChannelPalette
	default:
		return fmt.Errorf("unknown channel selection %q (want both, a, b or palette)", string(text))
	}
	return nil
}

// Settings is the complete configuration of one APT channel. It is passed
// by value; a new value replaces the old one in a single step.
type Settings struct {
	InputFrequencyOffset int64   `yaml:"input_frequency_offset" json:"input_frequency_offset"` // Hz from the IQ centre
	RFBandwidth          float64 `yaml:"rf_bandwidth" json:"rf_bandwidth"`                     // Hz
	FMDeviation          float64 `yaml:"fm_deviation" json:"fm_deviation"`                     // Hz

	CropNoise            bool             `yaml:"crop_noise" json:"crop_noise"`
	Denoise              bool             `yaml:"denoise" json:"denoise"`
	LinearEqualise       bool             `yaml:"linear_equalise" json:"linear_equalise"`
	HistogramEqualise    bool             `yaml:"histogram_equalise" json:"histogram_equalise"`
	PrecipitationOverlay bool             `yaml:"precipitation_overlay" json:"precipitation_overlay"`
	Flip                 bool             `yaml:"flip" json:"flip"`
	Channels             ChannelSelection `yaml:"channels" json:"channels"`
	PaletteFile          string           `yaml:"palette_file" json:"palette_file"` // 256x256 PNG for the palette channel selection

	DecodeEnabled bool `yaml:"decode_enabled" json:"decode_enabled"`

	AutoSave             bool   `yaml:"auto_save" json:"auto_save"`
	AutoSavePath         string `yaml:"auto_save_path" json:"auto_save_path"`
	AutoSaveMinScanLines int    `yaml:"auto_save_min_scan_lines" json:"auto_save_min_scan_lines"`
	SaveCombined         bool   `yaml:"save_combined" json:"save_combined"`
	SaveSeparate         bool   `yaml:"save_separate" json:"save_separate"`

	ScanlinesPerImageUpdate int `yaml:"scanlines_per_image_update" json:"scanlines_per_image_update"`

	SatelliteName           string    `yaml:"satellite_name" json:"satellite_name"`
	SatelliteTrackerControl bool      `yaml:"satellite_tracker_control" json:"satellite_tracker_control"`
	NorthToSouth            bool      `yaml:"north_to_south" json:"north_to_south"`
	AOSTime                 time.Time `yaml:"-" json:"aos_time,omitempty"`
}

// DefaultSettings returns the settings a new channel starts with
func DefaultSettings() Settings {
	return Settings{
		RFBandwidth:             40000,
		FMDeviation:             17000,
		CropNoise:               true,
		Denoise:                 true,
		Channels:                BothChannels,
		DecodeEnabled:           true,
		AutoSaveMinScanLines:    200,
		SaveCombined:            true,
		ScanlinesPerImageUpdate: 20,
		SatelliteName:           "All",
		SatelliteTrackerControl: true,
	}
}

// Validate checks the numeric fields against the IQ sample rate
func (s Settings) Validate(deviceRate int) error {
	if math.IsNaN(s.RFBandwidth) || s.RFBandwidth <= 0 {
		return fmt.Errorf("rf_bandwidth must be positive, got %v", s.RFBandwidth)
	}
	if math.IsNaN(s.FMDeviation) || s.FMDeviation <= 0 {
		return fmt.Errorf("fm_deviation must be positive, got %v", s.FMDeviation)
	}
	if deviceRate > 0 {
		nyquist := int64(deviceRate / 2)
		if s.InputFrequencyOffset <= -nyquist || s.InputFrequencyOffset >= nyquist {
			return fmt.Errorf("input_frequency_offset %d Hz outside +/-%d Hz", s.InputFrequencyOffset, nyquist)
		}
		if s.RFBandwidth > float64(deviceRate) {
			return fmt.Errorf("rf_bandwidth %.0f Hz exceeds sample rate %d Hz", s.RFBandwidth, deviceRate)
		}
	}
	if s.Channels == ChannelPalette && s.PaletteFile == "" {
		return fmt.Errorf("channels palette needs palette_file")
	}
	if s.AutoSaveMinScanLines < 0 {
		return fmt.Errorf("auto_save_min_scan_lines must not be negative")
	}
	return nil
}

// updateInterval returns ScanlinesPerImageUpdate clamped to at least 1
func (s Settings) updateInterval() int {
	if s.ScanlinesPerImageUpdate < 1 {
		return 1
	}
	return s.ScanlinesPerImageUpdate
}

// Patch is a sparse update to Settings. Nil fields are left unchanged.
type Patch struct {
	InputFrequencyOffset    *int64            `json:"input_frequency_offset,omitempty"`
	RFBandwidth             *float64          `json:"rf_bandwidth,omitempty"`
	FMDeviation             *float64          `json:"fm_deviation,omitempty"`
	CropNoise               *bool             `json:"crop_noise,omitempty"`
	Denoise                 *bool             `json:"denoise,omitempty"`
	LinearEqualise          *bool             `json:"linear_equalise,omitempty"`
	HistogramEqualise       *bool             `json:"histogram_equalise,omitempty"`
	PrecipitationOverlay    *bool             `json:"precipitation_overlay,omitempty"`
	Flip                    *bool             `json:"flip,omitempty"`
	Channels                *ChannelSelection `json:"channels,omitempty"`
	PaletteFile             *string           `json:"palette_file,omitempty"`
	DecodeEnabled           *bool             `json:"decode_enabled,omitempty"`
	AutoSave                *bool             `json:"auto_save,omitempty"`
	AutoSavePath            *string           `json:"auto_save_path,omitempty"`
	AutoSaveMinScanLines    *int              `json:"auto_save_min_scan_lines,omitempty"`
	SaveCombined            *bool             `json:"save_combined,omitempty"`
	SaveSeparate            *bool             `json:"save_separate,omitempty"`
	ScanlinesPerImageUpdate *int              `json:"scanlines_per_image_update,omitempty"`
	SatelliteName           *string           `json:"satellite_name,omitempty"`
	SatelliteTrackerControl *bool             `json:"satellite_tracker_control,omitempty"`
	NorthToSouth            *bool             `json:"north_to_south,omitempty"`
	AOSTime                 *time.Time        `json:"aos_time,omitempty"`
}

// ApplyPatch returns base with every non-nil field of p applied
func ApplyPatch(base Settings, p Patch) Settings {
	s := base
	if p.InputFrequencyOffset != nil {
		s.InputFrequencyOffset = *p.InputFrequencyOffset
	}
	if p.RFBandwidth != nil {
		s.RFBandwidth = *p.RFBandwidth
	}
	if p.FMDeviation != nil {
		s.FMDeviation = *p.FMDeviation
	}
	if p.CropNoise != nil {
		s.CropNoise = *p.CropNoise
	}
	if p.Denoise != nil {
		s.Denoise = *p.Denoise
	}
	if p.LinearEqualise != nil {
		s.LinearEqualise = *p.LinearEqualise
	}
	if p.HistogramEqualise != nil {
		s.HistogramEqualise = *p.HistogramEqualise
	}
	if p.PrecipitationOverlay != nil {
		s.PrecipitationOverlay = *p.PrecipitationOverlay
	}
	if p.Flip != nil {
		s.Flip = *p.Flip
	}
	if p.Channels != nil {
		s.Channels = *p.Channels
	}
	if p.PaletteFile != nil {
		s.PaletteFile = *p.PaletteFile
	}
	if p.DecodeEnabled != nil {
		s.DecodeEnabled = *p.DecodeEnabled
	}
	if p.AutoSave != nil {
		s.AutoSave = *p.AutoSave
	}
	if p.AutoSavePath != nil {
		s.AutoSavePath = *p.AutoSavePath
	}
	if p.AutoSaveMinScanLines != nil {
		s.AutoSaveMinScanLines = *p.AutoSaveMinScanLines
	}
	if p.SaveCombined != nil {
		s.SaveCombined = *p.SaveCombined
	}
	if p.SaveSeparate != nil {
		s.SaveSeparate = *p.SaveSeparate
	}
	if p.ScanlinesPerImageUpdate != nil {
		s.ScanlinesPerImageUpdate = *p.ScanlinesPerImageUpdate
	}
	if p.SatelliteName != nil {
		s.SatelliteName = *p.SatelliteName
	}
	if p.SatelliteTrackerControl != nil {
		s.SatelliteTrackerControl = *p.SatelliteTrackerControl
	}
	if p.NorthToSouth != nil {
		s.NorthToSouth = *p.NorthToSouth
	}
	if p.AOSTime != nil {
		s.AOSTime = *p.AOSTime
	}
	return s
}

// ChangeSet records which downstream stages need to react to a settings change
type ChangeSet struct {
	Reconfigure    bool // channel filter or offset changed; rebuild NCO, filter and resampler
	Deviation      bool // discriminator scaling changed
	Reprocess      bool // an enhancement pass or the channel selection changed
	DecodeDisabled bool // decoding went from enabled to disabled
}

// Changes compares two settings field by field
func Changes(old, updated Settings) ChangeSet {
	return ChangeSet{
		Reconfigure: old.RFBandwidth != updated.RFBandwidth ||
			old.InputFrequencyOffset != updated.InputFrequencyOffset,
		Deviation: old.FMDeviation != updated.FMDeviation,
		Reprocess: old.CropNoise != updated.CropNoise ||
			old.Denoise != updated.Denoise ||
			old.LinearEqualise != updated.LinearEqualise ||
			old.HistogramEqualise != updated.HistogramEqualise ||
			old.PrecipitationOverlay != updated.PrecipitationOverlay ||
			old.Flip != updated.Flip ||
			old.Channels != updated.Channels ||
			old.PaletteFile != updated.PaletteFile,
		DecodeDisabled: old.DecodeEnabled && !updated.DecodeEnabled,
	}
}
