// Package apt decodes NOAA APT weather satellite transmissions into images.
//
// The pipeline runs in two goroutines per channel. The caller's goroutine
// feeds IQ into a Demod, which discriminates, buffers and pulls one image
// row per half second of audio. Rows are queued to an ImageWorker that
// accumulates them, runs the enhancement passes and saves images.
package apt

// Debug enables verbose logging in this package
var Debug bool

const (
	// ImageWidth is the number of words in one APT line (both channels)
	ImageWidth = 2080
	// ChannelWidth is the width of the video section of one channel
	ChannelWidth = 909
	// ChannelAOffset is the first video column of channel A (after sync A and space A)
	ChannelAOffset = 86
	// ChannelBOffset is the first video column of channel B
	ChannelBOffset = 1126
	// TelemetryWidth is the width of the telemetry strip after each channel
	TelemetryWidth = 45
	// MaxHeight caps the number of rows held for one pass
	MaxHeight = 3000
	// CalibrationRows is one telemetry frame (16 wedges of 8 lines)
	CalibrationRows = 128

	// DecodeRate is the audio rate the row decoder runs at
	DecodeRate = 12000
	// RowQuantum is the number of audio samples per row (two lines per second)
	RowQuantum = DecodeRate / 2
	// ChannelRate is the rate the FM discriminator runs at
	ChannelRate = 48000
	// AudioDecimation takes ChannelRate down to DecodeRate
	AudioDecimation = ChannelRate / DecodeRate

	// PrecipitationThreshold is the channel B level where the false colour overlay starts
	PrecipitationThreshold = 198
)

// channelLabels is indexed by the channel ID found during calibration
var channelLabels = []string{
	"",
	"Visible (0.58-0.68 um)",
	"Near-IR (0.725-1.0 um)",
	"Near-IR (1.58-1.64 um)",
	"Thermal-infrared (10.3-11.3 um)",
	"Thermal-infrared (11.5-12.5 um)",
	"Mid-infrared (3.55-3.93 um)",
}

// ChannelLabel returns the wavelength band for a calibration ID, or "" if unknown
func ChannelLabel(id int) string {
	if id < 0 || id >= len(channelLabels) {
		return ""
	}
	return channelLabels[id]
}
