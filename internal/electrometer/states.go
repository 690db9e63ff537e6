package electrometer

import (
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/types"
)

// DetailedState refines the ENABLED summary state.
type DetailedState string

const (
	StateNotReading      DetailedState = "NOT_READING"
	StateConfiguring     DetailedState = "CONFIGURING"
	StateManualReading   DetailedState = "MANUAL_READING"
	StateDurationReading DetailedState = "DURATION_READING"
	StateReadingBuffer   DetailedState = "READING_BUFFER"
)

// DetailedStates lists every detailed state in declaration order.
var DetailedStates = []DetailedState{
	StateNotReading,
	StateConfiguring,
	StateManualReading,
	StateDurationReading,
	StateReadingBuffer,
}

// Scanning reports whether the telemetry loop should sample intensity.
func (s DetailedState) Scanning() bool {
	return s == StateManualReading || s == StateDurationReading
}

// Mirror is the host-side copy of the instrument configuration.
type Mirror struct {
	Mode                types.UnitMode `json:"mode"`
	Range               float64        `json:"range"`
	AutoRange           bool           `json:"auto_range"`
	IntegrationTime     float64        `json:"integration_time"`
	FilterActive        bool           `json:"filter_active"`
	MedianFilterActive  bool           `json:"median_filter_active"`
	AverageFilterActive bool           `json:"avg_filter_active"`
}

// Sample is one reading of the instrument.
type Sample struct {
	Intensity   float64 `json:"intensity"`
	Timestamp   float64 `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	Unit        string  `json:"unit"`
}

type ScanKind string

const (
	ScanManual   ScanKind = "manual"
	ScanDuration ScanKind = "duration"
)

// state is the detailed state a scan of this kind buffers in.
func (k ScanKind) state() DetailedState {
	if k == ScanDuration {
		return StateDurationReading
	}
	return StateManualReading
}

// ScanRecord is what a finished scan hands to the artifact writer.
type ScanRecord struct {
	ID          string        `json:"id"`
	Kind        ScanKind      `json:"kind"`
	StartedAt   time.Time     `json:"started_at"`
	Times       []float64     `json:"times"`
	Intensities []float64     `json:"intensities"`
	Initial     Sample        `json:"initial"`
	End         Sample        `json:"end"`
	Errors      []DeviceError `json:"errors"`
	Partial     bool          `json:"partial"`
}

func (r *ScanRecord) Len() int {
	return len(r.Times)
}
