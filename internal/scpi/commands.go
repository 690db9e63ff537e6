// Package scpi formats the electrometer's SCPI dialect.
//
// Commands are lowercase colon-delimited paths terminated by ';', queries end
// in "?;". Compound commands are joined with ';' or '\n'. Every function is
// pure: the same arguments always produce the same bytes.
package scpi

import (
	"fmt"
	"strconv"

	"github.com/KevinKickass/ElectrometerCSC/internal/types"
)

// DefaultBufferSize is the number of points programmed into the device ring.
const DefaultBufferSize = 50000

// DefaultTimer is the device trigger timer used while buffering, in seconds.
const DefaultTimer = 0.001

func checkMode(mode types.UnitMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unit mode %q", types.ErrInvalidArgument, string(mode))
	}
	return nil
}

func checkFilter(kind types.FilterKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: filter kind %q", types.ErrInvalidArgument, string(kind))
	}
	return nil
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func bit(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

// ActivateFilter switches one digital filter of the given mode.
func ActivateFilter(mode types.UnitMode, kind types.FilterKind, on bool) (string, error) {
	if err := checkMode(mode); err != nil {
		return "", err
	}
	if err := checkFilter(kind); err != nil {
		return "", err
	}
	return fmt.Sprintf(":sens:%s:%s:stat %s;", mode, kind, bit(on)), nil
}

func GetFilterStatus(mode types.UnitMode, kind types.FilterKind) (string, error) {
	if err := checkMode(mode); err != nil {
		return "", err
	}
	if err := checkFilter(kind); err != nil {
		return "", err
	}
	return fmt.Sprintf(":sens:%s:%s:stat?;", mode, kind), nil
}

func SetAverageFilterType(mode types.UnitMode, avg types.AverageKind) (string, error) {
	if err := checkMode(mode); err != nil {
		return "", err
	}
	if !avg.Valid() {
		return "", fmt.Errorf("%w: average kind %q", types.ErrInvalidArgument, string(avg))
	}
	return fmt.Sprintf(":sens:%s:aver:type %s;", mode, avg), nil
}

func GetAverageFilterType(mode types.UnitMode) (string, error) {
	if err := checkMode(mode); err != nil {
		return "", err
	}
	return fmt.Sprintf(":sens:%s:aver:type?;", mode), nil
}

func GetMode() string {
	return ":sens:func?;"
}

func SetMode(mode types.UnitMode) (string, error) {
	if err := checkMode(mode); err != nil {
		return "", err
	}
	return fmt.Sprintf(":sens:func '%s';", mode), nil
}

func GetRange(mode types.UnitMode) (string, error) {
	if err := checkMode(mode); err != nil {
		return "", err
	}
	return fmt.Sprintf(":sens:%s:rang?;", mode), nil
}

// SetRange emits only the auto-range switch when auto is set, otherwise it
// disables auto-range and programs the fixed upper limit.
func SetRange(auto bool, value float64, mode types.UnitMode) (string, error) {
	if err := checkMode(mode); err != nil {
		return "", err
	}
	if auto {
		return fmt.Sprintf(":sens:%s:rang:auto 1;", mode), nil
	}
	return fmt.Sprintf(":sens:%s:rang:auto 0;\n:sens:%s:rang %s;", mode, mode, formatValue(value)), nil
}

func GetIntegrationTime(mode types.UnitMode) (string, error) {
	if err := checkMode(mode); err != nil {
		return "", err
	}
	return fmt.Sprintf(":sens:%s:aper?;", mode), nil
}

// IntegrationTime sets the aperture, in seconds.
func IntegrationTime(mode types.UnitMode, seconds float64) (string, error) {
	if err := checkMode(mode); err != nil {
		return "", err
	}
	return fmt.Sprintf(":sens:%s:aper %f;", mode, seconds), nil
}

func GetMeasure(option types.ReadingOption) (string, error) {
	switch option {
	case types.ReadingLatest:
		return ":sens:data?;", nil
	case types.ReadingNewRead:
		return ":sens:data:fres?;", nil
	}
	return "", fmt.Errorf("%w: reading option %q", types.ErrInvalidArgument, string(option))
}

// PrepareBuffer clears the ring, selects timestamp-only elements and sizes
// both the buffer and the trigger count to n.
func PrepareBuffer(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("%w: buffer size %d", types.ErrInvalidArgument, n)
	}
	return fmt.Sprintf(":trac:cle; :trac:elem TST; :trac:cle;:trac:points %d;:trig:count %d;", n, n), nil
}

func SelectDeviceTimer(seconds float64) (string, error) {
	if seconds <= 0 {
		return "", fmt.Errorf("%w: timer %v", types.ErrInvalidArgument, seconds)
	}
	return fmt.Sprintf(":trig:sour tim;\n:trig:tim %.3f;", seconds), nil
}

func AlwaysRead() string {
	return ":trac:feed:cont alw;\n:init;"
}

func NextRead() string {
	return ":trac:feed:cont next;\n:init;"
}

func StopStoringBuffer() string {
	return ":trac:feed:cont nev;"
}

func ClearBuffer() string {
	return ":trac:cle;"
}

func ReadBuffer() string {
	return ":trac:data?;"
}

func GetBufferQuantity() string {
	return ":trac:poin:act?;"
}

func EnableTemperatureReading(on bool) string {
	return fmt.Sprintf(":syst:tsc %s;", onOff(on))
}

func GetHardwareInfo() string {
	return "*idn?;"
}

func GetLastError() string {
	return ":syst:err?;"
}

func Reset() string {
	return "*RST; :trac:cle;"
}

// PerformZeroCalibration shunts the input (zero check), selects the mode and
// range, latches the residual as zero correction and releases the input.
func PerformZeroCalibration(mode types.UnitMode, auto bool, value float64) (string, error) {
	rng, err := SetRange(auto, value, mode)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(":syst:zch ON; :sens:func '%s';  %s :syst:zcor ON; :syst:zch OFF", mode, rng), nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
