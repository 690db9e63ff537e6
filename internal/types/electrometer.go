package types

import "fmt"

// UnitMode selects which SCPI sense subtree is addressed.
type UnitMode string

const (
	UnitModeCurrent    UnitMode = "CURR"
	UnitModeCharge     UnitMode = "CHAR"
	UnitModeVoltage    UnitMode = "VOLT"
	UnitModeResistance UnitMode = "RES"
)

// unitModeByIndex follows the integer encoding used by settings documents
// and the setMode bus command.
var unitModeByIndex = map[int]UnitMode{
	1: UnitModeCurrent,
	2: UnitModeCharge,
	3: UnitModeVoltage,
	4: UnitModeResistance,
}

// UnitModeFromIndex converts the bus/config integer into a UnitMode.
func UnitModeFromIndex(i int) (UnitMode, error) {
	m, ok := unitModeByIndex[i]
	if !ok {
		return "", fmt.Errorf("%w: unknown unit mode %d", ErrInvalidArgument, i)
	}
	return m, nil
}

// Index returns the integer encoding of the mode, 0 if unknown.
func (m UnitMode) Index() int {
	for i, mode := range unitModeByIndex {
		if mode == m {
			return i
		}
	}
	return 0
}

func (m UnitMode) Valid() bool {
	return m.Index() != 0
}

// ParseUnitMode accepts the tag the device reports (e.g. "CURR:AMP", "'CHAR'").
func ParseUnitMode(s string) (UnitMode, error) {
	tag := s
	for i, r := range s {
		if r == ':' {
			tag = s[:i]
			break
		}
	}
	tag = trimQuotes(tag)
	m := UnitMode(tag)
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown unit mode %q", ErrInvalidArgument, s)
	}
	return m, nil
}

// FilterKind is the digital filter addressed by a command.
type FilterKind string

const (
	FilterKindMedian  FilterKind = "MED"
	FilterKindAverage FilterKind = "AVER"
)

func (k FilterKind) Valid() bool {
	return k == FilterKindMedian || k == FilterKindAverage
}

// AverageKind is the sub-variant of the average filter.
type AverageKind string

const (
	AverageKindNone     AverageKind = "NONE"
	AverageKindScalar   AverageKind = "SCAL"
	AverageKindAdvanced AverageKind = "ADV"
)

func (k AverageKind) Valid() bool {
	switch k {
	case AverageKindNone, AverageKindScalar, AverageKindAdvanced:
		return true
	}
	return false
}

// ReadingOption chooses between the last latched reading and a fresh one.
type ReadingOption string

const (
	ReadingLatest  ReadingOption = "LATEST"
	ReadingNewRead ReadingOption = "NEWREAD"
)

func (o ReadingOption) Valid() bool {
	return o == ReadingLatest || o == ReadingNewRead
}

func trimQuotes(s string) string {
	for len(s) > 0 && (s[0] == '\'' || s[0] == '"' || s[0] == ' ') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == '\'' || s[len(s)-1] == '"' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
