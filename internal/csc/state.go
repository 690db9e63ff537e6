package csc

import (
	"fmt"

	"github.com/KevinKickass/ElectrometerCSC/internal/types"
)

// SummaryState is the operator-visible lifecycle of the CSC.
type SummaryState int

const (
	StateOffline SummaryState = iota
	StateStandby
	StateDisabled
	StateEnabled
	StateFault
)

func (s SummaryState) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateStandby:
		return "STANDBY"
	case StateDisabled:
		return "DISABLED"
	case StateEnabled:
		return "ENABLED"
	case StateFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[SummaryState][]SummaryState{
	StateOffline:  {StateStandby},
	StateStandby:  {StateDisabled, StateOffline, StateFault},
	StateDisabled: {StateEnabled, StateStandby, StateFault},
	StateEnabled:  {StateDisabled, StateFault},
	StateFault:    {StateStandby},
}

func ValidateTransition(from, to SummaryState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: invalid current state %s", types.ErrInvalidSummaryState, from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", types.ErrInvalidSummaryState, from, to)
}

// Numeric codes of the errorCode event.
const (
	ErrorCodeTransportClosed      = 1
	ErrorCodeTransportTimeout     = 2
	ErrorCodeConfigurationInvalid = 3
)
