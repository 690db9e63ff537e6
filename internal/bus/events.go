// Package bus models the observatory side of the CSC: the events it
// publishes and the commands it accepts.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	EventSummaryState              = "summaryState"
	EventDetailedState             = "detailedState"
	EventAppliedSettingsMatchStart = "appliedSettingsMatchStart"
	EventDigitalFilterChange       = "digitalFilterChange"
	EventIntegrationTime           = "integrationTime"
	EventMeasureRange              = "measureRange"
	EventMeasureType               = "measureType"
	EventIntensity                 = "intensity"
	EventErrorCode                 = "errorCode"
	EventLargeFileObjectAvailable  = "largeFileObjectAvailable"
	EventSettingsAppliedReadSets   = "settingsAppliedReadSets"
	EventSettingsAppliedSerConf    = "settingsAppliedSerConf"
	EventSettingVersions           = "settingVersions"
)

// Command names.
const (
	CommandStart            = "start"
	CommandEnable           = "enable"
	CommandDisable          = "disable"
	CommandStandby          = "standby"
	CommandExitControl      = "exitControl"
	CommandPerformZeroCalib = "performZeroCalib"
	CommandSetDigitalFilter = "setDigitalFilter"
	CommandSetIntegration   = "setIntegrationTime"
	CommandSetMode          = "setMode"
	CommandSetRange         = "setRange"
	CommandStartScan        = "startScan"
	CommandStartScanDt      = "startScanDt"
	CommandStopScan         = "stopScan"
)

// Commands lists every command the CSC accepts.
var Commands = []string{
	CommandStart,
	CommandEnable,
	CommandDisable,
	CommandStandby,
	CommandExitControl,
	CommandPerformZeroCalib,
	CommandSetDigitalFilter,
	CommandSetIntegration,
	CommandSetMode,
	CommandSetRange,
	CommandStartScan,
	CommandStartScanDt,
	CommandStopScan,
}

// Event is one message published by the CSC.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Index     int            `json:"index"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func NewEvent(index int, name string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:        uuid.New().String(),
		Name:      name,
		Index:     index,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Ack values.
const (
	AckComplete = "COMPLETE"
	AckFailed   = "FAILED"
)

// Ack is the reply to every command.
type Ack struct {
	ID        string         `json:"id"`
	Command   string         `json:"command"`
	Ack       string         `json:"ack"`
	ErrorCode string         `json:"error_code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

func (a Ack) OK() bool {
	return a.Ack == AckComplete
}
