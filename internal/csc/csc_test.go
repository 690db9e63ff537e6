package csc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/bus"
	"github.com/KevinKickass/ElectrometerCSC/internal/config"
	"github.com/KevinKickass/ElectrometerCSC/internal/electrometer"
	"github.com/KevinKickass/ElectrometerCSC/internal/transport"
	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

type harness struct {
	csc     *CSC
	mock    *transport.Mock
	events  <-chan bus.Event
	fitsDir string
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	settingsDir := filepath.Join(dir, "settings")
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		t.Fatal(err)
	}

	h := &harness{fitsDir: filepath.Join(dir, "fits")}
	doc := fmt.Sprintf("fits_files_path: %s\nhttp_host: archive.local\nport: 9000\n", h.fitsDir)
	if err := os.WriteFile(filepath.Join(settingsDir, "bench.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	loader, err := config.NewSettingsLoader(settingsDir)
	if err != nil {
		t.Fatal(err)
	}

	factory := func(config.Settings) (transport.Transport, error) {
		h.mock = transport.NewMock(nil)
		return h.mock, nil
	}
	controller := electrometer.NewController(zap.NewNop(), electrometer.Options{Factory: factory})
	broker := bus.NewBroker(zap.NewNop())
	h.events = broker.Subscribe(10000)

	h.csc = New(zap.NewNop(), Options{
		Index:             1,
		Version:           "test",
		DefaultLabel:      "bench",
		Settings:          loader,
		Controller:        controller,
		Broker:            broker,
		TelemetryInterval: 20 * time.Millisecond,
		StateInterval:     20 * time.Millisecond,
	})
	return h
}

func (h *harness) drain() []bus.Event {
	var out []bus.Event
	for {
		select {
		case e := <-h.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func (h *harness) dispatch(name string, params map[string]any) bus.Ack {
	return h.csc.Dispatch(context.Background(), name, params)
}

func (h *harness) commandCount() int {
	return len(h.mock.Device().State().Commands)
}

// enable takes the harness from OFFLINE to ENABLED and discards the events.
func (h *harness) enable() {
	So(h.csc.Begin(context.Background()), ShouldBeNil)
	So(h.dispatch(bus.CommandStart, nil).OK(), ShouldBeTrue)
	So(h.dispatch(bus.CommandEnable, nil).OK(), ShouldBeTrue)
}

func named(events []bus.Event, name string) []bus.Event {
	var out []bus.Event
	for _, e := range events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func values(events []bus.Event, name, key string) []any {
	var out []any
	for _, e := range named(events, name) {
		out = append(out, e.Data[key])
	}
	return out
}

func TestSummaryTransitions(t *testing.T) {
	Convey("Summary state transitions", t, func() {
		So(ValidateTransition(StateOffline, StateStandby), ShouldBeNil)
		So(ValidateTransition(StateStandby, StateDisabled), ShouldBeNil)
		So(ValidateTransition(StateEnabled, StateFault), ShouldBeNil)
		So(ValidateTransition(StateFault, StateStandby), ShouldBeNil)

		err := ValidateTransition(StateStandby, StateEnabled)
		So(types.ErrorCode(err), ShouldEqual, types.CodeInvalidSummaryState)
		So(ValidateTransition(StateEnabled, StateStandby), ShouldNotBeNil)
		So(ValidateTransition(StateFault, StateEnabled), ShouldNotBeNil)
		So(ValidateTransition(SummaryState(42), StateStandby), ShouldNotBeNil)

		So(StateEnabled.String(), ShouldEqual, "ENABLED")
		So(SummaryState(42).String(), ShouldEqual, "UNKNOWN")
	})
}

func TestLifecycle(t *testing.T) {
	Convey("Given a CSC in simulation", t, func() {
		h := newHarness(t)
		defer h.csc.Shutdown()

		Convey("A full lifecycle cycle publishes one summaryState per transition", func() {
			So(h.csc.Begin(context.Background()), ShouldBeNil)
			for _, cmd := range []string{bus.CommandStart, bus.CommandEnable, bus.CommandDisable, bus.CommandStandby} {
				ack := h.dispatch(cmd, nil)
				So(ack.Error, ShouldBeEmpty)
				So(ack.Ack, ShouldEqual, bus.AckComplete)
				So(ack.ID, ShouldNotBeEmpty)
			}

			So(h.mock.Connected(), ShouldBeFalse)
			before := h.commandCount()
			time.Sleep(100 * time.Millisecond)

			So(h.dispatch(bus.CommandExitControl, nil).OK(), ShouldBeTrue)
			time.Sleep(50 * time.Millisecond)
			So(h.commandCount(), ShouldEqual, before)

			events := h.drain()
			So(values(events, bus.EventSummaryState, "summaryState"), ShouldResemble,
				[]any{"STANDBY", "DISABLED", "ENABLED", "DISABLED", "STANDBY", "OFFLINE"})

			versions := named(events, bus.EventSettingVersions)
			So(versions, ShouldHaveLength, 2)
			So(versions[0].Data["recommendedSettingsLabels"], ShouldResemble, []string{"bench", "default"})

			So(named(events, bus.EventAppliedSettingsMatchStart), ShouldHaveLength, 1)
			serConf := named(events, bus.EventSettingsAppliedSerConf)
			So(serConf, ShouldHaveLength, 1)
			So(serConf[0].Data["connectionType"], ShouldEqual, "serial")
			So(named(events, bus.EventSettingsAppliedReadSets), ShouldHaveLength, 1)

			select {
			case <-h.csc.Done():
			default:
				So("exitControl did not close Done", ShouldBeEmpty)
			}
			So(h.csc.SummaryState(), ShouldEqual, StateOffline)
		})

		Convey("Start initializes the instrument before it is enabled", func() {
			So(h.csc.Begin(context.Background()), ShouldBeNil)
			ack := h.dispatch(bus.CommandStart, nil)
			So(ack.OK(), ShouldBeTrue)
			So(ack.Result["settingsLabel"], ShouldEqual, "bench")
			So(ack.Result["hardwareInfo"], ShouldEqual, transport.MockIdentification)

			st := h.mock.Device().State()
			So(st.Commands, ShouldContain, "*RST")
			So(st.Commands, ShouldContain, "*idn?")

			status := h.csc.Status()
			So(status.SummaryState, ShouldEqual, "DISABLED")
			So(status.DetailedState, ShouldBeEmpty)
			So(status.Connected, ShouldBeTrue)
			So(status.HardwareInfo, ShouldEqual, transport.MockIdentification)
		})

		Convey("Lifecycle commands out of order are rejected", func() {
			So(h.csc.Begin(context.Background()), ShouldBeNil)

			ack := h.dispatch(bus.CommandEnable, nil)
			So(ack.Ack, ShouldEqual, bus.AckFailed)
			So(ack.ErrorCode, ShouldEqual, types.CodeInvalidSummaryState)
			So(h.csc.SummaryState(), ShouldEqual, StateStandby)

			So(h.dispatch(bus.CommandStart, nil).OK(), ShouldBeTrue)
			ack = h.dispatch(bus.CommandExitControl, nil)
			So(ack.ErrorCode, ShouldEqual, types.CodeInvalidSummaryState)
		})

		Convey("Operational commands need ENABLED and cause no I/O otherwise", func() {
			So(h.csc.Begin(context.Background()), ShouldBeNil)
			So(h.dispatch(bus.CommandStart, nil).OK(), ShouldBeTrue)
			before := h.commandCount()

			ack := h.dispatch(bus.CommandSetRange, map[string]any{"setRange": 0.1})
			So(ack.ErrorCode, ShouldEqual, types.CodeInvalidSummaryState)
			ack = h.dispatch(bus.CommandStartScan, nil)
			So(ack.ErrorCode, ShouldEqual, types.CodeInvalidSummaryState)
			So(h.commandCount(), ShouldEqual, before)
		})

		Convey("An unknown settings label is a configuration error", func() {
			So(h.csc.Begin(context.Background()), ShouldBeNil)
			h.drain()

			ack := h.dispatch(bus.CommandStart, map[string]any{ParamSettingsLabel: "missing"})
			So(ack.ErrorCode, ShouldEqual, types.CodeConfigurationInvalid)
			So(h.csc.SummaryState(), ShouldEqual, StateStandby)

			codes := values(h.drain(), bus.EventErrorCode, "errorCode")
			So(codes, ShouldResemble, []any{ErrorCodeConfigurationInvalid})
		})

		Convey("Unknown commands are not implemented", func() {
			ack := h.dispatch("selfDestruct", nil)
			So(ack.ErrorCode, ShouldEqual, types.CodeNotImplemented)
		})
	})
}

func TestConfigurationCommands(t *testing.T) {
	Convey("Given an enabled CSC", t, func() {
		h := newHarness(t)
		defer h.csc.Shutdown()
		h.enable()
		h.drain()

		Convey("setMode publishes measureType", func() {
			ack := h.dispatch(bus.CommandSetMode, map[string]any{"mode": float64(2)})
			So(ack.OK(), ShouldBeTrue)
			So(ack.Result["mode"], ShouldEqual, 2)

			events := h.drain()
			So(values(events, bus.EventMeasureType, "mode"), ShouldResemble, []any{2})
			So(values(events, bus.EventDetailedState, "detailedState"), ShouldResemble,
				[]any{"CONFIGURING", "NOT_READING"})
			So(h.mock.Device().State().Mode, ShouldEqual, types.UnitModeCharge)
		})

		Convey("setRange publishes measureRange", func() {
			So(h.dispatch(bus.CommandSetRange, map[string]any{"setRange": 0.001}).OK(), ShouldBeTrue)
			So(values(h.drain(), bus.EventMeasureRange, "rangeValue"), ShouldResemble, []any{0.001})
			So(h.csc.Status().Mirror.AutoRange, ShouldBeFalse)
		})

		Convey("setIntegrationTime publishes integrationTime", func() {
			So(h.dispatch(bus.CommandSetIntegration, map[string]any{"intTime": 0.05}).OK(), ShouldBeTrue)
			So(values(h.drain(), bus.EventIntegrationTime, "intTime"), ShouldResemble, []any{0.05})
		})

		Convey("setDigitalFilter publishes digitalFilterChange", func() {
			ack := h.dispatch(bus.CommandSetDigitalFilter, map[string]any{
				"activateFilter":    true,
				"activateAvgFilter": true,
				"activateMedFilter": false,
			})
			So(ack.OK(), ShouldBeTrue)

			changes := named(h.drain(), bus.EventDigitalFilterChange)
			So(changes, ShouldHaveLength, 1)
			So(changes[0].Data["activateAvgFilter"], ShouldBeTrue)
			So(changes[0].Data["activateMedFilter"], ShouldBeFalse)
		})

		Convey("performZeroCalib completes", func() {
			So(h.dispatch(bus.CommandPerformZeroCalib, nil).OK(), ShouldBeTrue)
			So(h.mock.Device().State().ZeroCorrect, ShouldBeTrue)
		})

		Convey("Bad parameters are invalid arguments", func() {
			cases := []struct {
				cmd    string
				params map[string]any
			}{
				{bus.CommandSetRange, nil},
				{bus.CommandSetRange, map[string]any{"setRange": "wide"}},
				{bus.CommandSetMode, map[string]any{"mode": 1.5}},
				{bus.CommandSetMode, map[string]any{"mode": 7}},
				{bus.CommandSetIntegration, map[string]any{"intTime": 0.5}},
				{bus.CommandSetDigitalFilter, map[string]any{"activateFilter": true}},
				{bus.CommandStartScanDt, map[string]any{"scanDuration": 0}},
			}
			for _, tc := range cases {
				ack := h.dispatch(tc.cmd, tc.params)
				So(ack.ErrorCode, ShouldEqual, types.CodeInvalidArgument)
			}
			So(h.csc.Status().DetailedState, ShouldEqual, "NOT_READING")
		})

		Convey("A closed transport faults the CSC", func() {
			h.mock.InjectFault(":sens:func", types.ErrTransportClosed)

			ack := h.dispatch(bus.CommandSetMode, map[string]any{"mode": 2})
			So(ack.ErrorCode, ShouldEqual, types.CodeTransportClosed)
			So(h.csc.SummaryState(), ShouldEqual, StateFault)

			events := h.drain()
			So(values(events, bus.EventSummaryState, "summaryState"), ShouldResemble, []any{"FAULT"})
			So(values(events, bus.EventErrorCode, "errorCode"), ShouldResemble, []any{ErrorCodeTransportClosed})

			Convey("and standby recovers it", func() {
				So(h.dispatch(bus.CommandEnable, nil).OK(), ShouldBeFalse)
				So(h.dispatch(bus.CommandStandby, nil).OK(), ShouldBeTrue)
				So(h.dispatch(bus.CommandStart, nil).OK(), ShouldBeTrue)
				So(h.csc.SummaryState(), ShouldEqual, StateDisabled)
			})
		})

		Convey("A timeout is reported without a fault", func() {
			h.mock.InjectFault(":aper", types.ErrTransportTimeout)

			ack := h.dispatch(bus.CommandSetIntegration, map[string]any{"intTime": 0.02})
			So(ack.ErrorCode, ShouldEqual, types.CodeTransportTimeout)
			So(h.csc.SummaryState(), ShouldEqual, StateEnabled)
			So(h.csc.Status().DetailedState, ShouldEqual, "NOT_READING")
			So(named(h.drain(), bus.EventErrorCode), ShouldBeEmpty)
		})
	})
}

func TestScans(t *testing.T) {
	Convey("Given an enabled CSC", t, func() {
		h := newHarness(t)
		defer h.csc.Shutdown()
		h.enable()

		Convey("A duration scan walks the detailed states and announces one artifact", func() {
			ack := h.dispatch(bus.CommandStartScanDt, map[string]any{"scanDuration": 0.2})
			So(ack.Error, ShouldBeEmpty)
			So(ack.Result["samples"], ShouldEqual, transport.MockBufferSamples)

			time.Sleep(50 * time.Millisecond)
			events := h.drain()
			So(values(events, bus.EventDetailedState, "detailedState"), ShouldResemble,
				[]any{"NOT_READING", "DURATION_READING", "READING_BUFFER", "NOT_READING"})
			So(named(events, bus.EventIntensity), ShouldNotBeEmpty)

			files := named(events, bus.EventLargeFileObjectAvailable)
			So(files, ShouldHaveLength, 1)
			lfo := files[0].Data
			So(lfo["byteSize"], ShouldBeGreaterThan, 0)
			So(lfo["checkSum"], ShouldNotBeEmpty)
			So(lfo["generator"], ShouldEqual, "Electrometer:1")
			So(lfo["mimeType"], ShouldEqual, "FITS")
			So(strings.HasPrefix(lfo["url"].(string), "http://archive.local:9000/fits/1-"), ShouldBeTrue)

			entries, err := os.ReadDir(h.fitsDir)
			So(err, ShouldBeNil)
			So(entries, ShouldHaveLength, 1)
		})

		Convey("A manual scan runs until stopped", func() {
			ack := h.dispatch(bus.CommandStartScan, nil)
			So(ack.OK(), ShouldBeTrue)
			So(ack.Result["scanId"], ShouldNotBeEmpty)

			time.Sleep(100 * time.Millisecond)
			So(h.csc.Status().DetailedState, ShouldEqual, "MANUAL_READING")

			Convey("configuration is rejected meanwhile", func() {
				before := h.csc.Status().Mirror
				ack := h.dispatch(bus.CommandSetRange, map[string]any{"setRange": 0.1})
				So(ack.ErrorCode, ShouldEqual, types.CodeInvalidSubstate)
				So(h.csc.Status().Mirror, ShouldResemble, before)
				So(h.dispatch(bus.CommandStartScanDt, map[string]any{"scanDuration": 1}).ErrorCode,
					ShouldEqual, types.CodeInvalidSubstate)
			})

			ack = h.dispatch(bus.CommandStopScan, nil)
			So(ack.Error, ShouldBeEmpty)
			So(ack.Result["samples"], ShouldEqual, transport.MockBufferSamples)
			So(ack.Result["url"], ShouldNotBeEmpty)

			time.Sleep(50 * time.Millisecond)
			events := h.drain()
			So(values(events, bus.EventDetailedState, "detailedState"), ShouldResemble,
				[]any{"NOT_READING", "MANUAL_READING", "READING_BUFFER", "NOT_READING"})
			So(named(events, bus.EventLargeFileObjectAvailable), ShouldHaveLength, 1)

			So(h.dispatch(bus.CommandStopScan, nil).ErrorCode, ShouldEqual, types.CodeInvalidSubstate)
		})

		Convey("Disabling during a manual scan abandons it", func() {
			So(h.dispatch(bus.CommandStartScan, nil).OK(), ShouldBeTrue)
			time.Sleep(50 * time.Millisecond)
			So(h.csc.Status().DetailedState, ShouldEqual, "MANUAL_READING")

			So(h.dispatch(bus.CommandDisable, nil).OK(), ShouldBeTrue)
			So(h.mock.Device().State().Feed, ShouldEqual, "nev")
			h.drain()

			So(h.dispatch(bus.CommandEnable, nil).OK(), ShouldBeTrue)
			So(h.csc.Status().DetailedState, ShouldEqual, "NOT_READING")
			So(values(h.drain(), bus.EventDetailedState, "detailedState"), ShouldResemble,
				[]any{"NOT_READING"})

			So(h.dispatch(bus.CommandSetRange, map[string]any{"setRange": 0.1}).OK(), ShouldBeTrue)
			So(h.dispatch(bus.CommandStopScan, nil).ErrorCode, ShouldEqual, types.CodeInvalidSubstate)
			So(named(h.drain(), bus.EventLargeFileObjectAvailable), ShouldBeEmpty)
		})

		Convey("A partial dump is still announced but the command fails", func() {
			h.mock.InjectFault(":trac:data?", types.ErrTransportTimeout)

			ack := h.dispatch(bus.CommandStartScanDt, map[string]any{"scanDuration": 0.05})
			So(ack.Ack, ShouldEqual, bus.AckFailed)
			So(ack.ErrorCode, ShouldEqual, types.CodePartialScan)
			So(ack.Result["partial"], ShouldBeTrue)

			events := h.drain()
			So(named(events, bus.EventLargeFileObjectAvailable), ShouldHaveLength, 1)
			So(named(events, bus.EventErrorCode), ShouldBeEmpty)
			So(h.csc.SummaryState(), ShouldEqual, StateEnabled)
		})
	})
}
