package electrometer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/config"
	"github.com/KevinKickass/ElectrometerCSC/internal/transport"
	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

type stateTrace struct {
	mu     sync.Mutex
	states []DetailedState
}

func (t *stateTrace) record(s DetailedState) {
	t.mu.Lock()
	t.states = append(t.states, s)
	t.mu.Unlock()
}

func (t *stateTrace) get() []DetailedState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]DetailedState(nil), t.states...)
}

func newTestController(t *testing.T) (*Controller, *transport.Mock, *stateTrace) {
	mock := transport.NewMock(nil)
	c := NewController(zap.NewNop(), Options{
		Factory: func(config.Settings) (transport.Transport, error) { return mock, nil },
	})
	if err := c.Configure(config.DefaultSettings()); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	trace := &stateTrace{}
	c.OnStateChange(trace.record)
	return c, mock, trace
}

func commandCount(m *transport.Mock) int {
	return len(m.Device().State().Commands)
}

func TestControllerConfiguration(t *testing.T) {
	ctx := context.Background()

	Convey("Given a connected controller", t, func() {
		c, mock, trace := newTestController(t)

		Convey("The mirror starts from the settings", func() {
			m := c.Mirror()
			So(m.Mode, ShouldEqual, types.UnitModeCurrent)
			So(m.Range, ShouldEqual, -0.01)
			So(m.AutoRange, ShouldBeTrue)
			So(m.FilterActive, ShouldBeTrue)
			So(c.State(), ShouldEqual, StateNotReading)
		})

		Convey("Initialize programs the instrument without touching the detailed state", func() {
			So(c.Initialize(ctx), ShouldBeNil)
			So(c.HardwareInfo(), ShouldEqual, transport.MockIdentification)
			So(trace.get(), ShouldBeEmpty)

			st := mock.Device().State()
			So(st.Commands, ShouldContain, "*RST")
			So(st.Commands, ShouldContain, ":syst:tsc OFF")
			So(st.AutoRange, ShouldBeTrue)
			So(st.IntegrationTime, ShouldEqual, 0.01)
			So(st.MedianFilter, ShouldBeFalse)
			So(st.AverageFilter, ShouldBeFalse)
		})

		Convey("A configuration op passes through CONFIGURING", func() {
			So(c.SetMode(ctx, types.UnitModeCharge, false), ShouldBeNil)
			So(trace.get(), ShouldResemble, []DetailedState{StateConfiguring, StateNotReading})
			So(c.Mirror().Mode, ShouldEqual, types.UnitModeCharge)
			So(mock.Device().State().Mode, ShouldEqual, types.UnitModeCharge)
		})

		Convey("Auto-range follows the sign of the requested range", func() {
			So(c.SetRange(ctx, 0.002, false), ShouldBeNil)
			So(c.Mirror().AutoRange, ShouldBeFalse)
			So(c.Mirror().Range, ShouldEqual, 0.002)
			So(mock.Device().State().Range, ShouldEqual, 0.002)

			So(c.SetRange(ctx, -1, false), ShouldBeNil)
			So(c.Mirror().AutoRange, ShouldBeTrue)
			So(mock.Device().State().AutoRange, ShouldBeTrue)
		})

		Convey("Applying the same range twice emits the same bytes", func() {
			So(c.SetRange(ctx, 0.001, false), ShouldBeNil)
			first := mock.Device().State().Commands
			So(c.SetRange(ctx, 0.001, false), ShouldBeNil)
			all := mock.Device().State().Commands
			So(all[len(first):], ShouldResemble, first[len(first)-2:])
			So(c.Mirror().Range, ShouldEqual, 0.001)
		})

		Convey("Integration time outside the device limits is rejected", func() {
			err := c.SetIntegrationTime(ctx, 0.5, false)
			So(errors.Is(err, types.ErrInvalidArgument), ShouldBeTrue)
			So(trace.get(), ShouldBeEmpty)

			So(c.SetIntegrationTime(ctx, 0.02, false), ShouldBeNil)
			So(c.Mirror().IntegrationTime, ShouldEqual, 0.02)
		})

		Convey("The master filter switch gates both filters", func() {
			So(c.SetDigitalFilter(ctx, true, false, true, false), ShouldBeNil)
			So(mock.Device().State().MedianFilter, ShouldBeTrue)

			So(c.ActivateFilter(ctx, false), ShouldBeNil)
			So(mock.Device().State().MedianFilter, ShouldBeFalse)
			So(c.Mirror().MedianFilterActive, ShouldBeTrue)

			So(c.ActivateFilter(ctx, true), ShouldBeNil)
			So(c.ActivateAverageFilter(ctx, true), ShouldBeNil)
			st := mock.Device().State()
			So(st.MedianFilter, ShouldBeTrue)
			So(st.AverageFilter, ShouldBeTrue)

			So(c.ActivateMedianFilter(ctx, false), ShouldBeNil)
			status, err := c.GetFilterStatuses(ctx)
			So(err, ShouldBeNil)
			So(status, ShouldResemble, FilterStatus{Median: false, Average: true})
		})

		Convey("Zero calibration uses the mirrored mode and range", func() {
			So(c.SetRange(ctx, 0.001, false), ShouldBeNil)
			So(c.PerformZeroCalibration(ctx), ShouldBeNil)
			st := mock.Device().State()
			So(st.ZeroCorrect, ShouldBeTrue)
			So(st.ZeroCheck, ShouldBeFalse)
			So(st.Range, ShouldEqual, 0.001)
		})

		Convey("Queries update the mirror from the device", func() {
			So(c.SetMode(ctx, types.UnitModeVoltage, false), ShouldBeNil)
			mode, err := c.GetMode(ctx)
			So(err, ShouldBeNil)
			So(mode, ShouldEqual, types.UnitModeVoltage)

			So(c.SetRange(ctx, 0.002, false), ShouldBeNil)
			rng, err := c.GetRange(ctx)
			So(err, ShouldBeNil)
			So(rng, ShouldEqual, 0.002)

			it, err := c.GetIntegrationTime(ctx)
			So(err, ShouldBeNil)
			So(it, ShouldEqual, 0.01)

			errs, err := c.GetErrorList(ctx)
			So(err, ShouldBeNil)
			So(errs, ShouldBeEmpty)
		})

		Convey("A timeout during configuration reverts to NOT_READING", func() {
			mock.InjectFault(":rang", types.ErrTransportTimeout)
			err := c.SetRange(ctx, 0.1, false)
			So(errors.Is(err, types.ErrTransportTimeout), ShouldBeTrue)
			So(c.State(), ShouldEqual, StateNotReading)
			So(c.Mirror().Range, ShouldEqual, -0.01)
			So(trace.get(), ShouldResemble, []DetailedState{StateConfiguring, StateNotReading})
		})

		Convey("Invalid enums are rejected before any state change", func() {
			err := c.SetMode(ctx, types.UnitMode("AMPS"), false)
			So(errors.Is(err, types.ErrInvalidArgument), ShouldBeTrue)
			So(trace.get(), ShouldBeEmpty)
		})
	})
}

func TestControllerGating(t *testing.T) {
	ctx := context.Background()

	ops := map[string]func(c *Controller) error{
		"zero calibration": func(c *Controller) error { return c.PerformZeroCalibration(ctx) },
		"set mode":         func(c *Controller) error { return c.SetMode(ctx, types.UnitModeCharge, false) },
		"set range":        func(c *Controller) error { return c.SetRange(ctx, 0.1, false) },
		"integration time": func(c *Controller) error { return c.SetIntegrationTime(ctx, 0.02, false) },
		"filter":           func(c *Controller) error { return c.ActivateFilter(ctx, false) },
		"median filter":    func(c *Controller) error { return c.ActivateMedianFilter(ctx, true) },
		"average filter":   func(c *Controller) error { return c.ActivateAverageFilter(ctx, true) },
		"manual scan":      func(c *Controller) error { _, err := c.StartManualScan(ctx); return err },
		"duration scan":    func(c *Controller) error { _, err := c.StartDurationScan(ctx, 1); return err },
	}

	Convey("Operations gated on NOT_READING are rejected from every other state", t, func() {
		for _, state := range DetailedStates {
			if state == StateNotReading {
				continue
			}
			for _, op := range ops {
				c, mock, _ := newTestController(t)
				c.state = state
				before := c.Mirror()
				sent := commandCount(mock)

				err := op(c)
				So(errors.Is(err, types.ErrInvalidSubstate), ShouldBeTrue)
				So(c.Mirror(), ShouldResemble, before)
				So(c.State(), ShouldEqual, state)
				So(commandCount(mock), ShouldEqual, sent)
			}
		}
	})

	Convey("Stop scan is only accepted from MANUAL_READING", t, func() {
		for _, state := range DetailedStates {
			if state == StateManualReading {
				continue
			}
			c, _, _ := newTestController(t)
			c.state = state
			_, err := c.StopScan(ctx)
			So(errors.Is(err, types.ErrInvalidSubstate), ShouldBeTrue)
		}
	})

	Convey("Given a manual scan in progress", t, func() {
		c, _, _ := newTestController(t)
		_, err := c.StartManualScan(ctx)
		So(err, ShouldBeNil)

		Convey("setRange is rejected and the mirror is unchanged", func() {
			before := c.Mirror()
			err := c.SetRange(ctx, 0.1, false)
			So(errors.Is(err, types.ErrInvalidSubstate), ShouldBeTrue)
			So(c.Mirror(), ShouldResemble, before)
			So(c.State(), ShouldEqual, StateManualReading)
		})

		Convey("Telemetry reads still go through", func() {
			s, err := c.ReadValue(ctx)
			So(err, ShouldBeNil)
			So(s.Unit, ShouldEqual, "A")
			So(c.LastSample(), ShouldResemble, s)
		})
	})
}

func TestControllerScans(t *testing.T) {
	ctx := context.Background()

	Convey("Given a connected controller", t, func() {
		c, mock, trace := newTestController(t)

		Convey("A manual scan runs through the full sequence", func() {
			id, err := c.StartManualScan(ctx)
			So(err, ShouldBeNil)
			So(id, ShouldNotBeEmpty)
			So(c.State(), ShouldEqual, StateManualReading)

			st := mock.Device().State()
			So(st.BufferPoints, ShouldEqual, 50000)
			So(st.TriggerCount, ShouldEqual, st.BufferPoints)
			So(st.Feed, ShouldEqual, "alw")

			record, err := c.StopScan(ctx)
			So(err, ShouldBeNil)
			So(record.ID, ShouldEqual, id)
			So(record.Kind, ShouldEqual, ScanManual)
			So(record.Len(), ShouldEqual, transport.MockBufferSamples)
			So(len(record.Intensities), ShouldEqual, len(record.Times))
			So(record.Partial, ShouldBeFalse)
			So(record.Errors, ShouldBeEmpty)
			So(record.Initial.Unit, ShouldEqual, "A")
			So(mock.Device().State().Feed, ShouldEqual, "nev")

			So(trace.get(), ShouldResemble, []DetailedState{
				StateManualReading, StateReadingBuffer, StateNotReading,
			})
		})

		Convey("A second stop is rejected", func() {
			_, err := c.StartManualScan(ctx)
			So(err, ShouldBeNil)
			_, err = c.StopScan(ctx)
			So(err, ShouldBeNil)
			_, err = c.StopScan(ctx)
			So(errors.Is(err, types.ErrInvalidSubstate), ShouldBeTrue)
		})

		Convey("A duration scan returns after the requested time", func() {
			started := time.Now()
			record, err := c.StartDurationScan(ctx, 0.2)
			So(err, ShouldBeNil)
			So(time.Since(started), ShouldBeGreaterThanOrEqualTo, 200*time.Millisecond)
			So(record.Kind, ShouldEqual, ScanDuration)
			So(record.Len(), ShouldEqual, transport.MockBufferSamples)

			So(trace.get(), ShouldResemble, []DetailedState{
				StateDurationReading, StateReadingBuffer, StateNotReading,
			})
		})

		Convey("A non-positive duration is an invalid argument", func() {
			_, err := c.StartDurationScan(ctx, 0)
			So(errors.Is(err, types.ErrInvalidArgument), ShouldBeTrue)
			So(c.State(), ShouldEqual, StateNotReading)
		})

		Convey("Cancelling a duration scan stops buffering", func() {
			cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			_, err := c.StartDurationScan(cctx, 10)
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			So(c.State(), ShouldEqual, StateNotReading)
			So(mock.Device().State().Feed, ShouldEqual, "nev")
		})

		Convey("A dump that runs out of budget yields a partial record", func() {
			_, err := c.StartManualScan(ctx)
			So(err, ShouldBeNil)
			mock.InjectFault(":trac:data?", types.ErrTransportTimeout)

			record, err := c.StopScan(ctx)
			So(errors.Is(err, types.ErrPartialScan), ShouldBeTrue)
			So(record, ShouldNotBeNil)
			So(record.Partial, ShouldBeTrue)
			So(record.Errors, ShouldNotBeEmpty)
			So(record.Errors[len(record.Errors)-1].Code, ShouldEqual, -1)
			So(c.State(), ShouldEqual, StateNotReading)
		})

		Convey("A closed transport aborts the scan", func() {
			_, err := c.StartManualScan(ctx)
			So(err, ShouldBeNil)
			mock.InjectFault(":trac:feed:cont nev", types.ErrTransportClosed)

			record, err := c.StopScan(ctx)
			So(errors.Is(err, types.ErrTransportClosed), ShouldBeTrue)
			So(record, ShouldBeNil)
			So(c.State(), ShouldEqual, StateNotReading)
		})

		Convey("Idle aborts a manual scan that is still buffering", func() {
			_, err := c.StartManualScan(ctx)
			So(err, ShouldBeNil)

			c.Idle(ctx)
			So(c.State(), ShouldEqual, StateNotReading)
			So(mock.Device().State().Feed, ShouldEqual, "nev")

			_, err = c.StopScan(ctx)
			So(errors.Is(err, types.ErrInvalidSubstate), ShouldBeTrue)
			So(c.SetRange(ctx, 0.1, false), ShouldBeNil)
		})

		Convey("Idle aborts a running duration scan without a record", func() {
			type outcome struct {
				record *ScanRecord
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				record, err := c.StartDurationScan(ctx, 10)
				done <- outcome{record, err}
			}()

			So(waitFor(func() bool {
				c.mu.RLock()
				defer c.mu.RUnlock()
				return c.scan != nil
			}), ShouldBeTrue)
			c.Idle(ctx)

			select {
			case out := <-done:
				So(out.record, ShouldBeNil)
				So(errors.Is(out.err, types.ErrInvalidSubstate), ShouldBeTrue)
			case <-time.After(2 * time.Second):
				t.Fatal("duration scan did not return after Idle")
			}
			So(c.State(), ShouldEqual, StateNotReading)
			So(mock.Device().State().Feed, ShouldEqual, "nev")
		})

		Convey("Idle without a scan keeps NOT_READING", func() {
			before := commandCount(mock)
			c.Idle(ctx)
			So(c.State(), ShouldEqual, StateNotReading)
			So(commandCount(mock), ShouldEqual, before)
		})

		Convey("A failed buffer preparation leaves the controller idle", func() {
			mock.InjectFault(":trac:elem", types.ErrTransportTimeout)
			_, err := c.StartManualScan(ctx)
			So(errors.Is(err, types.ErrTransportTimeout), ShouldBeTrue)
			So(c.State(), ShouldEqual, StateNotReading)
		})
	})
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// scripted answers queries from per-command reply queues.
type scripted struct {
	replies map[string][]string
}

func (s *scripted) Connect(context.Context) error { return nil }
func (s *scripted) Disconnect() error             { return nil }
func (s *scripted) Connected() bool               { return true }
func (s *scripted) Kind() string                  { return "scripted" }

func (s *scripted) Send(_ context.Context, cmd string, expectReply bool) (string, error) {
	if !expectReply {
		return "", nil
	}
	queue := s.replies[cmd]
	if len(queue) == 0 {
		return "", nil
	}
	s.replies[cmd] = queue[1:]
	return strings.TrimSpace(queue[0]), nil
}

func (s *scripted) ReadUntilTerminator(ctx context.Context, cmd string, _ time.Duration) (string, error) {
	return s.Send(ctx, cmd, true)
}

func TestControllerErrorQueue(t *testing.T) {
	ctx := context.Background()

	newScripted := func(replies ...string) *Controller {
		tr := &scripted{replies: map[string][]string{":syst:err?;": replies}}
		c := NewController(zap.NewNop(), Options{
			Factory: func(config.Settings) (transport.Transport, error) { return tr, nil },
		})
		So(c.Configure(config.DefaultSettings()), ShouldBeNil)
		return c
	}

	Convey("Pending errors are collected until the queue reports none", t, func() {
		c := newScripted(`-113, "Undefined header"`, `-222,"Data out of range"`, `0,"No error"`)
		errs, err := c.GetErrorList(ctx)
		So(err, ShouldBeNil)
		So(errs, ShouldResemble, []DeviceError{
			{Code: -113, Message: "Undefined header"},
			{Code: -222, Message: "Data out of range"},
		})
	})

	Convey("An empty reply ends the loop", t, func() {
		c := newScripted(`-113, "Undefined header"`)
		errs, err := c.GetErrorList(ctx)
		So(err, ShouldBeNil)
		So(errs, ShouldHaveLength, 1)
	})

	Convey("A 'No Error' reply ends the loop", t, func() {
		c := newScripted("No Error")
		errs, err := c.GetErrorList(ctx)
		So(err, ShouldBeNil)
		So(errs, ShouldBeEmpty)
	})

	Convey("The loop gives up after a hundred queries", t, func() {
		replies := make([]string, 150)
		for i := range replies {
			replies[i] = `-350, "Queue overflow"`
		}
		c := newScripted(replies...)
		errs, err := c.GetErrorList(ctx)
		So(err, ShouldBeNil)
		So(errs, ShouldHaveLength, 100)
	})
}
