// Package csc hosts one electrometer on the observatory bus. It owns the
// summary state, turns bus commands into controller calls and publishes the
// resulting events.
package csc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/bus"
	"github.com/KevinKickass/ElectrometerCSC/internal/config"
	"github.com/KevinKickass/ElectrometerCSC/internal/electrometer"
	"github.com/KevinKickass/ElectrometerCSC/internal/fits"
	"github.com/KevinKickass/ElectrometerCSC/internal/monitor"
	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTelemetryInterval = 200 * time.Millisecond
	DefaultStateInterval     = 200 * time.Millisecond
	DefaultConnectTimeout    = 30 * time.Second
)

type Options struct {
	Index        int
	Version      string
	DefaultLabel string

	Settings   *config.SettingsLoader
	Controller *electrometer.Controller
	Broker     *bus.Broker

	TelemetryInterval time.Duration
	StateInterval     time.Duration
	ConnectTimeout    time.Duration
}

type CSC struct {
	logger       *zap.Logger
	index        int
	version      string
	defaultLabel string

	settings   *config.SettingsLoader
	controller *electrometer.Controller
	broker     *bus.Broker

	telemetry *Poller
	broadcast *Poller

	connectTimeout time.Duration

	// lifecycleMu serializes summary-state commands.
	lifecycleMu sync.Mutex

	mu     sync.RWMutex
	state  SummaryState
	writer *fits.Writer
	runCtx context.Context

	// detailedMu orders detailedState events between the controller callback
	// and the broadcast loop.
	detailedMu   sync.Mutex
	lastDetailed electrometer.DetailedState

	done     chan struct{}
	doneOnce sync.Once
}

func New(logger *zap.Logger, opts Options) *CSC {
	if opts.TelemetryInterval <= 0 {
		opts.TelemetryInterval = DefaultTelemetryInterval
	}
	if opts.StateInterval <= 0 {
		opts.StateInterval = DefaultStateInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.DefaultLabel == "" {
		opts.DefaultLabel = config.DefaultSettingsLabel
	}

	logger = logger.Named("csc").With(zap.Int("index", opts.Index))

	c := &CSC{
		logger:         logger,
		index:          opts.Index,
		version:        opts.Version,
		defaultLabel:   opts.DefaultLabel,
		settings:       opts.Settings,
		controller:     opts.Controller,
		broker:         opts.Broker,
		connectTimeout: opts.ConnectTimeout,
		state:          StateOffline,
		runCtx:         context.Background(),
		done:           make(chan struct{}),
	}

	c.telemetry = NewPoller("telemetry", opts.TelemetryInterval, c.publishTelemetry, logger)
	c.broadcast = NewPoller("state-broadcast", opts.StateInterval, c.broadcastDetailedState, logger)
	c.controller.OnStateChange(c.onDetailedState)

	return c
}

// Begin enters STANDBY and starts the periodic loops. Commands dispatched
// afterwards run under ctx, so cancelling it interrupts in-flight I/O.
func (c *CSC) Begin(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	if err := c.transition(StateStandby); err != nil {
		return err
	}
	c.publishSettingVersions()

	c.telemetry.Start()
	c.broadcast.Start()

	c.logger.Info("CSC in control", zap.String("version", c.version))
	return nil
}

// Shutdown stops the loops and releases the instrument.
func (c *CSC) Shutdown() {
	c.telemetry.Stop()
	c.broadcast.Stop()

	if err := c.controller.Disconnect(); err != nil {
		c.logger.Warn("Disconnect on shutdown failed", zap.Error(err))
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed once exitControl has taken the CSC OFFLINE.
func (c *CSC) Done() <-chan struct{} {
	return c.done
}

func (c *CSC) Index() int {
	return c.index
}

func (c *CSC) SummaryState() SummaryState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Writer is the artifact writer of the last successful start, nil before.
func (c *CSC) Writer() *fits.Writer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writer
}

func (c *CSC) Broker() *bus.Broker {
	return c.broker
}

// Status is a point-in-time view of the CSC.
type Status struct {
	Index         int                  `json:"index"`
	SummaryState  string               `json:"summary_state"`
	DetailedState string               `json:"detailed_state,omitempty"`
	Connected     bool                 `json:"connected"`
	SettingsLabel string               `json:"settings_label"`
	Settings      string               `json:"settings_version"`
	HardwareInfo  string               `json:"hardware_info,omitempty"`
	Mirror        electrometer.Mirror  `json:"mirror"`
	LastSample    *electrometer.Sample `json:"last_sample,omitempty"`
}

func (c *CSC) Status() Status {
	summary := c.SummaryState()
	settings := c.controller.Settings()

	st := Status{
		Index:         c.index,
		SummaryState:  summary.String(),
		Connected:     c.controller.IsConnected(),
		SettingsLabel: settings.Label,
		Settings:      settings.Version,
		HardwareInfo:  c.controller.HardwareInfo(),
		Mirror:        c.controller.Mirror(),
	}
	if summary == StateEnabled {
		st.DetailedState = string(c.controller.State())
	}
	if s := c.controller.LastSample(); s.Unit != "" {
		st.LastSample = &s
	}
	return st
}

// Dispatch runs one bus command to completion and acknowledges it.
func (c *CSC) Dispatch(ctx context.Context, name string, params map[string]any) bus.Ack {
	ack := bus.Ack{
		ID:      uuid.New().String(),
		Command: name,
	}
	if params == nil {
		params = map[string]any{}
	}

	cmdCtx, release := c.commandContext(ctx)
	defer release()

	start := time.Now()
	result, err := c.handle(cmdCtx, name, params)
	elapsed := time.Since(start)

	if err != nil {
		ack.Ack = bus.AckFailed
		ack.ErrorCode = types.ErrorCode(err)
		ack.Error = err.Error()
		ack.Result = result

		c.logger.Warn("Command failed",
			zap.String("command", name),
			zap.String("ack_id", ack.ID),
			zap.String("code", ack.ErrorCode),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))

		if errors.Is(err, types.ErrTransportClosed) {
			c.fault(ErrorCodeTransportClosed, err)
		}
	} else {
		ack.Ack = bus.AckComplete
		ack.Result = result

		c.logger.Info("Command completed",
			zap.String("command", name),
			zap.String("ack_id", ack.ID),
			zap.Duration("elapsed", elapsed))
	}

	monitor.Commands.WithLabelValues(name, ack.Ack).Inc()
	monitor.CommandDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	return ack
}

// commandContext detaches a command from its caller: a client hanging up in
// the middle of a scan must not abort the scan. The run context still applies.
func (c *CSC) commandContext(ctx context.Context) (context.Context, func()) {
	c.mu.RLock()
	run := c.runCtx
	c.mu.RUnlock()

	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(run, cancel)
	return detached, func() {
		stop()
		cancel()
	}
}

func (c *CSC) handle(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	switch name {
	case bus.CommandStart:
		return c.doStart(ctx, params)
	case bus.CommandEnable:
		return nil, c.doEnable(ctx)
	case bus.CommandDisable:
		return nil, c.doDisable(ctx)
	case bus.CommandStandby:
		return nil, c.doStandby()
	case bus.CommandExitControl:
		return nil, c.doExitControl()
	case bus.CommandPerformZeroCalib:
		return nil, c.doPerformZeroCalib(ctx)
	case bus.CommandSetDigitalFilter:
		return c.doSetDigitalFilter(ctx, params)
	case bus.CommandSetIntegration:
		return c.doSetIntegrationTime(ctx, params)
	case bus.CommandSetMode:
		return c.doSetMode(ctx, params)
	case bus.CommandSetRange:
		return c.doSetRange(ctx, params)
	case bus.CommandStartScan:
		return c.doStartScan(ctx)
	case bus.CommandStartScanDt:
		return c.doStartScanDt(ctx, params)
	case bus.CommandStopScan:
		return c.doStopScan(ctx)
	}
	return nil, fmt.Errorf("%w: unknown command %q", types.ErrNotImplemented, name)
}

// transition moves the summary state and publishes summaryState.
func (c *CSC) transition(to SummaryState) error {
	c.mu.Lock()
	from := c.state
	if err := ValidateTransition(from, to); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = to
	c.mu.Unlock()

	c.resetDetailed()
	monitor.SummaryState.Set(float64(to))
	c.logger.Info("Summary state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	c.publish(bus.EventSummaryState, map[string]any{"summaryState": to.String()})
	return nil
}

// fault enters FAULT and publishes errorCode. It is a no-op when the CSC is
// not connected to an instrument.
func (c *CSC) fault(code int, cause error) {
	c.mu.Lock()
	from := c.state
	if from != StateDisabled && from != StateEnabled && from != StateStandby {
		c.mu.Unlock()
		return
	}
	c.state = StateFault
	c.mu.Unlock()

	c.resetDetailed()

	monitor.SummaryState.Set(float64(StateFault))
	c.logger.Error("CSC fault",
		zap.String("from", from.String()),
		zap.Int("error_code", code),
		zap.Error(cause))

	c.publish(bus.EventSummaryState, map[string]any{"summaryState": StateFault.String()})
	c.publishErrorCode(code, cause)
}

func (c *CSC) requireEnabled(op string) error {
	if s := c.SummaryState(); s != StateEnabled {
		return fmt.Errorf("%w: cannot %s in %s", types.ErrInvalidSummaryState, op, s)
	}
	return nil
}

func (c *CSC) publish(name string, data map[string]any) {
	c.broker.Publish(context.Background(), bus.NewEvent(c.index, name, data))
}

func (c *CSC) publishErrorCode(code int, cause error) {
	c.publish(bus.EventErrorCode, map[string]any{
		"errorCode":   code,
		"errorReport": cause.Error(),
		"traceback":   "",
	})
}

func (c *CSC) publishSettingVersions() {
	labels, err := c.settings.ListLabels()
	if err != nil {
		c.logger.Warn("Failed to list settings labels", zap.Error(err))
		labels = []string{config.DefaultSettingsLabel}
	}
	c.publish(bus.EventSettingVersions, map[string]any{
		"recommendedSettingsLabels": labels,
		"settingsVersion":           c.controller.Settings().Version,
	})
}

// onDetailedState is the controller callback. It re-reads the state instead
// of trusting its argument so a delayed callback cannot publish a stale value.
func (c *CSC) onDetailedState(electrometer.DetailedState) {
	c.publishDetailed()
}

func (c *CSC) broadcastDetailedState(context.Context) {
	c.publishDetailed()
}

// publishDetailed publishes the controller's detailed state if it differs from
// the last one published. Detailed state is only published while ENABLED.
func (c *CSC) publishDetailed() {
	c.detailedMu.Lock()
	defer c.detailedMu.Unlock()

	if c.SummaryState() != StateEnabled {
		return
	}
	s := c.controller.State()
	if s == c.lastDetailed {
		return
	}
	c.lastDetailed = s

	c.publish(bus.EventDetailedState, map[string]any{"detailedState": string(s)})
}

func (c *CSC) resetDetailed() {
	c.detailedMu.Lock()
	c.lastDetailed = ""
	c.detailedMu.Unlock()
}

func (c *CSC) publishTelemetry(ctx context.Context) {
	if c.SummaryState() != StateEnabled || !c.controller.State().Scanning() {
		return
	}

	sample, err := c.controller.ReadValue(ctx)
	if err != nil {
		if errors.Is(err, types.ErrTransportClosed) {
			c.fault(ErrorCodeTransportClosed, err)
			return
		}
		c.logger.Debug("Telemetry read failed", zap.Error(err))
		return
	}

	c.publish(bus.EventIntensity, map[string]any{
		"intensity": sample.Intensity,
		"unit":      sample.Unit,
		"timestamp": sample.Timestamp,
	})
}
