package electrometer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/config"
	"github.com/KevinKickass/ElectrometerCSC/internal/monitor"
	"github.com/KevinKickass/ElectrometerCSC/internal/scpi"
	"github.com/KevinKickass/ElectrometerCSC/internal/transport"
	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MinIntegrationTime = 0.00016667
	MaxIntegrationTime = 0.2

	maxErrorQueries = 100
)

var notReadingOnly = []DetailedState{StateNotReading}

type Options struct {
	Factory      TransportFactory
	BufferBudget time.Duration
}

// Controller drives one electrometer. It owns the detailed state, the
// configuration mirror and the transport. mu guards state only and is never
// held across an exchange; the transport serializes exchanges itself.
type Controller struct {
	logger       *zap.Logger
	factory      TransportFactory
	bufferBudget time.Duration

	mu            sync.RWMutex
	state         DetailedState
	mirror        Mirror
	settings      config.Settings
	transport     transport.Transport
	hardwareInfo  string
	lastSample    Sample
	scan          *activeScan
	onStateChange func(DetailedState)
}

type activeScan struct {
	id        string
	kind      ScanKind
	startedAt time.Time
	initial   Sample
	stopping  bool

	// cancel ends the timer of a duration scan.
	cancel context.CancelFunc
}

func NewController(logger *zap.Logger, opts Options) *Controller {
	if opts.BufferBudget <= 0 {
		opts.BufferBudget = transport.DefaultBufferBudget
	}
	settings := config.DefaultSettings()
	mirror, _ := mirrorFromSettings(settings)

	return &Controller{
		logger:       logger,
		factory:      opts.Factory,
		bufferBudget: opts.BufferBudget,
		state:        StateNotReading,
		mirror:       mirror,
		settings:     settings,
	}
}

func mirrorFromSettings(s config.Settings) (Mirror, error) {
	mode, err := s.UnitMode()
	if err != nil {
		return Mirror{}, fmt.Errorf("%w: %v", types.ErrConfigurationInvalid, err)
	}
	return Mirror{
		Mode:                mode,
		Range:               s.Range,
		AutoRange:           s.Range < 0,
		IntegrationTime:     s.IntegrationTime,
		FilterActive:        s.FilterActive,
		MedianFilterActive:  s.MedianFilterActive,
		AverageFilterActive: s.AvgFilterActive,
	}, nil
}

// OnStateChange registers fn to be called after every detailed-state change.
func (c *Controller) OnStateChange(fn func(DetailedState)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// Configure reshapes the mirror and builds a fresh transport from s. It does
// no I/O and must run before Connect.
func (c *Controller) Configure(s config.Settings) error {
	mirror, err := mirrorFromSettings(s)
	if err != nil {
		return err
	}
	if c.factory == nil {
		return fmt.Errorf("%w: no transport factory", types.ErrConfigurationInvalid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil && c.transport.Connected() {
		return fmt.Errorf("%w: configure while connected", types.ErrInvalidSummaryState)
	}

	tr, err := c.factory(s)
	if err != nil {
		return err
	}

	c.transport = tr
	c.settings = s
	c.mirror = mirror
	c.state = StateNotReading
	c.scan = nil
	c.hardwareInfo = ""

	c.logger.Info("Controller configured",
		zap.String("label", s.Label),
		zap.String("transport", tr.Kind()),
		zap.String("mode", string(mirror.Mode)),
		zap.Float64("range", mirror.Range))

	return nil
}

// Discard drops the mirror and the transport.
func (c *Controller) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()

	settings := config.DefaultSettings()
	c.mirror, _ = mirrorFromSettings(settings)
	c.settings = settings
	c.transport = nil
	c.state = StateNotReading
	c.scan = nil
	c.hardwareInfo = ""
	c.lastSample = Sample{}
}

func (c *Controller) Connect(ctx context.Context) error {
	tr := c.currentTransport()
	if tr == nil {
		return fmt.Errorf("%w: controller not configured", types.ErrNotConnected)
	}
	return tr.Connect(ctx)
}

func (c *Controller) Disconnect() error {
	tr := c.currentTransport()
	if tr == nil {
		return nil
	}
	return tr.Disconnect()
}

func (c *Controller) IsConnected() bool {
	tr := c.currentTransport()
	return tr != nil && tr.Connected()
}

// Transport exposes the configured transport, nil before Configure.
func (c *Controller) Transport() transport.Transport {
	return c.currentTransport()
}

func (c *Controller) State() DetailedState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Mirror() Mirror {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirror
}

func (c *Controller) Settings() config.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

func (c *Controller) HardwareInfo() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hardwareInfo
}

func (c *Controller) LastSample() Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSample
}

func (c *Controller) currentTransport() transport.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

func (c *Controller) send(ctx context.Context, cmd string, expectReply bool) (string, error) {
	tr := c.currentTransport()
	if tr == nil {
		return "", fmt.Errorf("%w: controller not configured", types.ErrNotConnected)
	}
	reply, err := tr.Send(ctx, cmd, expectReply)
	if err != nil {
		return "", err
	}
	c.logger.Debug("Exchange", zap.String("command", cmd), zap.String("reply", reply))
	return reply, nil
}

// transition moves from one of allowed to next atomically.
func (c *Controller) transition(op string, allowed []DetailedState, next DetailedState) error {
	c.mu.Lock()
	current := c.state
	if !slices.Contains(allowed, current) {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot %s in %s", types.ErrInvalidSubstate, op, current)
	}
	c.state = next
	fn := c.onStateChange
	c.mu.Unlock()

	c.notify(fn, next)
	return nil
}

func (c *Controller) setState(next DetailedState) {
	c.mu.Lock()
	changed := c.state != next
	c.state = next
	fn := c.onStateChange
	c.mu.Unlock()

	if changed {
		c.notify(fn, next)
	}
}

// leave returns to NOT_READING unless something else already moved the
// state away from from.
func (c *Controller) leave(from DetailedState) {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return
	}
	c.state = StateNotReading
	fn := c.onStateChange
	c.mu.Unlock()

	c.notify(fn, StateNotReading)
}

func (c *Controller) notify(fn func(DetailedState), s DetailedState) {
	names := make([]string, len(DetailedStates))
	for i, d := range DetailedStates {
		names[i] = string(d)
	}
	monitor.SetDetailedState(string(s), names)

	c.logger.Debug("Detailed state changed", zap.String("state", string(s)))
	if fn != nil {
		fn(s)
	}
}

// configuring runs fn inside the NOT_READING -> CONFIGURING -> NOT_READING
// envelope. skipGate bypasses both the check and the transitions.
func (c *Controller) configuring(op string, skipGate bool, fn func() error) error {
	if !skipGate {
		if err := c.transition(op, notReadingOnly, StateConfiguring); err != nil {
			return err
		}
		defer c.setState(StateNotReading)
	}

	if err := fn(); err != nil {
		c.logger.Warn("Configuration failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Initialize brings a freshly connected instrument to the configured state.
// It runs ungated, before the CSC is enabled.
func (c *Controller) Initialize(ctx context.Context) error {
	if _, err := c.send(ctx, scpi.Reset(), false); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if _, err := c.GetHardwareInfo(ctx); err != nil {
		return err
	}

	settings := c.Settings()
	if _, err := c.send(ctx, scpi.EnableTemperatureReading(settings.SensorTemperature), false); err != nil {
		return fmt.Errorf("temperature sensor: %w", err)
	}

	m := c.Mirror()
	if err := c.SetMode(ctx, m.Mode, true); err != nil {
		return err
	}
	if err := c.SetRange(ctx, m.Range, true); err != nil {
		return err
	}
	if err := c.SetIntegrationTime(ctx, m.IntegrationTime, true); err != nil {
		return err
	}
	return c.SetDigitalFilter(ctx, m.FilterActive, m.AverageFilterActive, m.MedianFilterActive, true)
}

func (c *Controller) PerformZeroCalibration(ctx context.Context) error {
	m := c.Mirror()
	cmd, err := scpi.PerformZeroCalibration(m.Mode, m.AutoRange, m.Range)
	if err != nil {
		return err
	}
	return c.configuring("perform zero calibration", false, func() error {
		_, err := c.send(ctx, cmd, false)
		return err
	})
}

func (c *Controller) SetMode(ctx context.Context, mode types.UnitMode, skipGate bool) error {
	cmd, err := scpi.SetMode(mode)
	if err != nil {
		return err
	}
	return c.configuring("set mode", skipGate, func() error {
		if _, err := c.send(ctx, cmd, false); err != nil {
			return err
		}
		c.mu.Lock()
		c.mirror.Mode = mode
		c.mu.Unlock()
		return nil
	})
}

// SetRange programs a fixed range, or auto-range when v is negative.
func (c *Controller) SetRange(ctx context.Context, v float64, skipGate bool) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: range %v", types.ErrInvalidArgument, v)
	}
	auto := v < 0
	cmd, err := scpi.SetRange(auto, v, c.Mirror().Mode)
	if err != nil {
		return err
	}
	return c.configuring("set range", skipGate, func() error {
		if _, err := c.send(ctx, cmd, false); err != nil {
			return err
		}
		c.mu.Lock()
		c.mirror.Range = v
		c.mirror.AutoRange = auto
		c.mu.Unlock()
		return nil
	})
}

func (c *Controller) SetIntegrationTime(ctx context.Context, seconds float64, skipGate bool) error {
	if math.IsNaN(seconds) || seconds < MinIntegrationTime || seconds > MaxIntegrationTime {
		return fmt.Errorf("%w: integration time %v outside [%v, %v]",
			types.ErrInvalidArgument, seconds, MinIntegrationTime, MaxIntegrationTime)
	}
	cmd, err := scpi.IntegrationTime(c.Mirror().Mode, seconds)
	if err != nil {
		return err
	}
	return c.configuring("set integration time", skipGate, func() error {
		if _, err := c.send(ctx, cmd, false); err != nil {
			return err
		}
		c.mu.Lock()
		c.mirror.IntegrationTime = seconds
		c.mu.Unlock()
		return nil
	})
}

// SetDigitalFilter applies the master switch and both filter selections. A
// filter is on at the device only when the master switch is on as well.
func (c *Controller) SetDigitalFilter(ctx context.Context, filter, average, median bool, skipGate bool) error {
	mode := c.Mirror().Mode
	med, err := scpi.ActivateFilter(mode, types.FilterKindMedian, filter && median)
	if err != nil {
		return err
	}
	avg, err := scpi.ActivateFilter(mode, types.FilterKindAverage, filter && average)
	if err != nil {
		return err
	}
	return c.configuring("set digital filter", skipGate, func() error {
		if _, err := c.send(ctx, med+"\n"+avg, false); err != nil {
			return err
		}
		c.mu.Lock()
		c.mirror.FilterActive = filter
		c.mirror.AverageFilterActive = average
		c.mirror.MedianFilterActive = median
		c.mu.Unlock()
		return nil
	})
}

func (c *Controller) ActivateFilter(ctx context.Context, on bool) error {
	m := c.Mirror()
	return c.SetDigitalFilter(ctx, on, m.AverageFilterActive, m.MedianFilterActive, false)
}

func (c *Controller) ActivateMedianFilter(ctx context.Context, on bool) error {
	m := c.Mirror()
	return c.SetDigitalFilter(ctx, m.FilterActive, m.AverageFilterActive, on, false)
}

func (c *Controller) ActivateAverageFilter(ctx context.Context, on bool) error {
	m := c.Mirror()
	return c.SetDigitalFilter(ctx, m.FilterActive, on, m.MedianFilterActive, false)
}

// ReadValue queries the last latched sample.
func (c *Controller) ReadValue(ctx context.Context) (Sample, error) {
	cmd, _ := scpi.GetMeasure(types.ReadingLatest)
	reply, err := c.send(ctx, cmd, true)
	if err != nil {
		return Sample{}, err
	}
	s, err := ParseSample(reply, c.Settings().SensorTemperature)
	if err != nil {
		return Sample{}, err
	}

	c.mu.Lock()
	c.lastSample = s
	c.mu.Unlock()
	return s, nil
}

func (c *Controller) GetMode(ctx context.Context) (types.UnitMode, error) {
	reply, err := c.send(ctx, scpi.GetMode(), true)
	if err != nil {
		return "", err
	}
	mode, err := types.ParseUnitMode(reply)
	if err != nil {
		return "", fmt.Errorf("%w: mode reply %q", types.ErrDeviceError, reply)
	}

	c.mu.Lock()
	c.mirror.Mode = mode
	c.mu.Unlock()
	return mode, nil
}

// GetRange returns the range the device reports. Under auto-range the mirror
// keeps its negative request.
func (c *Controller) GetRange(ctx context.Context) (float64, error) {
	cmd, err := scpi.GetRange(c.Mirror().Mode)
	if err != nil {
		return 0, err
	}
	reply, err := c.send(ctx, cmd, true)
	if err != nil {
		return 0, err
	}
	v, err := firstNumber(reply)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if !c.mirror.AutoRange {
		c.mirror.Range = v
	}
	c.mu.Unlock()
	return v, nil
}

func (c *Controller) GetIntegrationTime(ctx context.Context) (float64, error) {
	cmd, err := scpi.GetIntegrationTime(c.Mirror().Mode)
	if err != nil {
		return 0, err
	}
	reply, err := c.send(ctx, cmd, true)
	if err != nil {
		return 0, err
	}
	v, err := firstNumber(reply)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.mirror.IntegrationTime = v
	c.mu.Unlock()
	return v, nil
}

// FilterStatus is what the device reports for its two filters.
type FilterStatus struct {
	Median  bool `json:"median"`
	Average bool `json:"average"`
}

// GetFilterStatuses reads both filter switches. The selections in the mirror
// only follow the device while the master switch is on, because the master
// switch off forces both to 0.
func (c *Controller) GetFilterStatuses(ctx context.Context) (FilterStatus, error) {
	mode := c.Mirror().Mode

	var st FilterStatus
	for _, f := range []struct {
		kind types.FilterKind
		dst  *bool
	}{
		{types.FilterKindMedian, &st.Median},
		{types.FilterKindAverage, &st.Average},
	} {
		cmd, err := scpi.GetFilterStatus(mode, f.kind)
		if err != nil {
			return st, err
		}
		reply, err := c.send(ctx, cmd, true)
		if err != nil {
			return st, err
		}
		v, err := firstNumber(reply)
		if err != nil {
			return st, err
		}
		*f.dst = v != 0
	}

	c.mu.Lock()
	if c.mirror.FilterActive {
		c.mirror.MedianFilterActive = st.Median
		c.mirror.AverageFilterActive = st.Average
	}
	c.mu.Unlock()
	return st, nil
}

func (c *Controller) GetHardwareInfo(ctx context.Context) (string, error) {
	reply, err := c.send(ctx, scpi.GetHardwareInfo(), true)
	if err != nil {
		return "", fmt.Errorf("hardware info: %w", err)
	}

	c.mu.Lock()
	c.hardwareInfo = reply
	c.mu.Unlock()
	return reply, nil
}

// GetErrorList drains the device error queue.
func (c *Controller) GetErrorList(ctx context.Context) ([]DeviceError, error) {
	var errs []DeviceError
	for i := 0; i < maxErrorQueries; i++ {
		reply, err := c.send(ctx, scpi.GetLastError(), true)
		if err != nil {
			return errs, err
		}
		if reply == "" || strings.Contains(strings.ToLower(reply), "no error") {
			break
		}
		e, pending := parseDeviceError(reply)
		if !pending {
			break
		}
		errs = append(errs, e)
	}
	return errs, nil
}

func firstNumber(reply string) (float64, error) {
	for _, tok := range tokenize(reply) {
		if !tok.isWord {
			return tok.number, nil
		}
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64); err == nil {
		return v, nil
	}
	return 0, fmt.Errorf("%w: no number in reply %q", types.ErrDeviceError, reply)
}

// StartManualScan starts buffering and returns; StopScan finishes the scan.
func (c *Controller) StartManualScan(ctx context.Context) (string, error) {
	if err := c.transition("start manual scan", notReadingOnly, StateManualReading); err != nil {
		return "", err
	}
	scan, err := c.beginScan(ctx, ScanManual, nil)
	if err != nil {
		c.leave(StateManualReading)
		return "", err
	}
	return scan.id, nil
}

// StartDurationScan buffers for the given number of seconds and returns the
// finished scan. Cancelling ctx or calling Idle while waiting aborts the scan
// without a record.
func (c *Controller) StartDurationScan(ctx context.Context, seconds float64) (*ScanRecord, error) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return nil, fmt.Errorf("%w: scan duration %v", types.ErrInvalidArgument, seconds)
	}
	if err := c.transition("start duration scan", notReadingOnly, StateDurationReading); err != nil {
		return nil, err
	}
	timerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	scan, err := c.beginScan(ctx, ScanDuration, cancel)
	if err != nil {
		c.leave(StateDurationReading)
		return nil, err
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-timerCtx.Done():
		if ctx.Err() != nil {
			c.abortScan(ctx, scan)
			return nil, ctx.Err()
		}
	}

	// Idle may have taken the scan away while the timer ran.
	c.mu.Lock()
	if c.scan != scan || scan.stopping {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: duration scan %s aborted", types.ErrInvalidSubstate, scan.id)
	}
	scan.stopping = true
	c.mu.Unlock()

	return c.finishScan(ctx)
}

// StopScan ends a manual scan.
func (c *Controller) StopScan(ctx context.Context) (*ScanRecord, error) {
	c.mu.Lock()
	if c.state != StateManualReading || c.scan == nil || c.scan.stopping {
		current := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot stop scan in %s", types.ErrInvalidSubstate, current)
	}
	c.scan.stopping = true
	c.mu.Unlock()

	return c.finishScan(ctx)
}

func (c *Controller) beginScan(ctx context.Context, kind ScanKind, cancel context.CancelFunc) (*activeScan, error) {
	initial, err := c.ReadValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial snapshot: %w", err)
	}

	prep, err := scpi.PrepareBuffer(scpi.DefaultBufferSize)
	if err != nil {
		return nil, err
	}
	timer, err := scpi.SelectDeviceTimer(scpi.DefaultTimer)
	if err != nil {
		return nil, err
	}
	if _, err := c.send(ctx, strings.Join([]string{prep, timer, scpi.AlwaysRead()}, "\n"), false); err != nil {
		return nil, fmt.Errorf("prepare buffer: %w", err)
	}

	scan := &activeScan{
		id:        uuid.New().String(),
		kind:      kind,
		startedAt: time.Now().UTC(),
		initial:   initial,
		cancel:    cancel,
	}

	// Idle may have run while the buffer was being prepared.
	c.mu.Lock()
	if c.state != kind.state() {
		c.mu.Unlock()
		if _, err := c.send(context.WithoutCancel(ctx), scpi.StopStoringBuffer(), false); err != nil {
			c.logger.Warn("Failed to stop buffering on abort", zap.Error(err))
		}
		return nil, fmt.Errorf("%w: scan start interrupted", types.ErrInvalidSubstate)
	}
	c.scan = scan
	c.mu.Unlock()

	c.logger.Info("Scan started",
		zap.String("scan_id", scan.id),
		zap.String("kind", string(kind)))

	return scan, nil
}

// abortScan stops buffering and drops scan without a record. It does nothing
// when scan is no longer the active one or its buffer is already being read.
func (c *Controller) abortScan(ctx context.Context, scan *activeScan) {
	c.mu.Lock()
	if c.scan != scan || scan.stopping {
		c.mu.Unlock()
		return
	}
	c.scan = nil
	c.mu.Unlock()

	if scan.cancel != nil {
		scan.cancel()
	}
	if _, err := c.send(context.WithoutCancel(ctx), scpi.StopStoringBuffer(), false); err != nil {
		c.logger.Warn("Failed to stop buffering on abort", zap.Error(err))
	}
	c.setState(StateNotReading)

	monitor.Scans.WithLabelValues(string(scan.kind), "aborted").Inc()
	c.logger.Warn("Scan aborted", zap.String("scan_id", scan.id))
}

// Idle brings the detailed state back to NOT_READING. A scan that is still
// buffering is aborted; one whose buffer is already being read is left to
// finish, as is a configuration op in flight.
func (c *Controller) Idle(ctx context.Context) {
	c.mu.Lock()
	scan := c.scan
	if scan != nil && scan.stopping {
		c.mu.Unlock()
		return
	}
	state := c.state
	c.mu.Unlock()

	if scan != nil {
		c.abortScan(ctx, scan)
		return
	}
	if state != StateConfiguring {
		c.setState(StateNotReading)
	}
}

// finishScan stops buffering, dumps and parses the ring and drains the error
// queue. A dump that runs out of budget yields a partial record together with
// ErrPartialScan.
func (c *Controller) finishScan(ctx context.Context) (*ScanRecord, error) {
	c.mu.RLock()
	scan := c.scan
	c.mu.RUnlock()
	if scan == nil {
		return nil, fmt.Errorf("%w: no scan in progress", types.ErrInvalidSubstate)
	}

	outcome := "failed"
	defer func() {
		c.mu.Lock()
		c.scan = nil
		c.mu.Unlock()
		c.setState(StateNotReading)
		monitor.Scans.WithLabelValues(string(scan.kind), outcome).Inc()
	}()

	if _, err := c.send(ctx, scpi.StopStoringBuffer(), false); err != nil {
		return nil, fmt.Errorf("stop buffering: %w", err)
	}

	end, err := c.ReadValue(ctx)
	if err != nil {
		if errors.Is(err, types.ErrTransportClosed) {
			return nil, fmt.Errorf("end snapshot: %w", err)
		}
		c.logger.Warn("End snapshot failed", zap.String("scan_id", scan.id), zap.Error(err))
	}

	c.setState(StateReadingBuffer)

	tr := c.currentTransport()
	if tr == nil {
		return nil, fmt.Errorf("%w: controller not configured", types.ErrNotConnected)
	}

	partial := false
	text, err := tr.ReadUntilTerminator(ctx, scpi.ReadBuffer(), c.bufferBudget)
	if err != nil {
		if !errors.Is(err, types.ErrTransportTimeout) {
			return nil, fmt.Errorf("read buffer: %w", err)
		}
		partial = true
		c.logger.Warn("Buffer dump incomplete",
			zap.String("scan_id", scan.id),
			zap.Int("bytes", len(text)),
			zap.Error(err))
	}

	data := ParseBuffer(text)
	record := &ScanRecord{
		ID:          scan.id,
		Kind:        scan.kind,
		StartedAt:   scan.startedAt,
		Times:       data.Times,
		Intensities: data.Intensities,
		Initial:     scan.initial,
		End:         end,
		Partial:     partial,
	}

	devErrs, err := c.GetErrorList(ctx)
	if err != nil {
		if errors.Is(err, types.ErrTransportClosed) {
			return nil, fmt.Errorf("error queue: %w", err)
		}
		c.logger.Warn("Failed to drain error queue", zap.Error(err))
	}
	record.Errors = devErrs

	monitor.ScanSamples.Observe(float64(record.Len()))

	if partial {
		record.Errors = append(record.Errors, DeviceError{
			Code:    -1,
			Message: fmt.Sprintf("buffer dump exceeded %s", c.bufferBudget),
		})
		outcome = "partial"
		return record, fmt.Errorf("%w: %d samples recovered", types.ErrPartialScan, record.Len())
	}

	outcome = "complete"
	c.logger.Info("Scan finished",
		zap.String("scan_id", scan.id),
		zap.Int("samples", record.Len()),
		zap.Int("device_errors", len(record.Errors)))

	return record, nil
}
