package csc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/KevinKickass/ElectrometerCSC/internal/bus"
	"github.com/KevinKickass/ElectrometerCSC/internal/config"
	"github.com/KevinKickass/ElectrometerCSC/internal/electrometer"
	"github.com/KevinKickass/ElectrometerCSC/internal/fits"
	"github.com/KevinKickass/ElectrometerCSC/internal/monitor"
	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	"go.uber.org/zap"
)

// ParamSettingsLabel names the settings document applied by start.
const ParamSettingsLabel = "configurationOverride"

func (c *CSC) doStart(ctx context.Context, params map[string]any) (map[string]any, error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if err := ValidateTransition(c.SummaryState(), StateDisabled); err != nil {
		return nil, err
	}

	label, err := optionalString(params, ParamSettingsLabel, c.defaultLabel)
	if err != nil {
		return nil, err
	}
	if label == "" {
		label = c.defaultLabel
	}

	settings, err := c.settings.Load(label)
	if err != nil {
		c.publishErrorCode(ErrorCodeConfigurationInvalid, err)
		return nil, err
	}
	fitsDir, err := settings.FitsDir()
	if err != nil {
		err = fmt.Errorf("%w: %v", types.ErrConfigurationInvalid, err)
		c.publishErrorCode(ErrorCodeConfigurationInvalid, err)
		return nil, err
	}
	if err := c.controller.Configure(settings); err != nil {
		if errors.Is(err, types.ErrConfigurationInvalid) {
			c.publishErrorCode(ErrorCodeConfigurationInvalid, err)
		}
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if err := c.controller.Connect(connectCtx); err != nil {
		err = fmt.Errorf("connect: %w", err)
		c.fault(transportErrorCode(err), err)
		return nil, err
	}
	if err := c.controller.Initialize(ctx); err != nil {
		if derr := c.controller.Disconnect(); derr != nil {
			c.logger.Warn("Disconnect after failed start", zap.Error(derr))
		}
		err = fmt.Errorf("initialize: %w", err)
		c.fault(transportErrorCode(err), err)
		return nil, err
	}

	c.mu.Lock()
	c.writer = fits.NewWriter(c.logger, fitsDir, settings.HTTPHost, settings.Port, c.index)
	c.mu.Unlock()

	if err := c.transition(StateDisabled); err != nil {
		return nil, err
	}
	c.publishAppliedSettings(settings)

	c.logger.Info("Instrument configured",
		zap.String("label", settings.Label),
		zap.String("settings_version", settings.Version),
		zap.String("hardware", c.controller.HardwareInfo()))

	return map[string]any{
		"settingsLabel":   settings.Label,
		"settingsVersion": settings.Version,
		"hardwareInfo":    c.controller.HardwareInfo(),
	}, nil
}

func transportErrorCode(err error) int {
	if errors.Is(err, types.ErrTransportTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTransportTimeout
	}
	return ErrorCodeTransportClosed
}

func (c *CSC) publishAppliedSettings(s config.Settings) {
	m := c.controller.Mirror()

	c.publish(bus.EventSettingsAppliedReadSets, map[string]any{
		"mode":               m.Mode.Index(),
		"range":              m.Range,
		"integrationTime":    m.IntegrationTime,
		"filterActive":       m.FilterActive,
		"avgFilterActive":    m.AverageFilterActive,
		"medianFilterActive": m.MedianFilterActive,
		"sensorTemperature":  s.SensorTemperature,
	})

	serConf := map[string]any{
		"connectionType": s.ConnectionType,
		"timeout":        s.Timeout,
	}
	if s.ConnectionType == "tcp" {
		serConf["host"] = s.TCPHost
		serConf["port"] = s.TCPPort
	} else {
		serConf["serialPort"] = s.SerialPort
		serConf["baudrate"] = s.Baudrate
		serConf["parity"] = s.Parity
		serConf["byteSize"] = s.ByteSize
		serConf["stopBits"] = s.StopBits
		serConf["flowControl"] = s.FlowControl
	}
	c.publish(bus.EventSettingsAppliedSerConf, serConf)

	c.publishMeasureType(m)
	c.publishMeasureRange(m)
	c.publishIntegrationTime(m)
	c.publishDigitalFilter(m)

	c.publish(bus.EventAppliedSettingsMatchStart, map[string]any{
		"appliedSettingsMatchStartIsTrue": true,
	})
}

// doEnable always enters with the detailed state at NOT_READING.
func (c *CSC) doEnable(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if err := c.transition(StateEnabled); err != nil {
		return err
	}
	c.controller.Idle(ctx)
	c.publishDetailed()
	return nil
}

// doDisable aborts a scan that is still buffering; its artifact is lost.
func (c *CSC) doDisable(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if err := c.transition(StateDisabled); err != nil {
		return err
	}
	c.controller.Idle(ctx)
	return nil
}

func (c *CSC) doStandby() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if err := c.transition(StateStandby); err != nil {
		return err
	}
	if err := c.controller.Disconnect(); err != nil {
		c.logger.Warn("Disconnect on standby failed", zap.Error(err))
	}
	c.publishSettingVersions()
	return nil
}

func (c *CSC) doExitControl() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if err := c.transition(StateOffline); err != nil {
		return err
	}
	c.controller.Discard()

	c.mu.Lock()
	c.writer = nil
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

func (c *CSC) doPerformZeroCalib(ctx context.Context) error {
	if err := c.requireEnabled("perform zero calibration"); err != nil {
		return err
	}
	return c.controller.PerformZeroCalibration(ctx)
}

func (c *CSC) doSetDigitalFilter(ctx context.Context, params map[string]any) (map[string]any, error) {
	if err := c.requireEnabled("set digital filter"); err != nil {
		return nil, err
	}
	filter, err := requireBool(params, "activateFilter")
	if err != nil {
		return nil, err
	}
	average, err := requireBool(params, "activateAvgFilter")
	if err != nil {
		return nil, err
	}
	median, err := requireBool(params, "activateMedFilter")
	if err != nil {
		return nil, err
	}

	if err := c.controller.SetDigitalFilter(ctx, filter, average, median, false); err != nil {
		return nil, err
	}
	return c.publishDigitalFilter(c.controller.Mirror()), nil
}

func (c *CSC) doSetIntegrationTime(ctx context.Context, params map[string]any) (map[string]any, error) {
	if err := c.requireEnabled("set integration time"); err != nil {
		return nil, err
	}
	t, err := requireFloat(params, "intTime")
	if err != nil {
		return nil, err
	}

	if err := c.controller.SetIntegrationTime(ctx, t, false); err != nil {
		return nil, err
	}
	return c.publishIntegrationTime(c.controller.Mirror()), nil
}

func (c *CSC) doSetMode(ctx context.Context, params map[string]any) (map[string]any, error) {
	if err := c.requireEnabled("set mode"); err != nil {
		return nil, err
	}
	i, err := requireInt(params, "mode")
	if err != nil {
		return nil, err
	}
	mode, err := types.UnitModeFromIndex(i)
	if err != nil {
		return nil, err
	}

	if err := c.controller.SetMode(ctx, mode, false); err != nil {
		return nil, err
	}
	return c.publishMeasureType(c.controller.Mirror()), nil
}

func (c *CSC) doSetRange(ctx context.Context, params map[string]any) (map[string]any, error) {
	if err := c.requireEnabled("set range"); err != nil {
		return nil, err
	}
	v, err := requireFloat(params, "setRange")
	if err != nil {
		return nil, err
	}

	if err := c.controller.SetRange(ctx, v, false); err != nil {
		return nil, err
	}
	return c.publishMeasureRange(c.controller.Mirror()), nil
}

func (c *CSC) doStartScan(ctx context.Context) (map[string]any, error) {
	if err := c.requireEnabled("start scan"); err != nil {
		return nil, err
	}
	id, err := c.controller.StartManualScan(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"scanId": id}, nil
}

func (c *CSC) doStartScanDt(ctx context.Context, params map[string]any) (map[string]any, error) {
	if err := c.requireEnabled("start duration scan"); err != nil {
		return nil, err
	}
	d, err := requireFloat(params, "scanDuration")
	if err != nil {
		return nil, err
	}
	return c.completeScan(c.controller.StartDurationScan(ctx, d))
}

func (c *CSC) doStopScan(ctx context.Context) (map[string]any, error) {
	if err := c.requireEnabled("stop scan"); err != nil {
		return nil, err
	}
	return c.completeScan(c.controller.StopScan(ctx))
}

// completeScan writes and announces whatever the controller recovered. A
// partial scan is announced like any other but keeps its error.
func (c *CSC) completeScan(record *electrometer.ScanRecord, scanErr error) (map[string]any, error) {
	if record == nil {
		return nil, scanErr
	}

	result := map[string]any{
		"scanId":  record.ID,
		"samples": record.Len(),
		"partial": record.Partial,
	}

	artifact, err := c.writeArtifact(record)
	if err != nil {
		c.logger.Error("Failed to write scan artifact",
			zap.String("scan_id", record.ID),
			zap.Error(err))
		if scanErr == nil {
			scanErr = err
		}
		return result, scanErr
	}

	result["url"] = artifact.URL
	result["checkSum"] = artifact.Checksum
	result["byteSize"] = artifact.Size
	return result, scanErr
}

func (c *CSC) writeArtifact(record *electrometer.ScanRecord) (*fits.Artifact, error) {
	w := c.Writer()
	if w == nil {
		return nil, fmt.Errorf("%w: no artifact writer", types.ErrNotConnected)
	}

	codes := make([]int, len(record.Errors))
	for i, e := range record.Errors {
		codes[i] = e.Code
	}

	artifact, err := w.Write(fits.Scan{
		Times:        record.Times,
		Intensities:  record.Intensities,
		StartedAt:    record.StartedAt,
		HardwareInfo: c.controller.HardwareInfo(),
		ErrorCodes:   codes,
		Initial:      fits.Snapshot{Temperature: record.Initial.Temperature, Unit: record.Initial.Unit},
		End:          fits.Snapshot{Temperature: record.End.Temperature, Unit: record.End.Unit},
	})
	if err != nil {
		return nil, err
	}

	monitor.ArtifactBytes.Add(float64(artifact.Size))

	c.publish(bus.EventLargeFileObjectAvailable, map[string]any{
		"url":       artifact.URL,
		"generator": fmt.Sprintf("Electrometer:%d", c.index),
		"version":   c.version,
		"checkSum":  artifact.Checksum,
		"mimeType":  fits.MimeType,
		"byteSize":  artifact.Size,
		"id":        artifact.ID,
	})
	return artifact, nil
}

func (c *CSC) publishDigitalFilter(m electrometer.Mirror) map[string]any {
	data := map[string]any{
		"activateFilter":    m.FilterActive,
		"activateAvgFilter": m.AverageFilterActive,
		"activateMedFilter": m.MedianFilterActive,
	}
	c.publish(bus.EventDigitalFilterChange, data)
	return data
}

func (c *CSC) publishIntegrationTime(m electrometer.Mirror) map[string]any {
	data := map[string]any{"intTime": m.IntegrationTime}
	c.publish(bus.EventIntegrationTime, data)
	return data
}

func (c *CSC) publishMeasureType(m electrometer.Mirror) map[string]any {
	data := map[string]any{"mode": m.Mode.Index()}
	c.publish(bus.EventMeasureType, data)
	return data
}

func (c *CSC) publishMeasureRange(m electrometer.Mirror) map[string]any {
	data := map[string]any{"rangeValue": m.Range}
	c.publish(bus.EventMeasureRange, data)
	return data
}

// Parameter decoding. Front ends hand over JSON-decoded maps, so numbers
// usually arrive as float64 or json.Number.

func requireFloat(params map[string]any, key string) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing parameter %q", types.ErrInvalidArgument, key)
	}

	var v float64
	switch t := raw.(type) {
	case float64:
		v = t
	case float32:
		v = float64(t)
	case int:
		v = float64(t)
	case int64:
		v = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: parameter %q: %v", types.ErrInvalidArgument, key, err)
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: parameter %q: %v", types.ErrInvalidArgument, key, err)
		}
		v = f
	default:
		return 0, fmt.Errorf("%w: parameter %q must be a number", types.ErrInvalidArgument, key)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: parameter %q is not finite", types.ErrInvalidArgument, key)
	}
	return v, nil
}

func requireInt(params map[string]any, key string) (int, error) {
	v, err := requireFloat(params, key)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: parameter %q must be an integer", types.ErrInvalidArgument, key)
	}
	return int(v), nil
}

func requireBool(params map[string]any, key string) (bool, error) {
	raw, ok := params[key]
	if !ok {
		return false, fmt.Errorf("%w: missing parameter %q", types.ErrInvalidArgument, key)
	}
	switch t := raw.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, fmt.Errorf("%w: parameter %q: %v", types.ErrInvalidArgument, key, err)
		}
		return b, nil
	}
	return false, fmt.Errorf("%w: parameter %q must be a boolean", types.ErrInvalidArgument, key)
}

func optionalString(params map[string]any, key, fallback string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: parameter %q must be a string", types.ErrInvalidArgument, key)
	}
	return s, nil
}
