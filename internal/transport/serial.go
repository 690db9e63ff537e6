package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialConfig mirrors the RS-232 settings of the instrument.
type SerialConfig struct {
	Path        string
	BaudRate    int
	Parity      string // N, E or O
	DataBits    int
	StopBits    int
	FlowControl bool
}

type serialPort struct {
	serial.Port
}

func (p serialPort) Flush() error {
	return p.ResetInputBuffer()
}

// Writes on a serial line block until the UART drains; there is no deadline.
func (p serialPort) SetWriteTimeout(time.Duration) error {
	return nil
}

func parseParity(p string) (serial.Parity, error) {
	switch strings.ToUpper(p) {
	case "", "N":
		return serial.NoParity, nil
	case "E":
		return serial.EvenParity, nil
	case "O":
		return serial.OddParity, nil
	case "M":
		return serial.MarkParity, nil
	case "S":
		return serial.SpaceParity, nil
	}
	return serial.NoParity, fmt.Errorf("unsupported parity %q", p)
}

func parseStopBits(n int) (serial.StopBits, error) {
	switch n {
	case 0, 1:
		return serial.OneStopBit, nil
	case 2:
		return serial.TwoStopBits, nil
	}
	return serial.OneStopBit, fmt.Errorf("unsupported stop bits %d", n)
}

// Mode converts the settings into a serial.Mode.
func (c SerialConfig) Mode() (*serial.Mode, error) {
	parity, err := parseParity(c.Parity)
	if err != nil {
		return nil, err
	}
	stopBits, err := parseStopBits(c.StopBits)
	if err != nil {
		return nil, err
	}
	dataBits := c.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: dataBits,
		Parity:   parity,
		StopBits: stopBits,
	}, nil
}

// NewSerial returns a transport over an RS-232 port.
func NewSerial(cfg SerialConfig, opts Options, logger *zap.Logger) Transport {
	dial := func(ctx context.Context) (port, error) {
		mode, err := cfg.Mode()
		if err != nil {
			return nil, err
		}
		p, err := serial.Open(cfg.Path, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
		}
		if cfg.FlowControl {
			if err := p.SetRTS(true); err != nil {
				p.Close()
				return nil, fmt.Errorf("enable RTS on %s: %w", cfg.Path, err)
			}
		}
		if err := p.ResetInputBuffer(); err != nil {
			p.Close()
			return nil, fmt.Errorf("flush %s: %w", cfg.Path, err)
		}
		return serialPort{Port: p}, nil
	}
	return newStream("serial", cfg.Path, dial, opts, logger)
}
