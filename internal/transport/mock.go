package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/types"
)

// MockIdentification is the *idn? reply of the simulated instrument.
const MockIdentification = "KEITHLEY INSTRUMENTS INC.,MODEL 6517B,4096271,A13/700x"

// MockBufferSamples is the length of the canned buffer dump.
const MockBufferSamples = 10

// MockState is what the simulated instrument has been told so far.
type MockState struct {
	Mode              types.UnitMode
	Range             float64
	AutoRange         bool
	IntegrationTime   float64
	MedianFilter      bool
	AverageFilter     bool
	AverageType       types.AverageKind
	ZeroCheck         bool
	ZeroCorrect       bool
	TemperatureSensor bool
	BufferElements    string
	BufferPoints      int
	TriggerCount      int
	TriggerSource     string
	Timer             float64
	Feed              string
	Initiated         bool
	Commands          []string
}

type mockHandler struct {
	re *regexp.Regexp
	fn func(m []string) string
}

// MockDevice replays a deterministic subset of the electrometer protocol.
// Every sub-command of a compound request must match a handler; anything else
// fails with ErrNotImplemented.
type MockDevice struct {
	mu       sync.Mutex
	state    MockState
	readings int
	handlers []mockHandler
}

func NewMockDevice() *MockDevice {
	d := &MockDevice{}
	d.reset()
	d.register()
	return d
}

func (d *MockDevice) reset() {
	commands := d.state.Commands
	d.state = MockState{
		Mode:            types.UnitModeCurrent,
		Range:           0.02,
		AutoRange:       true,
		IntegrationTime: 0.01,
		AverageType:     types.AverageKindNone,
		TriggerSource:   "imm",
		Feed:            "nev",
		Commands:        commands,
	}
}

func (d *MockDevice) on(pattern string, fn func(m []string) string) {
	d.handlers = append(d.handlers, mockHandler{
		re: regexp.MustCompile(`(?i)^` + pattern + `$`),
		fn: fn,
	})
}

func (d *MockDevice) register() {
	s := &d.state

	d.on(`\*idn\?`, func([]string) string { return MockIdentification })
	d.on(`\*rst`, func([]string) string { d.reset(); return "" })
	d.on(`:syst:err\?`, func([]string) string { return "0, fine" })
	d.on(`:syst:zch (on|off)`, func(m []string) string { s.ZeroCheck = isOn(m[1]); return "" })
	d.on(`:syst:zcor (on|off)`, func(m []string) string { s.ZeroCorrect = isOn(m[1]); return "" })
	d.on(`:syst:tsc (on|off)`, func(m []string) string { s.TemperatureSensor = isOn(m[1]); return "" })

	d.on(`:sens:func\?`, func([]string) string { return string(s.Mode) + ":" + mockUnitName(s.Mode) })
	d.on(`:sens:func '(\w+)'`, func(m []string) string { s.Mode = types.UnitMode(strings.ToUpper(m[1])); return "" })

	d.on(`:sens:(\w+):rang:auto ([01])`, func(m []string) string { s.AutoRange = m[2] == "1"; return "" })
	d.on(`:sens:(\w+):rang\?`, func([]string) string { return formatMockFloat(s.Range) })
	d.on(`:sens:(\w+):rang (\S+)`, func(m []string) string { s.Range = parseMockFloat(m[2]); return "" })

	d.on(`:sens:(\w+):aper\?`, func([]string) string { return formatMockFloat(s.IntegrationTime) })
	d.on(`:sens:(\w+):aper (\S+)`, func(m []string) string { s.IntegrationTime = parseMockFloat(m[2]); return "" })

	d.on(`:sens:(\w+):(med|aver):stat\?`, func(m []string) string {
		if strings.EqualFold(m[2], "med") {
			return bit(s.MedianFilter)
		}
		return bit(s.AverageFilter)
	})
	d.on(`:sens:(\w+):(med|aver):stat ([01])`, func(m []string) string {
		if strings.EqualFold(m[2], "med") {
			s.MedianFilter = m[3] == "1"
		} else {
			s.AverageFilter = m[3] == "1"
		}
		return ""
	})
	d.on(`:sens:(\w+):aver:type\?`, func([]string) string { return string(s.AverageType) })
	d.on(`:sens:(\w+):aver:type (\w+)`, func(m []string) string { s.AverageType = types.AverageKind(strings.ToUpper(m[2])); return "" })

	d.on(`:sens:data(:fres)?\?`, func([]string) string { return d.sample() })

	d.on(`:trac:cle`, func([]string) string { return "" })
	d.on(`:trac:elem (\w+)`, func(m []string) string { s.BufferElements = strings.ToUpper(m[1]); return "" })
	d.on(`:trac:points (\d+)`, func(m []string) string { s.BufferPoints, _ = strconv.Atoi(m[1]); return "" })
	d.on(`:trig:count (\d+)`, func(m []string) string { s.TriggerCount, _ = strconv.Atoi(m[1]); return "" })
	d.on(`:trig:sour (\w+)`, func(m []string) string { s.TriggerSource = strings.ToLower(m[1]); return "" })
	d.on(`:trig:tim (\S+)`, func(m []string) string { s.Timer = parseMockFloat(m[1]); return "" })
	d.on(`:trac:feed:cont (\w+)`, func(m []string) string { s.Feed = strings.ToLower(m[1]); return "" })
	d.on(`:init`, func([]string) string { s.Initiated = true; return "" })
	d.on(`:trac:poin:act\?`, func([]string) string {
		if !s.Initiated {
			return "0"
		}
		return strconv.Itoa(MockBufferSamples)
	})
	d.on(`:trac:data\?`, func([]string) string { return d.buffer() })
}

// Handle executes a (possibly compound) request and returns the joined
// replies of its queries.
func (d *MockDevice) Handle(request string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var replies []string
	for _, cmd := range splitCompound(request) {
		d.state.Commands = append(d.state.Commands, cmd)

		handled := false
		for _, h := range d.handlers {
			m := h.re.FindStringSubmatch(cmd)
			if m == nil {
				continue
			}
			if reply := h.fn(m); reply != "" {
				replies = append(replies, reply)
			}
			handled = true
			break
		}
		if !handled {
			return "", fmt.Errorf("%w: mock device has no handler for %q", types.ErrNotImplemented, cmd)
		}
	}
	return strings.Join(replies, ","), nil
}

// State returns a snapshot of the simulated instrument.
func (d *MockDevice) State() MockState {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.state
	st.Commands = append([]string(nil), d.state.Commands...)
	return st
}

func (d *MockDevice) sample() string {
	d.readings++
	intensity := 1e-9 * (1 + 0.01*float64(d.readings%10))
	timestamp := 0.2 * float64(d.readings)
	if d.state.TemperatureSensor {
		return fmt.Sprintf("%.6E%s,%.6f,%.1f", intensity, "A", timestamp, 23.5)
	}
	return fmt.Sprintf("%.6E,%.6f,%s", intensity, timestamp, "A")
}

func (d *MockDevice) buffer() string {
	if !d.state.Initiated {
		return ""
	}
	parts := make([]string, 0, MockBufferSamples)
	for k := 0; k < MockBufferSamples; k++ {
		intensity := 1e-9 * (1 + 0.1*float64(k))
		timestamp := 0.001 * float64(k+1)
		parts = append(parts, fmt.Sprintf("%.6E,%.6f,A", intensity, timestamp))
	}
	return strings.Join(parts, ",")
}

// Serve answers framed requests read from conn until it closes. Tests use it
// to put the simulated instrument behind a real socket.
func (d *MockDevice) Serve(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		req, err := r.ReadString(Terminator)
		if err != nil {
			return
		}
		reply, err := d.Handle(strings.TrimSuffix(req, string(Terminator)))
		if err != nil || reply == "" {
			continue
		}
		if _, err := conn.Write([]byte(reply + string(Terminator))); err != nil {
			return
		}
	}
}

// Mock is the simulation-mode transport: the MockDevice answers in-process.
type Mock struct {
	device *MockDevice
	delay  time.Duration

	mu        sync.Mutex
	connected bool
	faults    []mockFault
}

type mockFault struct {
	match string
	err   error
}

func NewMock(device *MockDevice) *Mock {
	if device == nil {
		device = NewMockDevice()
	}
	return &Mock{device: device}
}

func (m *Mock) Device() *MockDevice {
	return m.device
}

// SetDelay adds a fixed latency to every exchange.
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// InjectFault makes the next request containing match fail with err.
func (m *Mock) InjectFault(match string, err error) {
	m.mu.Lock()
	m.faults = append(m.faults, mockFault{match: match, err: err})
	m.mu.Unlock()
}

func (m *Mock) Kind() string {
	return "mock"
}

func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Mock) Send(ctx context.Context, cmd string, expectReply bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reply, err := m.exchange(ctx, cmd)
	if err != nil || !expectReply {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func (m *Mock) ReadUntilTerminator(ctx context.Context, cmd string, budget time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reply, err := m.exchange(ctx, cmd)
	return strings.TrimSpace(reply), err
}

func (m *Mock) exchange(ctx context.Context, cmd string) (string, error) {
	if !m.connected {
		return "", types.ErrNotConnected
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	for i, f := range m.faults {
		if strings.Contains(cmd, f.match) {
			m.faults = append(m.faults[:i], m.faults[i+1:]...)
			return "", f.err
		}
	}
	return m.device.Handle(cmd)
}

func splitCompound(request string) []string {
	fields := strings.FieldsFunc(request, func(r rune) bool {
		return r == ';' || r == '\n' || r == '\r'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func mockUnitName(m types.UnitMode) string {
	switch m {
	case types.UnitModeCharge:
		return "COUL"
	case types.UnitModeVoltage:
		return "DC"
	case types.UnitModeResistance:
		return "OHM"
	}
	return "AMP"
}

func isOn(s string) bool {
	return strings.EqualFold(s, "on")
}

func bit(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

func formatMockFloat(v float64) string {
	return strconv.FormatFloat(v, 'E', 6, 64)
}

func parseMockFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
