package config

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/electrometer-v1.json
var settingsSchemaJSON string

// DefaultSettingsLabel selects the schema defaults when no file exists for it.
const DefaultSettingsLabel = "default"

const settingsExt = ".yaml"

// Settings is one CSC settings document, applied on every start transition.
type Settings struct {
	Label   string `json:"-"`
	Version string `json:"-"`

	FitsFilesPath      string  `json:"fits_files_path"`
	Mode               int     `json:"mode"`
	Range              float64 `json:"range"`
	IntegrationTime    float64 `json:"integration_time"`
	MedianFilterActive bool    `json:"median_filter_active"`
	FilterActive       bool    `json:"filter_active"`
	AvgFilterActive    bool    `json:"avg_filter_active"`
	SensorTemperature  bool    `json:"sensor_temperature"`

	ConnectionType string `json:"connection_type"`
	SerialPort     string `json:"serial_port"`
	Baudrate       int    `json:"baudrate"`
	Parity         string `json:"parity"`
	ByteSize       int    `json:"byte_size"`
	StopBits       int    `json:"stop_bits"`
	FlowControl    bool   `json:"flow_control"`
	Timeout        int    `json:"timeout"`
	ReadQuota      int    `json:"read_quota"`
	TCPHost        string `json:"tcp_host"`
	TCPPort        int    `json:"tcp_port"`

	HTTPHost string `json:"http_host"`
	Port     int    `json:"port"`
}

// DefaultSettings returns the schema defaults.
func DefaultSettings() Settings {
	return Settings{
		Label:              DefaultSettingsLabel,
		Version:            "defaults",
		FitsFilesPath:      "~/electrometerFitsFiles",
		Mode:               1,
		Range:              -0.01,
		IntegrationTime:    0.01,
		MedianFilterActive: false,
		FilterActive:       true,
		AvgFilterActive:    false,
		SensorTemperature:  false,
		ConnectionType:     "serial",
		SerialPort:         "/dev/electrometer",
		Baudrate:           57600,
		Parity:             "N",
		ByteSize:           8,
		StopBits:           1,
		FlowControl:        false,
		Timeout:            2,
		ReadQuota:          1024,
		TCPHost:            "127.0.0.1",
		TCPPort:            5000,
		HTTPHost:           "localhost",
		Port:               8080,
	}
}

// UnitMode decodes the integer mode.
func (s Settings) UnitMode() (types.UnitMode, error) {
	return types.UnitModeFromIndex(s.Mode)
}

// CommandTimeout is the per-command reply timeout of the document.
func (s Settings) CommandTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// FitsDir expands a leading ~ in the artifact directory.
func (s Settings) FitsDir() (string, error) {
	p := s.FitsFilesPath
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p, nil
}

type SettingsLoader struct {
	dir    string
	schema *jsonschema.Schema
}

func NewSettingsLoader(dir string) (*SettingsLoader, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("electrometer-v1.json",
		strings.NewReader(settingsSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("electrometer-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &SettingsLoader{dir: dir, schema: schema}, nil
}

// Load reads <dir>/<label>.yaml, validates it and merges it over the
// defaults. Every failure wraps ErrConfigurationInvalid.
func (l *SettingsLoader) Load(label string) (Settings, error) {
	if label == "" {
		label = DefaultSettingsLabel
	}
	if strings.ContainsAny(label, `/\`) || strings.HasPrefix(label, ".") {
		return Settings{}, fmt.Errorf("%w: bad settings label %q", types.ErrConfigurationInvalid, label)
	}

	data, err := os.ReadFile(filepath.Join(l.dir, label+settingsExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && label == DefaultSettingsLabel {
			return DefaultSettings(), nil
		}
		return Settings{}, fmt.Errorf("%w: settings %q: %v", types.ErrConfigurationInvalid, label, err)
	}

	s, err := l.Parse(data)
	if err != nil {
		return Settings{}, fmt.Errorf("settings %q: %w", label, err)
	}
	s.Label = label
	return s, nil
}

// Parse validates a YAML document and merges it over the defaults.
func (l *SettingsLoader) Parse(data []byte) (Settings, error) {
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Settings{}, fmt.Errorf("%w: invalid YAML: %v", types.ErrConfigurationInvalid, err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return Settings{}, fmt.Errorf("%w: %v", types.ErrConfigurationInvalid, err)
	}

	if err := l.Validate(raw); err != nil {
		return Settings{}, err
	}

	s := DefaultSettings()
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", types.ErrConfigurationInvalid, err)
	}

	sum := sha256.Sum256(data)
	s.Version = hex.EncodeToString(sum[:])[:12]
	return s, nil
}

// Validate checks a JSON document against the embedded schema.
func (l *SettingsLoader) Validate(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", types.ErrConfigurationInvalid, err)
	}

	if err := l.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: schema validation failed: %v", types.ErrConfigurationInvalid, err)
	}
	return nil
}

// ListLabels enumerates the settings documents on disk. The default label is
// always offered.
func (l *SettingsLoader) ListLabels() ([]string, error) {
	labels := map[string]bool{DefaultSettingsLabel: true}

	entries, err := os.ReadDir(l.dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != settingsExt {
			continue
		}
		labels[strings.TrimSuffix(e.Name(), settingsExt)] = true
	}

	out := make([]string, 0, len(labels))
	for label := range labels {
		out = append(out, label)
	}
	sort.Strings(out)
	return out, nil
}
