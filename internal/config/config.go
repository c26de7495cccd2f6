package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses yaml scalars like "500ms" or "2m" via
// time.ParseDuration; a unit is required.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// File holds the options recognized in the optional config file. Every
// field has a matching CLI flag; flags set explicitly win over the file.
type File struct {
	Concurrency       int      `yaml:"concurrency,omitempty"`
	SpeedLimit        string   `yaml:"speed_limit,omitempty"`          // e.g. "2MB"
	PerTaskSpeedLimit string   `yaml:"per_task_speed_limit,omitempty"` // applied to each task
	ChunkSize         string   `yaml:"chunk_size,omitempty"`
	MaxRetries        int      `yaml:"max_retries,omitempty"`
	RetryBaseDelay    Duration `yaml:"retry_base_delay,omitempty"`
	RetryMaxDelay     Duration `yaml:"retry_max_delay,omitempty"`
	ConnectTimeout    Duration `yaml:"connect_timeout,omitempty"`
	StallTimeout      Duration `yaml:"stall_timeout,omitempty"`
	CheckpointDir     string   `yaml:"checkpoint_dir,omitempty"`
	HistoryDB         string   `yaml:"history_db,omitempty"`
	UserAgent         string   `yaml:"user_agent,omitempty"`
	Proxy             string   `yaml:"proxy,omitempty"`
	ProxyUsername     string   `yaml:"proxy_username,omitempty"`
	ProxyPassword     string   `yaml:"proxy_password,omitempty"`
	Headers           []string `yaml:"headers,omitempty"` // "Key: Value" pairs
	Cookies           []string `yaml:"cookies,omitempty"` // "name=value" pairs
	Debug             bool     `yaml:"debug,omitempty"`
}

// DefaultPath is ~/.magpie.yaml, or empty when the home directory cannot
// be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".magpie.yaml")
}

// Load reads the config file at path. A missing file is not an error; the
// zero File is returned so flag defaults apply.
func Load(path string) (*File, error) {
	var f File
	if path == "" {
		return &f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &f, nil
		}
		return nil, fmt.Errorf("error reading config file: %v", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}
	return &f, nil
}
