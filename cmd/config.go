package cmd

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML form of the run flags. Every field is optional;
// pointer fields distinguish an explicit false or zero from absence.
type FileConfig struct {
	Log         string           `yaml:"log"`
	Circuits    string           `yaml:"circuits"`
	ASes        string           `yaml:"ases"`
	ASDB        string           `yaml:"asdb"`
	Output      string           `yaml:"output"`
	Cache       string           `yaml:"cache"`
	Samples     int              `yaml:"samples"`
	Seed        *int64           `yaml:"seed"`
	Load        int              `yaml:"load"`
	MemoSize    *int             `yaml:"memo_size"`
	MetricsAddr string           `yaml:"metrics_addr"`
	Inference   InferenceSection `yaml:"inference"`
}

// InferenceSection configures the inference service client.
type InferenceSection struct {
	Scheme             string   `yaml:"scheme"`
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	Algorithm          string   `yaml:"algorithm"`
	UseKnown           string   `yaml:"use_known"`
	IgnoreCachedNone   *bool    `yaml:"ignore_cached_none"`
	InsecureSkipVerify *bool    `yaml:"insecure_skip_verify"`
	MaxRPS             *float64 `yaml:"max_rps"`
	Coalesce           *bool    `yaml:"coalesce"`
	RequestTimeout     string   `yaml:"request_timeout"`
	BackoffUnit        string   `yaml:"backoff_unit"`
}

// loadFileConfig parses a run config with strict field checking, so a
// misspelled key is an error instead of a silently ignored setting.
func loadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML %s: %w", path, err)
	}
	return &cfg, nil
}

// flagValues maps flag names to the values set in the file.
func (fc *FileConfig) flagValues() map[string]string {
	vals := map[string]string{}
	setStr := func(name, v string) {
		if v != "" {
			vals[name] = v
		}
	}
	setInt := func(name string, v int) {
		if v != 0 {
			vals[name] = strconv.Itoa(v)
		}
	}
	setBool := func(name string, v *bool) {
		if v != nil {
			vals[name] = strconv.FormatBool(*v)
		}
	}

	setStr("log", fc.Log)
	setStr("circuits", fc.Circuits)
	setStr("ases", fc.ASes)
	setStr("asdb", fc.ASDB)
	setStr("output", fc.Output)
	setStr("cache", fc.Cache)
	setInt("samples", fc.Samples)
	if fc.Seed != nil {
		vals["seed"] = strconv.FormatInt(*fc.Seed, 10)
	}
	setInt("load", fc.Load)
	if fc.MemoSize != nil {
		vals["memo-size"] = strconv.Itoa(*fc.MemoSize)
	}
	setStr("metrics-addr", fc.MetricsAddr)

	inf := fc.Inference
	setStr("scheme", inf.Scheme)
	setStr("host", inf.Host)
	setInt("port", inf.Port)
	setStr("algorithm", inf.Algorithm)
	setStr("use-known", inf.UseKnown)
	setBool("ignore-cached-none", inf.IgnoreCachedNone)
	setBool("insecure-skip-verify", inf.InsecureSkipVerify)
	if inf.MaxRPS != nil {
		vals["max-rps"] = strconv.FormatFloat(*inf.MaxRPS, 'f', -1, 64)
	}
	setBool("coalesce", inf.Coalesce)
	setStr("request-timeout", inf.RequestTimeout)
	setStr("backoff-unit", inf.BackoffUnit)
	return vals
}

// applyFileConfig sets every flag the file names unless the user already
// set that flag on the command line.
func applyFileConfig(c *cobra.Command, fc *FileConfig) error {
	vals := fc.flagValues()
	names := make([]string, 0, len(vals))
	for name := range vals {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if c.Flags().Lookup(name) == nil {
			return fmt.Errorf("config key for unknown flag --%s", name)
		}
		if c.Flags().Changed(name) {
			continue
		}
		if err := c.Flags().Set(name, vals[name]); err != nil {
			return fmt.Errorf("config value for --%s: %w", name, err)
		}
	}
	return nil
}
