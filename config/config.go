// Package config reads relay configuration from HCL files with includes.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/mavrelay/helpers"
	"github.com/temoto/mavrelay/link"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/mavlink"
)

const (
	DefaultSourceSystem = 255
	DefaultSettingsDir  = ".mavrelay"
)

var DefaultModules = []string{"param", "mode"}

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Dialect           string `hcl:"dialect"`
	MavlinkVersion    string `hcl:"mavlink_version"`
	SourceSystem      int    `hcl:"source_system"`
	SourceComponent   int    `hcl:"source_component"`
	ReconnectPeriodMs int    `hcl:"reconnect_period_ms"`
	ConnectTimeoutMs  int    `hcl:"connect_timeout_ms"`
	LogDebug          bool   `hcl:"log_debug"`

	// heartbeat: 0 = default, negative disables
	HeartbeatIntervalMs int `hcl:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `hcl:"heartbeat_timeout_ms"`

	// bootstrap: kind:address:port:system:component
	Sources       []string  `hcl:"sources"`
	Sitl          []int     `hcl:"sitl"`
	SerialByIDDir string    `hcl:"serial_by_id_dir"`
	Vehicles      []Vehicle `hcl:"vehicle"`

	MetricsListen string    `hcl:"metrics_listen"`
	SettingsDir   string    `hcl:"settings_dir"`
	Modules       []string  `hcl:"modules"`
	Telemetry     Telemetry `hcl:"telemetry"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type Vehicle struct {
	Name            string   `hcl:"name,key"`
	TargetSystem    int      `hcl:"target_system"`
	TargetComponent int      `hcl:"target_component"`
	Links           []string `hcl:"links"`

	HeartbeatIntervalMs int `hcl:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `hcl:"heartbeat_timeout_ms"`
}

type Telemetry struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	LogDebug          bool   `hcl:"log_debug"`
	ClientID          string `hcl:"client_id"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	MqttBroker        string `hcl:"mqtt_broker"`
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
	MqttUsername      string `hcl:"mqtt_username"`
	MqttPassword      string `hcl:"mqtt_password"` // secret
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	PersistPath       string `hcl:"persist_path"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	TopicPrefix       string `hcl:"topic_prefix"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Default returns config equivalent to empty file.
func Default() *Config {
	return &Config{
		includeSeen:  make(map[string]struct{}),
		SourceSystem: DefaultSourceSystem,
		SettingsDir:  DefaultSettingsDir,
	}
}

// Read parses and validates all names in order, later values override earlier.
func Read(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error config.Read() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := Default()
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) == 0 {
		errs = c.validate(errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustRead(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := Read(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// Validate checks values after command line overrides.
func (c *Config) Validate() error {
	return helpers.FoldErrors(c.validate(nil))
}

func (c *Config) validate(errs []error) []error {
	if c.Dialect != "" {
		if err := mavlink.CheckDialect(c.Dialect); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := mavlink.ParseVersion(c.MavlinkVersion); err != nil {
		errs = append(errs, err)
	}
	if c.SourceSystem < 1 || c.SourceSystem > 255 {
		errs = append(errs, errors.NotValidf("source_system=%d", c.SourceSystem))
	}
	if c.SourceComponent < 0 || c.SourceComponent > 255 {
		errs = append(errs, errors.NotValidf("source_component=%d", c.SourceComponent))
	}
	for _, s := range c.Sources {
		if _, err := link.ParseSource(s); err != nil {
			errs = append(errs, err)
		}
	}
	for _, n := range c.Sitl {
		if n < 0 {
			errs = append(errs, errors.NotValidf("sitl=%d", n))
		}
	}
	seen := make(map[string]struct{}, len(c.Vehicles))
	for _, v := range c.Vehicles {
		tag := fmt.Sprintf("vehicle=%s", v.Name)
		if v.Name == "" {
			errs = append(errs, errors.NotValidf("vehicle name empty"))
		}
		if _, ok := seen[v.Name]; ok {
			errs = append(errs, errors.AlreadyExistsf(tag))
		}
		seen[v.Name] = struct{}{}
		if v.TargetSystem < 1 || v.TargetSystem > 255 {
			errs = append(errs, errors.NotValidf("%s target_system=%d", tag, v.TargetSystem))
		}
		if v.TargetComponent < 0 || v.TargetComponent > 255 {
			errs = append(errs, errors.NotValidf("%s target_component=%d", tag, v.TargetComponent))
		}
		if len(v.Links) == 0 {
			errs = append(errs, errors.NotValidf("%s links empty", tag))
		}
		for _, l := range v.Links {
			if _, err := link.ParseEndpoint(l); err != nil {
				errs = append(errs, errors.Annotate(err, tag))
			}
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.MqttBroker == "" {
		errs = append(errs, errors.NotValidf("telemetry mqtt_broker empty"))
	}
	return errs
}

// ModuleNames to load at start. HCL decoder appends to slices, so default is applied after read.
func (c *Config) ModuleNames() []string {
	if c.Modules == nil {
		return append([]string(nil), DefaultModules...)
	}
	return c.Modules
}

func (c *Config) Version() byte {
	v, _ := mavlink.ParseVersion(c.MavlinkVersion)
	return v
}

func (c *Config) DialectOrDefault() string {
	if c.Dialect == "" {
		return mavlink.DefaultDialect
	}
	return c.Dialect
}
