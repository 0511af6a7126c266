package config

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/mavrelay/helpers"
	"github.com/temoto/mavrelay/link"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/registry"
)

const (
	SitlBasePort        = 5760
	SitlPortStep        = 10
	DefaultSource       = "udpserver:127.0.0.1:14550:1:0"
	BootstrapNamePrefix = "Veh_"
)

// SitlSource returns tcp client source of simulator instance n.
func SitlSource(n int) string {
	return fmt.Sprintf("tcpclient:127.0.0.1:%d:1:0", SitlBasePort+SitlPortStep*n)
}

// BootstrapSources returns explicit sources plus SITL instances.
// Without any sources, SITL or vehicle blocks it tries serial autodetect, then default UDP server.
func (c *Config) BootstrapSources(log *log2.Log) []string {
	sources := append([]string(nil), c.Sources...)
	for _, n := range c.Sitl {
		sources = append(sources, SitlSource(n))
	}
	if len(sources) != 0 || len(c.Vehicles) != 0 {
		return sources
	}

	dir := c.SerialByIDDir
	if dir == "" {
		dir = link.SerialByIDDir
	}
	devices, err := link.FindSerial(dir)
	if err != nil {
		log.Errorf("serial autodetect dir=%s err=%v", dir, err)
	}
	for _, dev := range devices {
		sources = append(sources, fmt.Sprintf("serial:%s:%d:1:0", dev, link.DefaultSerialBaud))
	}
	if len(sources) == 0 {
		sources = append(sources, DefaultSource)
	}
	return sources
}

// VehicleSpecs converts vehicle blocks and bootstrap sources into registry input.
// Bootstrap vehicle is named by prefix and its source string.
func (c *Config) VehicleSpecs(log *log2.Log) ([]registry.VehicleSpec, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	interval := helpers.IntMillisecondDefault(c.HeartbeatIntervalMs, 0)
	timeout := helpers.IntMillisecondDefault(c.HeartbeatTimeoutMs, 0)
	base := registry.VehicleSpec{
		SourceSystem:      uint8(c.SourceSystem),
		SourceComponent:   uint8(c.SourceComponent),
		Dialect:           c.DialectOrDefault(),
		Version:           c.Version(),
		HeartbeatInterval: interval,
		HeartbeatTimeout:  timeout,
	}

	specs := make([]registry.VehicleSpec, 0, len(c.Vehicles)+len(c.Sources))
	for _, v := range c.Vehicles {
		spec := base
		spec.Name = v.Name
		spec.TargetSystem = uint8(v.TargetSystem)
		spec.TargetComponent = uint8(v.TargetComponent)
		spec.Endpoint = v.Links[0]
		spec.ExtraLinks = append([]string(nil), v.Links[1:]...)
		spec.HeartbeatInterval = helpers.IntMillisecondDefault(v.HeartbeatIntervalMs, interval)
		spec.HeartbeatTimeout = helpers.IntMillisecondDefault(v.HeartbeatTimeoutMs, timeout)
		specs = append(specs, spec)
	}
	for _, s := range c.BootstrapSources(log) {
		spec, err := c.SourceSpec(BootstrapNamePrefix+s, s)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// SourceSpec builds vehicle from kind:address:port:system:component string.
func (c *Config) SourceSpec(name, source string) (registry.VehicleSpec, error) {
	src, err := link.ParseSource(source)
	if err != nil {
		return registry.VehicleSpec{}, errors.Annotatef(err, "vehicle=%s", name)
	}
	spec := registry.SpecFromSource(name, src, uint8(c.SourceSystem), uint8(c.SourceComponent))
	spec.Dialect = c.DialectOrDefault()
	spec.Version = c.Version()
	spec.HeartbeatInterval = helpers.IntMillisecondDefault(c.HeartbeatIntervalMs, 0)
	spec.HeartbeatTimeout = helpers.IntMillisecondDefault(c.HeartbeatTimeoutMs, 0)
	return spec, nil
}

func (c *Config) ReconnectPeriod() time.Duration {
	return helpers.IntMillisecondDefault(c.ReconnectPeriodMs, 0)
}

func (c *Config) ConnectTimeout() time.Duration {
	return helpers.IntMillisecondDefault(c.ConnectTimeoutMs, 0)
}
