// Package module runs optional features on top of vehicle registry.
// Modules register factories in init, manager loads them by name,
// forwards registry events and dispatches "<module> <command> args..." lines.
package module

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/mavrelay/config"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/mavlink"
	"github.com/temoto/mavrelay/registry"
	"github.com/temoto/mavrelay/vehicle"
	"go.uber.org/multierr"
)

// Host is what module can reach while loaded.
type Host interface {
	Log() *log2.Log
	Config() *config.Config
	Registry() *registry.Registry
	// Printf shows text to user in context of vehicle.
	Printf(vehicle string, format string, args ...interface{})
}

type Module interface {
	Name() string
	Commands() []string
	Start(ctx context.Context, h Host) error
	Stop() error
	// Exec runs command args[0] with args[1:] for vehicle.
	Exec(ctx context.Context, vehicle string, args []string) error
}

type Factory func() Module

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]Factory)
)

// Register panics on duplicate name.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, ok := factories[name]; ok {
		panic("code error module already registered name=" + name)
	}
	factories[name] = f
}

// Available returns sorted names of registered modules.
func Available() []string {
	factoriesMu.Lock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	factoriesMu.Unlock()
	sort.Strings(names)
	return names
}

type Manager struct {
	host Host
	log  *log2.Log

	mu     sync.RWMutex
	loaded map[string]Module
}

var _ registry.Listener = &Manager{}

func NewManager(host Host) *Manager {
	return &Manager{
		host:   host,
		log:    host.Log(),
		loaded: make(map[string]Module),
	}
}

func (self *Manager) Load(ctx context.Context, name string) error {
	factoriesMu.Lock()
	f, ok := factories[name]
	factoriesMu.Unlock()
	if !ok {
		return errors.NotFoundf("module=%s", name)
	}

	self.mu.Lock()
	if _, ok := self.loaded[name]; ok {
		self.mu.Unlock()
		return errors.AlreadyExistsf("module=%s loaded", name)
	}
	m := f()
	if err := m.Start(ctx, self.host); err != nil {
		self.mu.Unlock()
		return errors.Annotatef(err, "module=%s start", name)
	}
	self.loaded[name] = m
	self.mu.Unlock()
	self.log.Infof("module=%s loaded", name)

	// catch up on vehicles added before load
	if l, ok := m.(registry.Listener); ok {
		reg := self.host.Registry()
		for _, v := range reg.List() {
			if s, err := reg.Get(v); err == nil {
				l.VehicleAdded(s)
			}
		}
	}
	return nil
}

func (self *Manager) Unload(name string) error {
	self.mu.Lock()
	m, ok := self.loaded[name]
	delete(self.loaded, name)
	self.mu.Unlock()
	if !ok {
		return errors.NotFoundf("module=%s not loaded", name)
	}
	self.log.Infof("module=%s unloaded", name)
	return errors.Annotatef(m.Stop(), "module=%s stop", name)
}

// Loaded returns sorted names of loaded modules.
func (self *Manager) Loaded() []string {
	self.mu.RLock()
	names := make([]string, 0, len(self.loaded))
	for name := range self.loaded {
		names = append(names, name)
	}
	self.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Commands returns "<module> <command>" for every loaded module, sorted.
func (self *Manager) Commands() []string {
	self.mu.RLock()
	var result []string
	for name, m := range self.loaded {
		for _, c := range m.Commands() {
			result = append(result, name+" "+c)
		}
	}
	self.mu.RUnlock()
	sort.Strings(result)
	return result
}

// Exec dispatches "<module> <command> args..." for vehicle.
// Vehicle must have sent at least one heartbeat.
func (self *Manager) Exec(ctx context.Context, vehicleName string, line string) error {
	args := strings.Fields(line)
	if len(args) < 2 {
		return errors.NotValidf("command=%q expected: module command [args]", line)
	}
	self.mu.RLock()
	m, ok := self.loaded[args[0]]
	self.mu.RUnlock()
	if !ok || !hasCommand(m, args[1]) {
		return errors.NotFoundf("command=%q", line)
	}
	s, err := self.host.Registry().Get(vehicleName)
	if err != nil {
		return err
	}
	if s.Status().LastHeartbeat.IsZero() {
		return errors.NotValidf("vehicle=%s no packets received on link", vehicleName)
	}
	return m.Exec(ctx, vehicleName, args[1:])
}

func hasCommand(m Module, c string) bool {
	for _, x := range m.Commands() {
		if x == c {
			return true
		}
	}
	return false
}

// Close stops all modules.
func (self *Manager) Close() error {
	self.mu.Lock()
	loaded := self.loaded
	self.loaded = make(map[string]Module)
	self.mu.Unlock()
	var err error
	for name, m := range loaded {
		err = multierr.Append(err, errors.Annotatef(m.Stop(), "module=%s stop", name))
	}
	return err
}

func (self *Manager) listeners() []registry.Listener {
	self.mu.RLock()
	defer self.mu.RUnlock()
	result := make([]registry.Listener, 0, len(self.loaded))
	for _, m := range self.loaded {
		if l, ok := m.(registry.Listener); ok {
			result = append(result, l)
		}
	}
	return result
}

func (self *Manager) VehicleAdded(s *vehicle.Session) {
	for _, l := range self.listeners() {
		l.VehicleAdded(s)
	}
}

func (self *Manager) VehicleRemoved(name string) {
	for _, l := range self.listeners() {
		l.VehicleRemoved(name)
	}
}

func (self *Manager) VehiclePacket(name string, f *mavlink.Frame, endpoint string) {
	for _, l := range self.listeners() {
		l.VehiclePacket(name, f, endpoint)
	}
}

func (self *Manager) VehicleStatusChanged(status vehicle.Status) {
	for _, l := range self.listeners() {
		l.VehicleStatusChanged(status)
	}
}

// Base is embedded by modules without interest in some registry events.
type Base struct{}

func (Base) VehicleAdded(*vehicle.Session)                {}
func (Base) VehicleRemoved(string)                        {}
func (Base) VehiclePacket(string, *mavlink.Frame, string) {}
func (Base) VehicleStatusChanged(vehicle.Status)          {}
