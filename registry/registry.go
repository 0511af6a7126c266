// Package registry owns vehicle sessions by name and joins them with router.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mavrelay/link"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/mavlink"
	"github.com/temoto/mavrelay/router"
	"github.com/temoto/mavrelay/vehicle"
)

const DefaultMapTimeout = 5 * time.Second

// Connector is router surface used by registry.
type Connector interface {
	AddVehicleLink(ctx context.Context, vehicle string, sysid uint8, endpoint string) (bool, error)
	RemoveVehicle(vehicle string) bool
	Outbound(buf []byte, vehicle string) int
}

var _ Connector = &router.Router{}

// Listener is told about registry changes and inbound vehicle frames.
// Methods are called without registry locks held.
type Listener interface {
	VehicleAdded(s *vehicle.Session)
	VehicleRemoved(name string)
	VehiclePacket(name string, f *mavlink.Frame, endpoint string)
	VehicleStatusChanged(status vehicle.Status)
}

type VehicleSpec struct {
	Name            string
	SourceSystem    uint8
	SourceComponent uint8
	TargetSystem    uint8
	TargetComponent uint8
	Dialect         string
	Version         byte
	Endpoint        string
	ExtraLinks      []string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// SpecFromSource builds vehicle description from bootstrap source string.
func SpecFromSource(name string, src link.Source, srcSys, srcComp uint8) VehicleSpec {
	return VehicleSpec{
		Name:            name,
		SourceSystem:    srcSys,
		SourceComponent: srcComp,
		TargetSystem:    src.TargetSystem,
		TargetComponent: src.TargetComponent,
		Endpoint:        src.Endpoint.String(),
	}
}

type Options struct {
	Log      *log2.Log
	Listener Listener
	Clock    clock.Clock
	// Connect builds router with registry as its sink.
	Connect    func(sink router.Sink) Connector
	MapTimeout time.Duration
}

type Registry struct {
	opt   Options
	log   *log2.Log
	conn  Connector
	alive *alive.Alive // tracks async mapping requests

	mu       sync.RWMutex
	sessions map[string]*vehicle.Session
	specs    map[string]VehicleSpec
}

var _ router.Sink = &Registry{}
var _ vehicle.StatusNotifier = &Registry{}

func New(opt Options) *Registry {
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if opt.MapTimeout == 0 {
		opt.MapTimeout = DefaultMapTimeout
	}
	r := &Registry{
		opt:      opt,
		log:      opt.Log,
		alive:    alive.NewAlive(),
		sessions: make(map[string]*vehicle.Session),
		specs:    make(map[string]VehicleSpec),
	}
	if opt.Connect == nil {
		panic("code error registry.Options.Connect=nil")
	}
	r.conn = opt.Connect(r)
	return r
}

// Close waits pending mapping requests and stops all sessions.
// Connector is not closed.
func (r *Registry) Close() error {
	r.alive.Stop()
	r.alive.Wait()
	r.mu.Lock()
	sessions := make([]*vehicle.Session, 0, len(r.sessions))
	for name, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, name)
		delete(r.specs, name)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
	return nil
}

func (r *Registry) AddVehicle(spec VehicleSpec) (*vehicle.Session, error) {
	const tag = "add vehicle"
	for _, e := range append([]string{spec.Endpoint}, spec.ExtraLinks...) {
		if _, err := link.ParseEndpoint(e); err != nil {
			return nil, errors.Annotatef(err, "%s=%s", tag, spec.Name)
		}
	}
	if !r.alive.IsRunning() {
		return nil, errors.Annotate(router.ErrClosed, tag)
	}

	r.mu.Lock()
	if _, ok := r.sessions[spec.Name]; ok {
		r.mu.Unlock()
		return nil, errors.AlreadyExistsf("vehicle=%s", spec.Name)
	}
	s, err := vehicle.New(vehicle.Options{
		Name:              spec.Name,
		SourceSystem:      spec.SourceSystem,
		SourceComponent:   spec.SourceComponent,
		TargetSystem:      spec.TargetSystem,
		TargetComponent:   spec.TargetComponent,
		Dialect:           spec.Dialect,
		Version:           spec.Version,
		HeartbeatInterval: spec.HeartbeatInterval,
		HeartbeatTimeout:  spec.HeartbeatTimeout,
		Clock:             r.opt.Clock,
		Log:               r.log,
		Notify:            r,
	}, r.conn)
	if err != nil {
		r.mu.Unlock()
		return nil, errors.Annotate(err, tag)
	}
	r.sessions[spec.Name] = s
	r.specs[spec.Name] = spec
	r.mu.Unlock()

	r.log.Infof("vehicle=%s added sysid=%d link=%s", spec.Name, spec.TargetSystem, spec.Endpoint)
	if r.opt.Listener != nil {
		r.opt.Listener.VehicleAdded(s)
	}
	r.goMap(spec.Name, spec.TargetSystem, spec.Endpoint)
	for _, e := range spec.ExtraLinks {
		r.goMap(spec.Name, spec.TargetSystem, e)
	}
	return s, nil
}

// AddExtraLink maps one more endpoint to existing vehicle under the same system id.
func (r *Registry) AddExtraLink(name, endpoint string) error {
	if _, err := link.ParseEndpoint(endpoint); err != nil {
		return errors.Annotatef(err, "vehicle=%s add link", name)
	}
	r.mu.RLock()
	spec, ok := r.specs[name]
	r.mu.RUnlock()
	if !ok {
		return errors.NotFoundf("vehicle=%s", name)
	}
	r.goMap(name, spec.TargetSystem, endpoint)
	return nil
}

// RemoveVehicle stops session tasks, waits for them and strips router mappings.
func (r *Registry) RemoveVehicle(name string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
		delete(r.specs, name)
	}
	r.mu.Unlock()
	if !ok {
		return errors.NotFoundf("vehicle=%s", name)
	}
	s.Stop()
	if r.opt.Listener != nil {
		r.opt.Listener.VehicleRemoved(name)
	}
	r.conn.RemoveVehicle(name)
	r.log.Infof("vehicle=%s removed", name)
	return nil
}

func (r *Registry) Send(name string, m mavlink.Message) error {
	s, err := r.Get(name)
	if err != nil {
		return err
	}
	return s.Send(m)
}

func (r *Registry) Get(name string) (*vehicle.Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFoundf("vehicle=%s", name)
	}
	return s, nil
}

func (r *Registry) Spec(name string) (VehicleSpec, error) {
	r.mu.RLock()
	spec, ok := r.specs[name]
	r.mu.RUnlock()
	if !ok {
		return VehicleSpec{}, errors.NotFoundf("vehicle=%s", name)
	}
	return spec, nil
}

// List returns sorted vehicle names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) HandleVehicleFrame(name string, f *mavlink.Frame, endpoint string) {
	r.mu.RLock()
	s := r.sessions[name]
	r.mu.RUnlock()
	if s == nil {
		r.log.Debugf("vehicle=%s not registered, dropped %s from %s", name, f.Name(), endpoint)
		return
	}
	s.HandleFrame(f)
	if r.opt.Listener != nil {
		r.opt.Listener.VehiclePacket(name, f, endpoint)
	}
}

func (r *Registry) VehicleStatusChanged(status vehicle.Status) {
	if r.opt.Listener != nil {
		r.opt.Listener.VehicleStatusChanged(status)
	}
}

// goMap asks connector to map endpoint without blocking caller.
// Mapping that completes after vehicle removal is stripped again.
func (r *Registry) goMap(name string, sysid uint8, endpoint string) {
	if !r.alive.Add(1) {
		return
	}
	go func() {
		defer r.alive.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.opt.MapTimeout)
		defer cancel()
		go func() {
			select {
			case <-r.alive.StopChan():
				cancel()
			case <-ctx.Done():
			}
		}()
		connected, err := r.conn.AddVehicleLink(ctx, name, sysid, endpoint)
		if err != nil {
			r.log.Errorf("vehicle=%s link=%s err=%v", name, endpoint, err)
			return
		}
		r.mu.RLock()
		_, ok := r.sessions[name]
		r.mu.RUnlock()
		if !ok {
			r.conn.RemoveVehicle(name)
			return
		}
		r.log.Debugf("vehicle=%s link=%s mapped connected=%t", name, endpoint, connected)
	}()
}
