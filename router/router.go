// Package router owns link endpoints and the routing matrix:
// endpoint -> ordered (vehicle name, source system id) mappings.
// Inbound frames are attributed to vehicles and deduplicated,
// outbound buffers fan out to every connected link of a vehicle.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mavrelay/link"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/mavlink"
	"github.com/temoto/mavrelay/metrics"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultReconnectPeriod = 1 * time.Second
	DefaultConnectTimeout  = link.DefaultOpenTimeout
	WindowSize             = 256
)

var ErrClosed = errors.New("router closed")

// Sink receives deduplicated frames attributed to vehicle.
type Sink interface {
	HandleVehicleFrame(vehicle string, f *mavlink.Frame, endpoint string)
}

type Options struct {
	Log             *log2.Log
	Sink            Sink
	Factory         link.Factory
	Clock           clock.Clock
	Dialect         string
	ReconnectPeriod time.Duration
	ConnectTimeout  time.Duration
}

type mapping struct {
	vehicle string
	sysid   uint8
}

type endpoint struct {
	e          link.Endpoint
	link       link.Link
	connecting bool
	mappings   []mapping
}

func (ep *endpoint) connected() bool { return ep.link != nil && !ep.link.Closed() }

type Router struct {
	mu        sync.RWMutex // protects endpoints and windows
	opt       Options
	log       *log2.Log
	alive     *alive.Alive
	endpoints map[string]*endpoint
	windows   map[string]*lru.Cache[uint16, struct{}]
	closing   sync.WaitGroup
}

var _ link.Handler = &Router{}

// New starts reconnection sweep. Close stops it.
func New(opt Options) *Router {
	if opt.Factory == nil {
		opt.Factory = link.New
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if opt.ReconnectPeriod == 0 {
		opt.ReconnectPeriod = DefaultReconnectPeriod
	}
	if opt.ConnectTimeout == 0 {
		opt.ConnectTimeout = DefaultConnectTimeout
	}
	r := &Router{
		opt:       opt,
		log:       opt.Log,
		alive:     alive.NewAlive(),
		endpoints: make(map[string]*endpoint),
		windows:   make(map[string]*lru.Cache[uint16, struct{}]),
	}
	if r.alive.Add(1) {
		go r.sweepLoop()
	}
	return r
}

// Close stops reconnection sweep, waits for it, then closes all links.
func (r *Router) Close() error {
	r.alive.Stop()
	r.alive.Wait()

	r.mu.Lock()
	links := make([]link.Link, 0, len(r.endpoints))
	for name, ep := range r.endpoints {
		if ep.link != nil {
			links = append(links, ep.link)
			ep.link = nil
		}
		metrics.LinkConnected.WithLabelValues(name).Set(0)
	}
	r.mu.Unlock()

	var err error
	for _, l := range links {
		err = multierr.Append(err, l.Close())
	}
	r.closing.Wait()
	return err
}

// closeLink does not wait for link reader goroutine.
// Removal may come from Sink or Listener running on that very goroutine.
func (r *Router) closeLink(l link.Link) {
	r.closing.Add(1)
	go func() {
		defer r.closing.Done()
		_ = l.Close()
	}()
}

// AddLink registers endpoint and tries to open it.
// Failure to connect is not an error, endpoint stays registered for reconnection sweep.
// Returns true when link is connected.
func (r *Router) AddLink(ctx context.Context, s string) (bool, error) {
	e, err := link.ParseEndpoint(s)
	if err != nil {
		return false, err
	}
	if !r.alive.IsRunning() {
		return false, ErrClosed
	}
	name := e.String()
	r.mu.Lock()
	ep, ok := r.endpoints[name]
	if !ok {
		ep = &endpoint{e: e}
		r.endpoints[name] = ep
	}
	if ep.connected() {
		r.mu.Unlock()
		return true, nil
	}
	if ep.connecting {
		r.mu.Unlock()
		return false, nil
	}
	ep.connecting = true
	r.mu.Unlock()

	return r.connect(ctx, name, e), nil
}

// MapVehicle attributes frames from sysid arriving on endpoint to vehicle.
// Unknown endpoint is registered disconnected, sweep will open it.
func (r *Router) MapVehicle(vehicle string, sysid uint8, s string) error {
	e, err := link.ParseEndpoint(s)
	if err != nil {
		return err
	}
	name := e.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[name]
	if !ok {
		ep = &endpoint{e: e}
		r.endpoints[name] = ep
	}
	updated := false
	for i := range ep.mappings {
		if ep.mappings[i].vehicle == vehicle {
			ep.mappings[i].sysid = sysid
			updated = true
			break
		}
	}
	if !updated {
		ep.mappings = append(ep.mappings, mapping{vehicle: vehicle, sysid: sysid})
	}
	if _, ok := r.windows[vehicle]; !ok {
		w, err := lru.New[uint16, struct{}](WindowSize)
		if err != nil {
			return errors.Annotate(err, "recent window")
		}
		r.windows[vehicle] = w
	}
	return nil
}

// AddVehicleLink maps vehicle first so frames from fresh link are routed, then opens link.
func (r *Router) AddVehicleLink(ctx context.Context, vehicle string, sysid uint8, s string) (bool, error) {
	if err := r.MapVehicle(vehicle, sysid, s); err != nil {
		return false, err
	}
	return r.AddLink(ctx, s)
}

// RemoveLink drops endpoint with its mappings and closes link. False if endpoint unknown.
func (r *Router) RemoveLink(s string) bool {
	e, err := link.ParseEndpoint(s)
	if err != nil {
		return false
	}
	name := e.String()
	r.mu.Lock()
	ep, ok := r.endpoints[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.endpoints, name)
	for _, m := range ep.mappings {
		if !r.locked_mapped(m.vehicle) {
			delete(r.windows, m.vehicle)
		}
	}
	l := ep.link
	ep.link = nil
	r.mu.Unlock()

	metrics.LinkConnected.DeleteLabelValues(name)
	if l != nil {
		r.closeLink(l)
	}
	r.log.Debugf("router: removed link=%s", name)
	return true
}

// RemoveVehicle strips vehicle from all endpoints and removes orphaned endpoints.
func (r *Router) RemoveVehicle(vehicle string) bool {
	var closing []link.Link
	var orphans []string
	found := false
	r.mu.Lock()
	for name, ep := range r.endpoints {
		kept := ep.mappings[:0]
		for _, m := range ep.mappings {
			if m.vehicle == vehicle {
				found = true
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == len(ep.mappings) {
			continue
		}
		ep.mappings = kept
		if len(kept) == 0 {
			delete(r.endpoints, name)
			orphans = append(orphans, name)
			if ep.link != nil {
				closing = append(closing, ep.link)
				ep.link = nil
			}
		}
	}
	delete(r.windows, vehicle)
	r.mu.Unlock()

	for _, name := range orphans {
		metrics.LinkConnected.DeleteLabelValues(name)
	}
	for _, l := range closing {
		r.closeLink(l)
	}
	return found
}

// Outbound writes buf to every connected link mapped to vehicle. Returns number of successful writes.
func (r *Router) Outbound(buf []byte, vehicle string) int {
	var links []link.Link
	r.mu.RLock()
	for _, ep := range r.endpoints {
		if !ep.connected() {
			continue
		}
		for _, m := range ep.mappings {
			if m.vehicle == vehicle {
				links = append(links, ep.link)
				break
			}
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, l := range links {
		if err := l.Send(buf); err != nil {
			metrics.FramesOutbound.WithLabelValues(metrics.ResultError).Inc()
			r.log.Debugf("router: send link=%s err=%v", l.Name(), err)
			continue
		}
		metrics.FramesOutbound.WithLabelValues(metrics.ResultSent).Inc()
		n++
	}
	return n
}

// HandleFrame is inbound routing: first mapping under endpoint with matching system id wins,
// duplicates within vehicle recent window are dropped.
func (r *Router) HandleFrame(name string, f *mavlink.Frame) {
	if f.Malformed() {
		metrics.FramesInbound.WithLabelValues(metrics.ResultMalformed).Inc()
		return
	}
	var vehicle string
	var window *lru.Cache[uint16, struct{}]
	r.mu.RLock()
	if ep, ok := r.endpoints[name]; ok {
		for _, m := range ep.mappings {
			if m.sysid == f.SystemID {
				vehicle = m.vehicle
				window = r.windows[vehicle]
				break
			}
		}
	}
	r.mu.RUnlock()

	if vehicle == "" {
		metrics.FramesInbound.WithLabelValues(metrics.ResultUnrouted).Inc()
		return
	}
	if window != nil {
		if seen, _ := window.ContainsOrAdd(f.Fingerprint(), struct{}{}); seen {
			metrics.FramesInbound.WithLabelValues(metrics.ResultDuplicate).Inc()
			return
		}
	}
	metrics.FramesInbound.WithLabelValues(metrics.ResultRouted).Inc()
	if r.opt.Sink != nil {
		r.opt.Sink.HandleVehicleFrame(vehicle, f, name)
	}
}

// HandleClose marks endpoint disconnected if l is still its current link.
func (r *Router) HandleClose(l link.Link, err error) {
	name := l.Name()
	r.mu.Lock()
	ep, ok := r.endpoints[name]
	current := ok && ep.link == l
	if current {
		ep.link = nil
	}
	r.mu.Unlock()
	if current {
		metrics.LinkConnected.WithLabelValues(name).Set(0)
		r.log.Debugf("router: link=%s disconnected err=%v", name, err)
	}
}

func (r *Router) connect(ctx context.Context, name string, e link.Endpoint) bool {
	l, err := r.opt.Factory(e, link.Options{
		Log:         r.log,
		Handler:     r,
		Clock:       r.opt.Clock,
		Dialect:     r.opt.Dialect,
		OpenTimeout: r.opt.ConnectTimeout,
	})
	if err == nil {
		err = l.Open(ctx)
	}

	r.mu.Lock()
	ep, ok := r.endpoints[name]
	if ok {
		ep.connecting = false
	}
	if err != nil {
		r.mu.Unlock()
		metrics.LinkConnectAttempts.WithLabelValues(metrics.ResultFailed).Inc()
		if ok {
			metrics.LinkConnected.WithLabelValues(name).Set(0)
		}
		r.log.Debugf("router: connect link=%s err=%v", name, err)
		return false
	}
	if !ok { // removed while connecting
		r.mu.Unlock()
		_ = l.Close()
		return false
	}
	ep.link = l
	r.mu.Unlock()

	metrics.LinkConnectAttempts.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.LinkConnected.WithLabelValues(name).Set(1)
	r.log.Infof("router: connected link=%s", name)
	return true
}

func (r *Router) sweepLoop() {
	defer r.alive.Done()
	ticker := r.opt.Clock.Ticker(r.opt.ReconnectPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.alive.StopChan():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep retries all disconnected endpoints concurrently.
// Batch is bounded by reconnect period and cancelled by Close.
func (r *Router) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opt.ReconnectPeriod)
	defer cancel()
	go func() {
		select {
		case <-r.alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	type attempt struct {
		name string
		e    link.Endpoint
	}
	var todo []attempt
	r.mu.Lock()
	for name, ep := range r.endpoints {
		if ep.connecting || ep.connected() {
			continue
		}
		ep.link = nil
		ep.connecting = true
		todo = append(todo, attempt{name, ep.e})
	}
	r.mu.Unlock()
	if len(todo) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range todo {
		a := a
		g.Go(func() error {
			r.connect(gctx, a.name, a.e)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Router) locked_mapped(vehicle string) bool {
	for _, ep := range r.endpoints {
		for _, m := range ep.mappings {
			if m.vehicle == vehicle {
				return true
			}
		}
	}
	return false
}

// Vehicles returns sorted names of vehicles present in routing matrix.
func (r *Router) Vehicles() []string {
	set := make(map[string]struct{})
	r.mu.RLock()
	for _, ep := range r.endpoints {
		for _, m := range ep.mappings {
			set[m.vehicle] = struct{}{}
		}
	}
	r.mu.RUnlock()
	result := make([]string, 0, len(set))
	for v := range set {
		result = append(result, v)
	}
	sort.Strings(result)
	return result
}

type LinkInfo struct {
	Name      string
	Connected bool
	Vehicles  map[string]uint8
	Stat      *link.Stat // nil when disconnected
}

// Links returns sorted endpoint snapshot.
func (r *Router) Links() []LinkInfo {
	r.mu.RLock()
	result := make([]LinkInfo, 0, len(r.endpoints))
	for name, ep := range r.endpoints {
		info := LinkInfo{Name: name, Connected: ep.connected(), Vehicles: make(map[string]uint8, len(ep.mappings))}
		for _, m := range ep.mappings {
			info.Vehicles[m.vehicle] = m.sysid
		}
		if info.Connected {
			info.Stat = ep.link.Stat()
		}
		result = append(result, info)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Endpoints of vehicle, sorted.
func (r *Router) Endpoints(vehicle string) []string {
	var result []string
	r.mu.RLock()
	for name, ep := range r.endpoints {
		for _, m := range ep.mappings {
			if m.vehicle == vehicle {
				result = append(result, name)
				break
			}
		}
	}
	r.mu.RUnlock()
	sort.Strings(result)
	return result
}

// Connected reports link state. Unknown endpoint is NotFound error.
func (r *Router) Connected(s string) (bool, error) {
	e, err := link.ParseEndpoint(s)
	if err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[e.String()]
	if !ok {
		return false, errors.NotFoundf("link=%s", s)
	}
	return ep.connected(), nil
}

// LinkStat returns counters of connected link, nil when disconnected.
func (r *Router) LinkStat(s string) (*link.Stat, error) {
	e, err := link.ParseEndpoint(s)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[e.String()]
	if !ok {
		return nil, errors.NotFoundf("link=%s", s)
	}
	if !ep.connected() {
		return nil, nil
	}
	return ep.link.Stat(), nil
}
