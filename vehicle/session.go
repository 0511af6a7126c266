// Package vehicle implements per-vehicle session: liveness by heartbeats,
// latest message of each type and parameter protocols.
package vehicle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/juju/errors"
	"github.com/looplab/fsm"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/mavlink"
	"github.com/temoto/mavrelay/metrics"
)

const (
	DefaultHeartbeatInterval = 1 * time.Second
	DefaultHeartbeatTimeout  = 1 * time.Second

	streamRequestRate = 4
)

// Transmitter delivers encoded buffer to every link of vehicle.
type Transmitter interface {
	Outbound(buf []byte, vehicle string) int
}

// StatusNotifier is told about connectivity, armed and flight mode changes.
type StatusNotifier interface {
	VehicleStatusChanged(s Status)
}

type Options struct {
	Name            string
	SourceSystem    uint8
	SourceComponent uint8
	TargetSystem    uint8
	TargetComponent uint8
	Dialect         string
	Version         byte

	// Zero means default, negative disables.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Clock  clock.Clock
	Log    *log2.Log
	Notify StatusNotifier
}

type Armed int8

const (
	ArmedUnknown Armed = iota
	ArmedFalse
	ArmedTrue
)

func (a Armed) String() string {
	switch a {
	case ArmedFalse:
		return "disarmed"
	case ArmedTrue:
		return "armed"
	}
	return "unknown"
}

type Status struct {
	Name          string
	Connected     bool
	Armed         Armed
	FlightMode    uint32
	ModeKnown     bool
	VehicleType   string
	Autopilot     string
	LastHeartbeat time.Time
}

func (s Status) String() string {
	mode := "unknown"
	if s.ModeKnown {
		mode = fmt.Sprint(s.FlightMode)
	}
	return fmt.Sprintf("vehicle=%s connected=%t armed=%s mode=%s type=%s autopilot=%s",
		s.Name, s.Connected, s.Armed, mode, s.VehicleType, s.Autopilot)
}

type Session struct {
	opt   Options
	log   *log2.Log
	clock clock.Clock
	tx    Transmitter
	enc   *mavlink.Encoder

	mu         sync.Mutex
	status     Status
	packets    map[uint32]*mavlink.Frame
	params     map[string]Param
	progress   *progress
	complete   bool
	hbInterval time.Duration
	hbTimeout  time.Duration

	download *fsm.FSM

	taskMu      sync.Mutex // serializes task restarts
	hbTask      *alive.Alive
	timeoutTask *alive.Alive
}

// New starts heartbeat transmit and timeout tasks. Stop must be called before dropping session.
func New(opt Options, tx Transmitter) (*Session, error) {
	if opt.Name == "" {
		return nil, errors.NotValidf("vehicle name empty")
	}
	if tx == nil {
		return nil, errors.NotValidf("code error vehicle=%s transmitter=nil", opt.Name)
	}
	if opt.Dialect == "" {
		opt.Dialect = mavlink.DefaultDialect
	}
	if err := mavlink.CheckDialect(opt.Dialect); err != nil {
		return nil, err
	}
	if opt.Version == 0 {
		opt.Version = 2
	}
	enc, err := mavlink.NewEncoder(opt.Dialect, opt.Version, opt.SourceSystem, opt.SourceComponent)
	if err != nil {
		return nil, errors.Annotatef(err, "vehicle=%s", opt.Name)
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	s := &Session{
		opt:        opt,
		log:        opt.Log.Prefixed("vehicle=" + opt.Name + " "),
		clock:      opt.Clock,
		tx:         tx,
		enc:        enc,
		packets:    make(map[uint32]*mavlink.Frame),
		params:     make(map[string]Param),
		hbInterval: durationDefault(opt.HeartbeatInterval, DefaultHeartbeatInterval),
		hbTimeout:  durationDefault(opt.HeartbeatTimeout, DefaultHeartbeatTimeout),
	}
	s.status.Name = opt.Name
	s.download = newDownloadFSM(s.log)
	metrics.VehicleConnected.WithLabelValues(opt.Name).Set(0)

	s.taskMu.Lock()
	s.hbTask = s.startTask(s.hbInterval, s.sendHeartbeat)
	s.timeoutTask = s.startTask(s.hbTimeout, s.checkTimeout)
	s.taskMu.Unlock()
	return s, nil
}

func durationDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	}
	return d
}

func (s *Session) Name() string              { return s.opt.Name }
func (s *Session) Options() Options          { return s.opt }
func (s *Session) Encoder() *mavlink.Encoder { return s.enc }
func (s *Session) TargetSystem() uint8       { return s.opt.TargetSystem }
func (s *Session) DownloadState() string     { return s.download.Current() }
func (s *Session) String() string            { return s.Status().String() }

// Stop cancels both periodic tasks and waits for them.
func (s *Session) Stop() {
	s.taskMu.Lock()
	stopTask(s.hbTask)
	stopTask(s.timeoutTask)
	s.hbTask, s.timeoutTask = nil, nil
	s.taskMu.Unlock()
	metrics.VehicleConnected.DeleteLabelValues(s.opt.Name)
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Packet returns latest frame with given message id.
func (s *Session) Packet(msgID uint32) (*mavlink.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.packets[msgID]
	return f, ok
}

// Send fills target ids of addressed messages, encodes and passes to transmitter.
func (s *Session) Send(m mavlink.Message) error {
	mavlink.SetTarget(m, s.opt.TargetSystem, s.opt.TargetComponent)
	b, err := s.enc.Encode(m)
	if err != nil {
		return errors.Annotatef(err, "vehicle=%s encode", s.opt.Name)
	}
	s.tx.Outbound(b, s.opt.Name)
	return nil
}

func (s *Session) HandleFrame(f *mavlink.Frame) {
	var notify, requestStreams bool
	s.mu.Lock()
	s.packets[f.MsgID] = f
	switch m := f.Message.(type) {
	case *mavlink.Heartbeat:
		before := s.status
		requestStreams = !s.status.Connected
		s.status.Connected = true
		s.status.LastHeartbeat = s.clock.Now()
		if mavlink.Armed(m) {
			s.status.Armed = ArmedTrue
		} else {
			s.status.Armed = ArmedFalse
		}
		s.status.FlightMode = m.CustomMode
		s.status.ModeKnown = true
		s.status.VehicleType = m.Type.String()
		s.status.Autopilot = m.Autopilot.String()
		notify = before.Connected != s.status.Connected || before.Armed != s.status.Armed ||
			before.FlightMode != s.status.FlightMode || !before.ModeKnown
	case *mavlink.ParamValue:
		s.locked_paramValue(m)
	}
	status := s.status
	s.mu.Unlock()

	if requestStreams {
		metrics.VehicleConnected.WithLabelValues(s.opt.Name).Set(1)
		s.log.Infof("connected type=%s autopilot=%s", status.VehicleType, status.Autopilot)
		err := s.Send(&mavlink.RequestDataStream{
			ReqStreamId:    mavlink.MAV_DATA_STREAM_ALL,
			ReqMessageRate: streamRequestRate,
			StartStop:      1,
		})
		if err != nil {
			s.log.Error(err)
		}
	}
	if notify && s.opt.Notify != nil {
		s.opt.Notify.VehicleStatusChanged(status)
	}
}

// SetHeartbeatRate restarts heartbeat transmit task, 0 disables.
func (s *Session) SetHeartbeatRate(d time.Duration) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	stopTask(s.hbTask)
	s.hbTask = nil
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.hbInterval = d
	s.mu.Unlock()
	s.hbTask = s.startTask(d, s.sendHeartbeat)
}

// SetTimeout restarts heartbeat timeout task, 0 disables.
func (s *Session) SetTimeout(d time.Duration) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	stopTask(s.timeoutTask)
	s.timeoutTask = nil
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.hbTimeout = d
	s.mu.Unlock()
	s.timeoutTask = s.startTask(d, s.checkTimeout)
}

func (s *Session) HeartbeatRate() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hbInterval
}

func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hbTimeout
}

// startTask runs f every period until returned token is stopped. Zero period returns nil.
func (s *Session) startTask(period time.Duration, f func()) *alive.Alive {
	if period <= 0 {
		return nil
	}
	a := alive.NewAlive()
	a.Add(1)
	go func() {
		defer a.Done()
		ticker := s.clock.Ticker(period)
		defer ticker.Stop()
		for {
			select {
			case <-a.StopChan():
				return
			case <-ticker.C:
				f()
			}
		}
	}()
	return a
}

func stopTask(a *alive.Alive) {
	if a != nil {
		a.Stop()
		a.Wait()
	}
}

func (s *Session) sendHeartbeat() {
	err := s.Send(&mavlink.Heartbeat{
		Type:           mavlink.MAV_TYPE_GCS,
		Autopilot:      mavlink.MAV_AUTOPILOT_INVALID,
		MavlinkVersion: 3,
	})
	if err != nil {
		s.log.Error(err)
	}
}

func (s *Session) checkTimeout() {
	s.mu.Lock()
	lost := s.status.Connected && s.clock.Since(s.status.LastHeartbeat) > s.hbTimeout
	if lost {
		s.status.Connected = false
	}
	status := s.status
	s.mu.Unlock()
	if lost {
		metrics.VehicleConnected.WithLabelValues(s.opt.Name).Set(0)
		s.log.Infof("heartbeat timeout")
		if s.opt.Notify != nil {
			s.opt.Notify.VehicleStatusChanged(status)
		}
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}
