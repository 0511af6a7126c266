// Package telemetry publishes vehicle events to MQTT.
//
// Contract:
//   - registry events block at most for disk write,
//     network may be slow or absent, events are delivered in background
//   - events are delivered at least once, in order per relay
//   - relay state (online/offline) is retained and may be lost
package telemetry

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mavrelay/helpers"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/mavlink"
	"github.com/temoto/mavrelay/module"
	"github.com/temoto/mavrelay/vehicle"
	"github.com/temoto/spq"
)

const Name = "telemetry"

const (
	retryMin = 100 * time.Millisecond
	retryMax = 30 * time.Second
)

func init() {
	module.Register(Name, func() module.Module { return &Module{} })
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	EventAdded   = "added"
	EventRemoved = "removed"
	EventStatus  = "status"
	EventText    = "text"
)

type Event struct {
	Vehicle   string  `json:"vehicle"`
	Kind      string  `json:"kind"`
	Time      int64   `json:"time"` // unix milliseconds
	Connected *bool   `json:"connected,omitempty"`
	Armed     string  `json:"armed,omitempty"`
	Mode      *uint32 `json:"mode,omitempty"`
	Text      string  `json:"text,omitempty"`
	Severity  *uint8  `json:"severity,omitempty"`
}

type Module struct {
	log       *log2.Log
	host      module.Host
	transport Transporter
	q         *spq.Queue
	alive     *alive.Alive
	backoff   helpers.Backoff
	// test code sets persist to spq.OnlyForTesting
	persist string

	queued uint32
	sent   uint32
	failed uint32
}

func (self *Module) Name() string       { return Name }
func (self *Module) Commands() []string { return []string{"status"} }

func (self *Module) Start(ctx context.Context, h module.Host) error {
	conf := h.Config().Telemetry
	if !conf.Enabled {
		return errors.NotValidf("telemetry disabled in config")
	}
	self.host = h
	self.log = h.Log().Prefixed("telemetry: ")
	if !conf.LogDebug {
		self.log.SetLevel(log2.LInfo)
	}

	path := self.persist
	if path == "" {
		path = conf.PersistPath
	}
	if path == "" {
		path = filepath.Join(h.Config().SettingsDir, "telemetry-queue")
	}
	var err error
	self.q, err = spq.Open(path)
	if err != nil {
		return errors.Annotate(err, "telemetry queue")
	}

	// test code sets .transport
	if self.transport == nil { // production path
		self.transport = &transportMqtt{}
	}
	if err := self.transport.Init(ctx, self.log, conf); err != nil {
		_ = self.q.Close()
		return errors.Annotate(err, "telemetry transport")
	}

	self.backoff = helpers.Backoff{Min: retryMin, Max: retryMax, K: 2}
	self.alive = alive.NewAlive()
	self.alive.Add(1)
	go self.qworker()
	return nil
}

// Stop keeps undelivered events in persistent queue.
func (self *Module) Stop() error {
	self.alive.Stop()
	err := self.q.Close()
	self.alive.Wait()
	self.transport.Close()
	return errors.Annotate(err, "telemetry queue close")
}

func (self *Module) Exec(ctx context.Context, vehicleName string, args []string) error {
	switch args[0] {
	case "status":
		self.host.Printf(vehicleName, "Telemetry queued=%d sent=%d failed=%d",
			atomic.LoadUint32(&self.queued), atomic.LoadUint32(&self.sent), atomic.LoadUint32(&self.failed))
		return nil
	}
	return errors.NotFoundf("telemetry command=%s", args[0])
}

func (self *Module) VehicleAdded(s *vehicle.Session) {
	self.push(Event{Vehicle: s.Name(), Kind: EventAdded})
}

func (self *Module) VehicleRemoved(name string) {
	self.push(Event{Vehicle: name, Kind: EventRemoved})
}

func (self *Module) VehicleStatusChanged(status vehicle.Status) {
	connected := status.Connected
	e := Event{
		Vehicle:   status.Name,
		Kind:      EventStatus,
		Connected: &connected,
		Armed:     status.Armed.String(),
	}
	if status.ModeKnown {
		mode := status.FlightMode
		e.Mode = &mode
	}
	self.push(e)
}

func (self *Module) VehiclePacket(name string, f *mavlink.Frame, endpoint string) {
	if m, ok := f.Message.(*mavlink.Statustext); ok {
		severity := uint8(m.Severity)
		self.push(Event{Vehicle: name, Kind: EventText, Text: m.Text, Severity: &severity})
	}
}

func (self *Module) push(e Event) {
	if e.Time == 0 {
		e.Time = time.Now().UnixNano() / int64(time.Millisecond)
	}
	b, err := json.Marshal(e)
	if err != nil {
		self.log.Errorf("CRITICAL event marshal e=%#v err=%v", e, err)
		return
	}
	if err = self.q.Push(b); err != nil {
		self.log.Errorf("CRITICAL queue push event=%s err=%v", b, err)
		return
	}
	atomic.AddUint32(&self.queued, 1)
}

func (self *Module) qworker() {
	defer self.alive.Done()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			ok := self.qhandle(b)
			if ok {
				err = self.q.Delete(box)
			} else {
				atomic.AddUint32(&self.failed, 1)
				err = self.q.DeletePush(box)
			}
			if delay := self.backoff.DelayAfter(ok); delay != 0 {
				select {
				case <-self.alive.StopChan():
				case <-time.After(delay):
				}
			}
			if err != nil && err != spq.ErrClosed {
				self.log.Errorf("queue delete b=%s err=%v", b, err)
			}

		case spq.ErrClosed:
			if self.alive.IsRunning() {
				self.log.Errorf("CRITICAL queue closed unexpectedly")
			}
			return

		default:
			self.log.Errorf("CRITICAL queue err=%v", err)
			select {
			case <-self.alive.StopChan():
				return
			case <-time.After(self.backoff.DelayAfter(false)):
			}
		}
	}
}

// qhandle returns true when item should be removed from queue.
func (self *Module) qhandle(b []byte) bool {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil || e.Vehicle == "" {
		self.log.Errorf("queue item=%s not valid err=%v", b, err)
		return true // retry will not help
	}
	if !self.transport.SendEvent(e.Vehicle, b) {
		return false
	}
	atomic.AddUint32(&self.sent, 1)
	return true
}
