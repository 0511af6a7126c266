package module

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/temoto/mavrelay/config"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/mavlink"
	"github.com/temoto/mavrelay/registry"
	"github.com/temoto/mavrelay/router"
	"github.com/temoto/mavrelay/vehicle"
)

// TestHost runs registry over SimConnector and records printed text.
type TestHost struct {
	T   testing.TB
	L   *log2.Log
	C   *config.Config
	R   *registry.Registry
	Sim *SimConnector

	mu       sync.Mutex
	out      []string
	listener registry.Listener
}

func NewTestHost(t testing.TB) *TestHost {
	h := &TestHost{
		T: t,
		L: log2.NewTest(t, log2.LDebug),
		C: config.Default(),
	}
	h.C.SettingsDir = t.TempDir()
	h.R = registry.New(registry.Options{
		Log:      h.L,
		Listener: h,
		Connect: func(sink router.Sink) registry.Connector {
			h.Sim = &SimConnector{t: t, sink: sink, params: make(map[string][]mavlink.ParamValue)}
			return h.Sim
		},
	})
	t.Cleanup(func() { _ = h.R.Close() })
	return h
}

func (h *TestHost) Log() *log2.Log               { return h.L }
func (h *TestHost) Config() *config.Config       { return h.C }
func (h *TestHost) Registry() *registry.Registry { return h.R }

func (h *TestHost) Printf(vehicle string, format string, args ...interface{}) {
	s := vehicle + ": " + fmt.Sprintf(format, args...)
	h.T.Log(s)
	h.mu.Lock()
	h.out = append(h.out, s)
	h.mu.Unlock()
}

func (h *TestHost) Output() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.out...)
}

// Printed reports whether any output line contains substr.
func (h *TestHost) Printed(substr string) bool {
	for _, s := range h.Output() {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// SetListener forwards registry events, usually to Manager.
func (h *TestHost) SetListener(l registry.Listener) {
	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()
}

func (h *TestHost) getListener() registry.Listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listener
}

func (h *TestHost) VehicleAdded(s *vehicle.Session) {
	if l := h.getListener(); l != nil {
		l.VehicleAdded(s)
	}
}
func (h *TestHost) VehicleRemoved(name string) {
	if l := h.getListener(); l != nil {
		l.VehicleRemoved(name)
	}
}
func (h *TestHost) VehiclePacket(name string, f *mavlink.Frame, endpoint string) {
	if l := h.getListener(); l != nil {
		l.VehiclePacket(name, f, endpoint)
	}
}
func (h *TestHost) VehicleStatusChanged(status vehicle.Status) {
	if l := h.getListener(); l != nil {
		l.VehicleStatusChanged(status)
	}
}

// AddVehicle registers vehicle with disabled heartbeat tasks and feeds one heartbeat from it.
func (h *TestHost) AddVehicle(name string, hb *mavlink.Heartbeat) *vehicle.Session {
	s, err := h.R.AddVehicle(registry.VehicleSpec{
		Name:              name,
		SourceSystem:      255,
		TargetSystem:      1,
		Endpoint:          "udpserver:127.0.0.1:14550",
		HeartbeatInterval: -1,
		HeartbeatTimeout:  -1,
	})
	if err != nil {
		h.T.Fatal(err)
	}
	if hb != nil {
		h.Sim.Inbound(name, hb)
	}
	return s
}

// SimConnector plays vehicles side: records outbound frames and answers parameter protocol.
type SimConnector struct {
	t    testing.TB
	sink router.Sink

	mu     sync.Mutex
	sent   map[string][]*mavlink.Frame
	params map[string][]mavlink.ParamValue
}

// SetParams replaces parameter table of vehicle, values are answered to list/read/set requests.
func (self *SimConnector) SetParams(vehicle string, ps []mavlink.ParamValue) {
	self.mu.Lock()
	self.params[vehicle] = ps
	self.mu.Unlock()
}

// Inbound delivers message as if received from vehicle.
func (self *SimConnector) Inbound(vehicle string, m mavlink.Message) {
	b, err := mavlink.EncodeFrame(2, 0, 1, 1, m)
	if err != nil {
		self.t.Fatal(err)
	}
	var p mavlink.Parser
	for _, f := range p.Feed(b) {
		self.sink.HandleVehicleFrame(vehicle, f, "sim")
	}
}

// Sent returns frames sent to vehicle with given message id.
func (self *SimConnector) Sent(vehicle string, msgID uint32) []*mavlink.Frame {
	self.mu.Lock()
	defer self.mu.Unlock()
	var result []*mavlink.Frame
	for _, f := range self.sent[vehicle] {
		if f.MsgID == msgID {
			result = append(result, f)
		}
	}
	return result
}

func (self *SimConnector) AddVehicleLink(ctx context.Context, vehicle string, sysid uint8, endpoint string) (bool, error) {
	return true, nil
}

func (self *SimConnector) RemoveVehicle(vehicle string) bool { return true }

func (self *SimConnector) Outbound(buf []byte, vehicle string) int {
	var p mavlink.Parser
	frames := p.Feed(buf)
	self.mu.Lock()
	if self.sent == nil {
		self.sent = make(map[string][]*mavlink.Frame)
	}
	self.sent[vehicle] = append(self.sent[vehicle], frames...)
	self.mu.Unlock()
	for _, f := range frames {
		for _, reply := range self.answer(vehicle, f) {
			self.Inbound(vehicle, reply)
		}
	}
	return 1
}

func (self *SimConnector) answer(vehicle string, f *mavlink.Frame) []mavlink.Message {
	self.mu.Lock()
	defer self.mu.Unlock()
	ps := self.params[vehicle]
	var result []mavlink.Message
	switch m := f.Message.(type) {
	case *mavlink.ParamRequestList:
		for i := range ps {
			pv := ps[i]
			result = append(result, &pv)
		}
	case *mavlink.ParamRequestRead:
		for i := range ps {
			if (m.ParamIndex >= 0 && int(m.ParamIndex) == i) || (m.ParamIndex < 0 && strings.EqualFold(ps[i].ParamId, m.ParamId)) {
				pv := ps[i]
				result = append(result, &pv)
			}
		}
	case *mavlink.ParamSet:
		for i := range ps {
			if strings.EqualFold(ps[i].ParamId, m.ParamId) {
				ps[i].ParamValue = m.ParamValue
				pv := ps[i]
				result = append(result, &pv)
			}
		}
	}
	return result
}
