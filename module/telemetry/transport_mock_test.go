package telemetry

import (
	"context"
	"sync"
	"testing"

	"github.com/temoto/mavrelay/config"
	"github.com/temoto/mavrelay/log2"
)

type mockEvent struct {
	vehicle string
	payload []byte
}

type transportMock struct {
	t      testing.TB
	prefix string

	mu      sync.Mutex
	offline bool
	closed  bool
	events  []mockEvent
	states  []string
}

func (self *transportMock) Init(ctx context.Context, log *log2.Log, conf config.Telemetry) error {
	self.prefix = topicPrefix(conf)
	return nil
}

func (self *transportMock) Close() {
	self.mu.Lock()
	self.closed = true
	self.mu.Unlock()
}

func (self *transportMock) SetOffline(v bool) {
	self.mu.Lock()
	self.offline = v
	self.mu.Unlock()
}

func (self *transportMock) SendState(payload []byte) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.offline {
		return false
	}
	self.states = append(self.states, string(payload))
	return true
}

func (self *transportMock) SendEvent(vehicle string, payload []byte) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.offline {
		self.t.Logf("mock network offline topic=%s", eventTopic(self.prefix, vehicle))
		return false
	}
	self.t.Logf("mock delivered topic=%s event=%s", eventTopic(self.prefix, vehicle), payload)
	self.events = append(self.events, mockEvent{vehicle, append([]byte(nil), payload...)})
	return true
}

func (self *transportMock) Events() []mockEvent {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]mockEvent(nil), self.events...)
}
