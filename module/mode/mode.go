// Package mode arms, disarms and reboots vehicle, sets custom mode by number
// and reports custom mode changes. Custom mode is opaque number, names are autopilot specific.
package mode

import (
	"context"
	"strconv"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/mavrelay/mavlink"
	"github.com/temoto/mavrelay/module"
)

const Name = "mode"

func init() {
	module.Register(Name, func() module.Module { return &Module{} })
}

type Module struct {
	module.Base
	host module.Host

	mu       sync.Mutex
	lastMode map[string]uint32
}

func (self *Module) Name() string { return Name }
func (self *Module) Commands() []string {
	return []string{"arm", "disarm", "do", "reboot", "show"}
}

func (self *Module) Start(ctx context.Context, h module.Host) error {
	self.host = h
	self.lastMode = make(map[string]uint32)
	return nil
}

func (self *Module) Stop() error { return nil }

func (self *Module) Exec(ctx context.Context, vehicleName string, args []string) error {
	s, err := self.host.Registry().Get(vehicleName)
	if err != nil {
		return err
	}
	switch args[0] {
	case "arm":
		return s.Send(armDisarm(1))
	case "disarm":
		return s.Send(armDisarm(0))
	case "reboot":
		return s.Send(&mavlink.CommandLong{Command: mavlink.MAV_CMD_PREFLIGHT_REBOOT, Param1: 1})
	case "show":
		self.host.Printf(vehicleName, "%s", s.Status().String())
		return nil
	case "do":
		if len(args) != 2 {
			return errors.NotValidf("usage: mode do <number>")
		}
		n, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return errors.NotValidf("mode=%s", args[1])
		}
		st := s.Status()
		if st.ModeKnown && st.FlightMode == uint32(n) {
			self.host.Printf(vehicleName, "Mode is already %d", n)
			return nil
		}
		return s.Send(&mavlink.SetMode{
			BaseMode:   mavlink.CustomModeSet,
			CustomMode: uint32(n),
		})
	}
	return errors.NotFoundf("mode command=%s", args[0])
}

func armDisarm(arm float32) *mavlink.CommandLong {
	return &mavlink.CommandLong{
		Command: mavlink.MAV_CMD_COMPONENT_ARM_DISARM,
		Param1:  arm,
	}
}

func (self *Module) VehicleRemoved(name string) {
	self.mu.Lock()
	delete(self.lastMode, name)
	self.mu.Unlock()
}

func (self *Module) VehiclePacket(name string, f *mavlink.Frame, endpoint string) {
	hb, ok := f.Message.(*mavlink.Heartbeat)
	if !ok {
		return
	}
	self.mu.Lock()
	last, seen := self.lastMode[name]
	self.lastMode[name] = hb.CustomMode
	self.mu.Unlock()
	if !seen || last != hb.CustomMode {
		self.host.Printf(name, "Mode changed to: %d", hb.CustomMode)
	}
}
