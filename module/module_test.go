package module_test

import (
	"context"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mavrelay/mavlink"
	"github.com/temoto/mavrelay/module"
	"github.com/temoto/mavrelay/vehicle"
)

type echo struct {
	module.Base
	sync.Mutex
	host    module.Host
	added   []string
	removed []string
	packets int
	stopped bool
}

var lastEcho *echo

func init() {
	module.Register("echo", func() module.Module {
		lastEcho = &echo{}
		return lastEcho
	})
}

func (e *echo) Name() string       { return "echo" }
func (e *echo) Commands() []string { return []string{"say"} }
func (e *echo) Start(ctx context.Context, h module.Host) error {
	e.host = h
	return nil
}
func (e *echo) Stop() error {
	e.Lock()
	e.stopped = true
	e.Unlock()
	return nil
}
func (e *echo) Exec(ctx context.Context, vehicle string, args []string) error {
	e.host.Printf(vehicle, "%v", args)
	return nil
}
func (e *echo) VehicleAdded(s *vehicle.Session) {
	e.Lock()
	e.added = append(e.added, s.Name())
	e.Unlock()
}
func (e *echo) VehicleRemoved(name string) {
	e.Lock()
	e.removed = append(e.removed, name)
	e.Unlock()
}
func (e *echo) VehiclePacket(name string, f *mavlink.Frame, endpoint string) {
	e.Lock()
	e.packets++
	e.Unlock()
}

// not Parallel: lastEcho
func TestManager(t *testing.T) {
	ctx := context.Background()
	h := module.NewTestHost(t)
	m := module.NewManager(h)
	h.SetListener(m)
	t.Cleanup(func() { assert.NoError(t, m.Close()) })

	assert.Contains(t, module.Available(), "echo")
	assert.Panics(t, func() { module.Register("echo", nil) })
	assert.True(t, errors.IsNotFound(m.Load(ctx, "nope")))

	h.AddVehicle("early", &mavlink.Heartbeat{})
	require.NoError(t, m.Load(ctx, "echo"))
	assert.True(t, errors.IsAlreadyExists(m.Load(ctx, "echo")))
	e := lastEcho
	assert.Equal(t, []string{"echo"}, m.Loaded())
	assert.Equal(t, []string{"echo say"}, m.Commands())
	e.Lock()
	assert.Equal(t, []string{"early"}, e.added, "catch up on load")
	e.Unlock()

	h.AddVehicle("late", &mavlink.Heartbeat{})
	h.AddVehicle("silent", nil)
	require.NoError(t, m.Exec(ctx, "late", "echo say hello world"))
	assert.True(t, h.Printed("late: [say hello world]"))

	assert.True(t, errors.IsNotValid(m.Exec(ctx, "late", "echo")))
	assert.True(t, errors.IsNotFound(m.Exec(ctx, "late", "echo shout")))
	assert.True(t, errors.IsNotFound(m.Exec(ctx, "late", "param show")))
	assert.True(t, errors.IsNotFound(m.Exec(ctx, "ghost", "echo say")))
	assert.True(t, errors.IsNotValid(m.Exec(ctx, "silent", "echo say")))

	require.NoError(t, h.R.RemoveVehicle("late"))
	e.Lock()
	assert.Equal(t, []string{"early", "late", "silent"}, e.added)
	assert.Equal(t, []string{"late"}, e.removed)
	assert.Equal(t, 1, e.packets)
	e.Unlock()

	require.NoError(t, m.Unload("echo"))
	assert.True(t, errors.IsNotFound(m.Unload("echo")))
	assert.Empty(t, m.Loaded())
	e.Lock()
	assert.True(t, e.stopped)
	e.Unlock()
}
