package vehicle_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/mavlink"
	"github.com/temoto/mavrelay/vehicle"
)

// sim plays vehicle side: records every outbound frame and answers parameter protocol.
type sim struct {
	sync.Mutex
	t      testing.TB
	sess   *vehicle.Session
	sent   []*mavlink.Frame
	params []mavlink.ParamValue

	listSkip   map[int]bool // indices omitted from list reply
	emptyTable bool         // answer list with count=0
	answerRead bool
	answerSet  bool
	setReplyID string // reply to PARAM_SET with this name instead
}

func (s *sim) Outbound(buf []byte, name string) int {
	var p mavlink.Parser
	frames := p.Feed(buf)
	s.Lock()
	s.sent = append(s.sent, frames...)
	sess := s.sess
	s.Unlock()
	for _, f := range frames {
		s.respond(sess, f)
	}
	return 1
}

func (s *sim) respond(sess *vehicle.Session, f *mavlink.Frame) {
	if sess == nil {
		return
	}
	switch m := f.Message.(type) {
	case *mavlink.ParamRequestList:
		if s.emptyTable {
			sess.HandleFrame(frameOf(s.t, &mavlink.ParamValue{ParamCount: 0, ParamIndex: 0xffff}))
		}
		for i, pv := range s.params {
			if !s.listSkip[i] {
				sess.HandleFrame(frameOf(s.t, &pv))
			}
		}
	case *mavlink.ParamRequestRead:
		if s.answerRead && m.ParamIndex >= 0 && int(m.ParamIndex) < len(s.params) {
			pv := s.params[m.ParamIndex]
			sess.HandleFrame(frameOf(s.t, &pv))
		}
	case *mavlink.ParamSet:
		if !s.answerSet {
			return
		}
		for i, pv := range s.params {
			if strings.EqualFold(pv.ParamId, m.ParamId) {
				pv.ParamValue = m.ParamValue
				if s.setReplyID != "" {
					pv.ParamId = s.setReplyID
				}
				s.params[i].ParamValue = m.ParamValue
				sess.HandleFrame(frameOf(s.t, &pv))
			}
		}
	}
}

func (s *sim) count(id uint32) int {
	s.Lock()
	defer s.Unlock()
	n := 0
	for _, f := range s.sent {
		if f.MsgID == id {
			n++
		}
	}
	return n
}

func (s *sim) last(id uint32) *mavlink.Frame {
	s.Lock()
	defer s.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].MsgID == id {
			return s.sent[i]
		}
	}
	return nil
}

func frameOf(t testing.TB, m mavlink.Message) *mavlink.Frame {
	b, err := mavlink.EncodeFrame(2, 0, 1, 1, m)
	require.NoError(t, err)
	var p mavlink.Parser
	frames := p.Feed(b)
	require.Len(t, frames, 1)
	return frames[0]
}

type notifyRecorder struct {
	sync.Mutex
	all []vehicle.Status
}

func (n *notifyRecorder) VehicleStatusChanged(s vehicle.Status) {
	n.Lock()
	n.all = append(n.all, s)
	n.Unlock()
}

func (n *notifyRecorder) Len() int {
	n.Lock()
	defer n.Unlock()
	return len(n.all)
}

func newSession(t testing.TB, s *sim, opt vehicle.Options) *vehicle.Session {
	s.t = t
	if opt.Name == "" {
		opt.Name = t.Name()
	}
	opt.Log = log2.NewTest(t, log2.LDebug)
	if opt.SourceSystem == 0 {
		opt.SourceSystem = 255
	}
	if opt.TargetSystem == 0 {
		opt.TargetSystem = 1
	}
	sess, err := vehicle.New(opt, s)
	require.NoError(t, err)
	s.Lock()
	s.sess = sess
	s.Unlock()
	t.Cleanup(sess.Stop)
	return sess
}

func TestNewInvalid(t *testing.T) {
	t.Parallel()
	s := &sim{}
	_, err := vehicle.New(vehicle.Options{}, s)
	assert.True(t, errors.IsNotValid(err))
	_, err = vehicle.New(vehicle.Options{Name: "v", Dialect: "klingon"}, s)
	assert.Error(t, err)
	_, err = vehicle.New(vehicle.Options{Name: "v", Version: 3}, s)
	assert.Error(t, err)
}

func TestHeartbeatTransmit(t *testing.T) {
	t.Parallel()
	s := &sim{}
	newSession(t, s, vehicle.Options{HeartbeatInterval: 20 * time.Millisecond, HeartbeatTimeout: -1})
	require.Eventually(t, func() bool { return s.count(mavlink.MSG_ID_HEARTBEAT) >= 3 }, 2*time.Second, 5*time.Millisecond)

	f := s.last(mavlink.MSG_ID_HEARTBEAT)
	hb := f.Message.(*mavlink.Heartbeat)
	assert.Equal(t, mavlink.MAV_TYPE_GCS, hb.Type)
	assert.Equal(t, mavlink.MAV_AUTOPILOT_INVALID, hb.Autopilot)
	assert.Equal(t, uint8(3), hb.MavlinkVersion)
	assert.Equal(t, uint8(255), f.SystemID)
	assert.Equal(t, byte(2), f.Version)
}

// rate 0 stops transmission
func TestHeartbeatRateZero(t *testing.T) {
	t.Parallel()
	s := &sim{}
	sess := newSession(t, s, vehicle.Options{HeartbeatInterval: 10 * time.Millisecond, HeartbeatTimeout: -1})
	require.Eventually(t, func() bool { return s.count(mavlink.MSG_ID_HEARTBEAT) >= 1 }, 2*time.Second, 5*time.Millisecond)

	sess.SetHeartbeatRate(0)
	assert.Equal(t, time.Duration(0), sess.HeartbeatRate())
	n := s.count(mavlink.MSG_ID_HEARTBEAT)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, n, s.count(mavlink.MSG_ID_HEARTBEAT))

	sess.SetHeartbeatRate(10 * time.Millisecond)
	require.Eventually(t, func() bool { return s.count(mavlink.MSG_ID_HEARTBEAT) > n }, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatReceive(t *testing.T) {
	t.Parallel()
	s := &sim{}
	notify := &notifyRecorder{}
	sess := newSession(t, s, vehicle.Options{HeartbeatInterval: -1, HeartbeatTimeout: time.Hour, Notify: notify, TargetComponent: 1})

	st := sess.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, vehicle.ArmedUnknown, st.Armed)
	assert.False(t, st.ModeKnown)

	sess.HandleFrame(frameOf(t, &mavlink.Heartbeat{
		Type:       mavlink.MAV_TYPE_QUADROTOR,
		Autopilot:  mavlink.MAV_AUTOPILOT_ARDUPILOTMEGA,
		BaseMode:   mavlink.MAV_MODE_FLAG_SAFETY_ARMED | mavlink.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED,
		CustomMode: 5,
	}))
	st = sess.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, vehicle.ArmedTrue, st.Armed)
	assert.Equal(t, uint32(5), st.FlightMode)
	assert.True(t, st.ModeKnown)
	assert.Equal(t, "QUADROTOR", st.VehicleType)
	assert.Equal(t, "ARDUPILOTMEGA", st.Autopilot)
	assert.Equal(t, 1, notify.Len())

	f, ok := sess.Packet(mavlink.MSG_ID_HEARTBEAT)
	require.True(t, ok)
	assert.Equal(t, uint32(5), f.Message.(*mavlink.Heartbeat).CustomMode)
	_, ok = sess.Packet(mavlink.MSG_ID_STATUSTEXT)
	assert.False(t, ok)

	require.Equal(t, 1, s.count(mavlink.MSG_ID_REQUEST_DATA_STREAM))
	req := s.last(mavlink.MSG_ID_REQUEST_DATA_STREAM).Message.(*mavlink.RequestDataStream)
	assert.Equal(t, mavlink.MAV_DATA_STREAM_ALL, req.ReqStreamId)
	assert.Equal(t, uint16(4), req.ReqMessageRate)
	assert.Equal(t, uint8(1), req.StartStop)
	assert.Equal(t, uint8(1), req.TargetSystem)
	assert.Equal(t, uint8(1), req.TargetComponent)

	// same state, no request, no notification
	sess.HandleFrame(frameOf(t, &mavlink.Heartbeat{
		BaseMode:   mavlink.MAV_MODE_FLAG_SAFETY_ARMED,
		CustomMode: 5,
		Type:       mavlink.MAV_TYPE_QUADROTOR,
	}))
	assert.Equal(t, 1, s.count(mavlink.MSG_ID_REQUEST_DATA_STREAM))
	assert.Equal(t, 1, notify.Len())

	sess.HandleFrame(frameOf(t, &mavlink.Heartbeat{CustomMode: 6}))
	st = sess.Status()
	assert.Equal(t, vehicle.ArmedFalse, st.Armed)
	assert.Equal(t, uint32(6), st.FlightMode)
	assert.Equal(t, 2, notify.Len())
}

func TestHeartbeatTimeout(t *testing.T) {
	t.Parallel()
	s := &sim{}
	notify := &notifyRecorder{}
	sess := newSession(t, s, vehicle.Options{HeartbeatInterval: -1, HeartbeatTimeout: 30 * time.Millisecond, Notify: notify})

	sess.HandleFrame(frameOf(t, &mavlink.Heartbeat{}))
	require.True(t, sess.Status().Connected)
	require.Eventually(t, func() bool { return !sess.Status().Connected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, notify.Len())

	// reconnect edge requests streams again
	sess.HandleFrame(frameOf(t, &mavlink.Heartbeat{}))
	assert.True(t, sess.Status().Connected)
	assert.Equal(t, 2, s.count(mavlink.MSG_ID_REQUEST_DATA_STREAM))

	sess.SetTimeout(0)
	assert.Equal(t, time.Duration(0), sess.Timeout())
	time.Sleep(100 * time.Millisecond)
	assert.True(t, sess.Status().Connected)
}

func TestSendFillsTarget(t *testing.T) {
	t.Parallel()
	s := &sim{}
	sess := newSession(t, s, vehicle.Options{HeartbeatInterval: -1, HeartbeatTimeout: -1, TargetSystem: 7, TargetComponent: 3, Version: 1})

	require.NoError(t, sess.Send(&mavlink.CommandLong{Command: mavlink.MAV_CMD_COMPONENT_ARM_DISARM, Param1: 1}))
	f := s.last(mavlink.MSG_ID_COMMAND_LONG)
	require.NotNil(t, f)
	assert.Equal(t, byte(1), f.Version)
	cmd := f.Message.(*mavlink.CommandLong)
	assert.Equal(t, uint8(7), cmd.TargetSystem)
	assert.Equal(t, uint8(3), cmd.TargetComponent)
	assert.Equal(t, float32(1), cmd.Param1)
}

func TestStopWaitsTasks(t *testing.T) {
	t.Parallel()
	s := &sim{}
	sess := newSession(t, s, vehicle.Options{HeartbeatInterval: 5 * time.Millisecond, HeartbeatTimeout: 5 * time.Millisecond})
	require.Eventually(t, func() bool { return s.count(mavlink.MSG_ID_HEARTBEAT) >= 1 }, 2*time.Second, time.Millisecond)
	sess.Stop()
	n := s.count(mavlink.MSG_ID_HEARTBEAT)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, s.count(mavlink.MSG_ID_HEARTBEAT))
	// second stop is harmless
	sess.Stop()
}

func TestContextCancel(t *testing.T) {
	t.Parallel()
	s := &sim{}
	sess := newSession(t, s, vehicle.Options{HeartbeatInterval: -1, HeartbeatTimeout: -1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sess.DownloadParams(ctx, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, errors.Cause(err), context.Canceled)
	assert.Equal(t, vehicle.DownloadFailed, sess.DownloadState())
}
