package vehicle_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mavrelay/mavlink"
	"github.com/temoto/mavrelay/vehicle"
)

const testPoll = 20 * time.Millisecond

func paramTable(n int) []mavlink.ParamValue {
	ps := make([]mavlink.ParamValue, n)
	for i := range ps {
		ps[i] = mavlink.ParamValue{
			ParamId:    fmt.Sprintf("p_%02d", i),
			ParamValue: float32(i) + 0.25,
			ParamCount: uint16(n),
			ParamIndex: uint16(i),
			ParamType:  mavlink.MAV_PARAM_TYPE_REAL32,
		}
	}
	return ps
}

func quietOptions() vehicle.Options {
	return vehicle.Options{HeartbeatInterval: -1, HeartbeatTimeout: -1}
}

func TestDownloadParams(t *testing.T) {
	t.Parallel()
	s := &sim{params: paramTable(10)}
	sess := newSession(t, s, quietOptions())

	_, ok := sess.Params()
	assert.False(t, ok)
	_, ok = sess.Progress()
	assert.False(t, ok)

	require.NoError(t, sess.DownloadParams(context.Background(), testPoll))
	assert.Equal(t, vehicle.DownloadComplete, sess.DownloadState())
	params, ok := sess.Params()
	require.True(t, ok)
	assert.Len(t, params, 10)
	assert.Equal(t, 0, s.count(mavlink.MSG_ID_PARAM_REQUEST_READ))

	p, ok := sess.Param("p_03")
	require.True(t, ok)
	assert.Equal(t, "P_03", p.Name)
	assert.Equal(t, 3.25, p.Value)
	assert.Equal(t, mavlink.MAV_PARAM_TYPE_REAL32, p.Type)

	pr, ok := sess.Progress()
	require.True(t, ok)
	assert.True(t, pr.Complete)

	// download again resets table
	require.NoError(t, sess.DownloadParams(context.Background(), testPoll))
	assert.Equal(t, 2, s.count(mavlink.MSG_ID_PARAM_REQUEST_LIST))
}

func TestDownloadParamsEmpty(t *testing.T) {
	t.Parallel()
	s := &sim{emptyTable: true}
	sess := newSession(t, s, quietOptions())

	require.NoError(t, sess.DownloadParams(context.Background(), testPoll))
	assert.Equal(t, vehicle.DownloadComplete, sess.DownloadState())
	params, ok := sess.Params()
	require.True(t, ok)
	assert.Empty(t, params)
	assert.Equal(t, 1, s.count(mavlink.MSG_ID_PARAM_REQUEST_LIST))
	assert.Equal(t, 0, s.count(mavlink.MSG_ID_PARAM_REQUEST_READ))
}

func TestDownloadParamsGaps(t *testing.T) {
	t.Parallel()
	s := &sim{
		params:     paramTable(10),
		listSkip:   map[int]bool{0: true, 3: true, 7: true},
		answerRead: true,
	}
	sess := newSession(t, s, quietOptions())

	require.NoError(t, sess.DownloadParams(context.Background(), testPoll))
	params, ok := sess.Params()
	require.True(t, ok)
	assert.Len(t, params, 10)
	assert.Equal(t, 3, s.count(mavlink.MSG_ID_PARAM_REQUEST_READ))
	req := s.last(mavlink.MSG_ID_PARAM_REQUEST_READ).Message.(*mavlink.ParamRequestRead)
	assert.Equal(t, int16(7), req.ParamIndex)
	assert.Equal(t, uint8(1), req.TargetSystem)
}

func TestDownloadParamsGapsUnanswered(t *testing.T) {
	t.Parallel()
	s := &sim{params: paramTable(5), listSkip: map[int]bool{2: true}}
	sess := newSession(t, s, quietOptions())

	err := sess.DownloadParams(context.Background(), testPoll)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), err.Error())
	assert.Equal(t, vehicle.DownloadFailed, sess.DownloadState())
	_, ok := sess.Params()
	assert.False(t, ok)
}

func TestDownloadParamsNoResponse(t *testing.T) {
	t.Parallel()
	s := &sim{}
	sess := newSession(t, s, quietOptions())

	begin := time.Now()
	err := sess.DownloadParams(context.Background(), testPoll)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), err.Error())
	assert.Less(t, time.Since(begin), time.Second)
	_, ok := sess.Progress()
	assert.False(t, ok)
	_, ok = sess.Params()
	assert.False(t, ok)
	assert.Equal(t, 1, s.count(mavlink.MSG_ID_PARAM_REQUEST_LIST))
}

func TestDownloadParamsSingle(t *testing.T) {
	t.Parallel()
	s := &sim{params: paramTable(1)}
	sess := newSession(t, s, quietOptions())
	require.NoError(t, sess.DownloadParams(context.Background(), testPoll))
	params, ok := sess.Params()
	require.True(t, ok)
	assert.Len(t, params, 1)
}

func TestDownloadParamsConcurrent(t *testing.T) {
	t.Parallel()
	s := &sim{}
	sess := newSession(t, s, quietOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sess.DownloadParams(ctx, time.Hour)
	}()
	require.Eventually(t, func() bool { return sess.DownloadState() == vehicle.DownloadAwaiting }, time.Second, time.Millisecond)
	assert.Error(t, sess.DownloadParams(ctx, time.Hour))
	cancel()
	wg.Wait()
}

func downloaded(t testing.TB, s *sim) *vehicle.Session {
	sess := newSession(t, s, quietOptions())
	require.NoError(t, sess.DownloadParams(context.Background(), testPoll))
	return sess
}

func TestSetParam(t *testing.T) {
	t.Parallel()
	ps := paramTable(3)
	ps[1].ParamType = mavlink.MAV_PARAM_TYPE_INT16
	s := &sim{params: ps, answerSet: true}
	sess := downloaded(t, s)
	ctx := context.Background()

	require.NoError(t, sess.SetParam(ctx, "p_00", 0.123456, testPoll, 2))
	p, _ := sess.Param("P_00")
	assert.Equal(t, 0.123456, p.Value)
	assert.Equal(t, 1, s.count(mavlink.MSG_ID_PARAM_SET))
	set := s.last(mavlink.MSG_ID_PARAM_SET).Message.(*mavlink.ParamSet)
	assert.Equal(t, "P_00", set.ParamId)
	assert.Equal(t, mavlink.MAV_PARAM_TYPE_REAL32, set.ParamType)

	require.NoError(t, sess.SetParam(ctx, "P_01", 42, testPoll, 2))
	p, _ = sess.Param("P_01")
	assert.Equal(t, 42.0, p.Value)
}

func TestSetParamIntTruncates(t *testing.T) {
	t.Parallel()
	ps := paramTable(2)
	ps[0].ParamType = mavlink.MAV_PARAM_TYPE_UINT8
	s := &sim{params: ps, answerSet: true}
	sess := downloaded(t, s)

	// stored value 7 never matches requested 7.9
	err := sess.SetParam(context.Background(), "P_00", 7.9, testPoll, 2)
	assert.True(t, errors.IsTimeout(err))
	set := s.last(mavlink.MSG_ID_PARAM_SET).Message.(*mavlink.ParamSet)
	assert.Equal(t, float32(7), set.ParamValue)
	assert.Equal(t, 2, s.count(mavlink.MSG_ID_PARAM_SET))
}

func TestSetParamWrongName(t *testing.T) {
	t.Parallel()
	s := &sim{params: paramTable(3), answerSet: true, setReplyID: "P_02"}
	sess := downloaded(t, s)

	err := sess.SetParam(context.Background(), "P_01", 9, testPoll, 3)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Equal(t, 3, s.count(mavlink.MSG_ID_PARAM_SET))
	p, _ := sess.Param("P_01")
	assert.Equal(t, 1.25, p.Value)
	// spurious confirmation landed on other name
	p, _ = sess.Param("P_02")
	assert.Equal(t, 9.0, p.Value)
}

func TestSetParamNoConfirm(t *testing.T) {
	t.Parallel()
	s := &sim{params: paramTable(2)}
	sess := downloaded(t, s)
	err := sess.SetParam(context.Background(), "P_00", 5, testPoll, 0)
	assert.True(t, errors.IsTimeout(err))
	assert.Equal(t, vehicle.DefaultParamRetries, s.count(mavlink.MSG_ID_PARAM_SET))
}

func TestSetParamReject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := &sim{params: paramTable(2)}
	sess := newSession(t, s, quietOptions())
	assert.True(t, errors.IsNotValid(sess.SetParam(ctx, "P_00", 1, testPoll, 1)))

	ps := paramTable(2)
	ps[1].ParamType = mavlink.MAV_PARAM_TYPE_REAL64
	s = &sim{params: ps}
	sess = downloaded(t, s)
	assert.True(t, errors.IsNotFound(sess.SetParam(ctx, "NOPE", 1, testPoll, 1)))
	assert.True(t, errors.IsNotSupported(sess.SetParam(ctx, "P_01", 1, testPoll, 1)))
	assert.Equal(t, 0, s.count(mavlink.MSG_ID_PARAM_SET))
}
