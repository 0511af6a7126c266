package vehicle

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/looplab/fsm"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/mavlink"
	"github.com/temoto/mavrelay/metrics"
)

const (
	DefaultParamPoll    = 500 * time.Millisecond
	DefaultParamTimeout = 100 * time.Millisecond
	DefaultParamRetries = 3
)

// Download states.
const (
	DownloadIdle        = "idle"
	DownloadAwaiting    = "awaiting"
	DownloadReconciling = "reconciling"
	DownloadComplete    = "complete"
	DownloadFailed      = "failed"
)

const (
	evStart     = "start"
	evReconcile = "reconcile"
	evFinish    = "finish"
	evFail      = "fail"
)

type Param struct {
	Name  string
	Value float64 // rounded to 6 decimal places
	Type  mavlink.ParamType
	Index uint16
}

// Progress of running download. Highest is -1 until first value arrives.
type Progress struct {
	Highest  int
	Total    int
	Seen     int
	Complete bool
}

type progress struct {
	highest int
	total   int
	replied bool
	seen    map[int]struct{}
}

func newDownloadFSM(log *log2.Log) *fsm.FSM {
	return fsm.NewFSM(
		DownloadIdle,
		fsm.Events{
			{Name: evStart, Src: []string{DownloadIdle, DownloadComplete, DownloadFailed}, Dst: DownloadAwaiting},
			{Name: evReconcile, Src: []string{DownloadAwaiting}, Dst: DownloadReconciling},
			{Name: evFinish, Src: []string{DownloadAwaiting, DownloadReconciling}, Dst: DownloadComplete},
			{Name: evFail, Src: []string{DownloadAwaiting, DownloadReconciling}, Dst: DownloadFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugf("param download %s -> %s", e.Src, e.Dst)
			},
		},
	)
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }

func (s *Session) locked_paramValue(m *mavlink.ParamValue) {
	name := strings.ToUpper(m.ParamId)
	// count=0 announces empty table and carries no value
	if m.ParamCount != 0 {
		s.params[name] = Param{
			Name:  name,
			Value: round6(float64(m.ParamValue)),
			Type:  m.ParamType,
			Index: m.ParamIndex,
		}
	}
	p := s.progress
	if p == nil {
		return
	}
	p.total = int(m.ParamCount)
	p.replied = true
	idx := int(m.ParamIndex)
	if idx >= p.total {
		return
	}
	p.seen[idx] = struct{}{}
	if idx > p.highest {
		p.highest = idx
	}
}

// Progress returns false when no download is running or completed.
func (s *Session) Progress() (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.complete {
		n := len(s.params)
		return Progress{Highest: n - 1, Total: n, Seen: n, Complete: true}, true
	}
	if s.progress == nil {
		return Progress{}, false
	}
	return Progress{Highest: s.progress.highest, Total: s.progress.total, Seen: len(s.progress.seen)}, true
}

// Params returns copy of parameter table, false until download is complete.
func (s *Session) Params() (map[string]Param, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.complete {
		return nil, false
	}
	m := make(map[string]Param, len(s.params))
	for k, v := range s.params {
		m[k] = v
	}
	return m, true
}

func (s *Session) Param(name string) (Param, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.complete {
		return Param{}, false
	}
	p, ok := s.params[strings.ToUpper(name)]
	return p, ok
}

// DownloadParams requests full parameter list, then re-requests missing indices.
// Fails when highest seen index stops advancing between two polls.
func (s *Session) DownloadParams(ctx context.Context, poll time.Duration) error {
	const tag = "download params"
	if poll <= 0 {
		poll = DefaultParamPoll
	}
	if err := s.download.Event(context.Background(), evStart); err != nil {
		return errors.Annotatef(err, "vehicle=%s %s state=%s", s.opt.Name, tag, s.download.Current())
	}
	s.mu.Lock()
	s.complete = false
	s.params = make(map[string]Param)
	s.progress = &progress{highest: -1, seen: make(map[int]struct{})}
	s.mu.Unlock()

	err := s.downloadParams(ctx, poll)
	s.mu.Lock()
	s.progress = nil
	s.complete = err == nil
	s.mu.Unlock()
	if err != nil {
		metrics.ParamOperations.WithLabelValues("download", metrics.ResultFailed).Inc()
		_ = s.download.Event(context.Background(), evFail)
		return errors.Annotatef(err, "vehicle=%s %s", s.opt.Name, tag)
	}
	metrics.ParamOperations.WithLabelValues("download", metrics.ResultSuccess).Inc()
	_ = s.download.Event(context.Background(), evFinish)
	s.log.Infof("params downloaded count=%d", len(s.params))
	return nil
}

func (s *Session) downloadParams(ctx context.Context, poll time.Duration) error {
	if err := s.Send(&mavlink.ParamRequestList{}); err != nil {
		return err
	}

	prev := -1
	var total int
	for {
		if err := s.sleep(ctx, poll); err != nil {
			return err
		}
		s.mu.Lock()
		highest, n, replied := s.progress.highest, s.progress.total, s.progress.replied
		s.mu.Unlock()
		total = n
		if replied && highest >= total-1 {
			break
		}
		if highest <= prev {
			return errors.Timeoutf("no progress highest=%d total=%d", highest, total)
		}
		prev = highest
	}

	if err := s.download.Event(context.Background(), evReconcile); err != nil {
		return err
	}
	for i := 0; i < total; i++ {
		s.mu.Lock()
		_, ok := s.progress.seen[i]
		s.mu.Unlock()
		if ok {
			continue
		}
		s.log.Debugf("param re-request index=%d", i)
		if err := s.Send(&mavlink.ParamRequestRead{ParamIndex: int16(i)}); err != nil {
			return err
		}
		if err := s.sleep(ctx, poll); err != nil {
			return err
		}
	}

	s.mu.Lock()
	seen := len(s.progress.seen)
	s.mu.Unlock()
	if seen < total {
		return errors.Timeoutf("missing %d of %d params", total-seen, total)
	}
	return nil
}

// SetParam sends value until stored table value matches it to 6 decimal places.
// Zero timeout or retries means default.
func (s *Session) SetParam(ctx context.Context, name string, value float64, timeout time.Duration, retries int) error {
	name = strings.ToUpper(name)
	if timeout <= 0 {
		timeout = DefaultParamTimeout
	}
	if retries <= 0 {
		retries = DefaultParamRetries
	}
	s.mu.Lock()
	complete := s.complete
	p, ok := s.params[name]
	s.mu.Unlock()
	if !complete {
		return errors.NotValidf("vehicle=%s params not downloaded", s.opt.Name)
	}
	if !ok {
		return errors.NotFoundf("vehicle=%s param=%s", s.opt.Name, name)
	}
	wire, err := encodeParam(p.Type, value)
	if err != nil {
		return errors.Annotatef(err, "vehicle=%s param=%s", s.opt.Name, name)
	}

	want := round6(value)
	for i := 1; i <= retries; i++ {
		if err := s.Send(&mavlink.ParamSet{ParamId: name, ParamValue: wire, ParamType: p.Type}); err != nil {
			return err
		}
		if err := s.sleep(ctx, timeout); err != nil {
			return errors.Annotatef(err, "vehicle=%s param=%s", s.opt.Name, name)
		}
		s.mu.Lock()
		cur := s.params[name]
		s.mu.Unlock()
		if cur.Value == want {
			metrics.ParamOperations.WithLabelValues("set", metrics.ResultSuccess).Inc()
			s.log.Debugf("param set %s=%v try=%d", name, want, i)
			return nil
		}
	}
	metrics.ParamOperations.WithLabelValues("set", metrics.ResultFailed).Inc()
	return errors.Timeoutf("vehicle=%s param=%s=%v not confirmed after %d tries", s.opt.Name, name, want, retries)
}

func encodeParam(t mavlink.ParamType, value float64) (float32, error) {
	switch t {
	case mavlink.MAV_PARAM_TYPE_REAL32:
		return float32(value), nil
	case mavlink.MAV_PARAM_TYPE_UINT8, mavlink.MAV_PARAM_TYPE_INT8,
		mavlink.MAV_PARAM_TYPE_UINT16, mavlink.MAV_PARAM_TYPE_INT16,
		mavlink.MAV_PARAM_TYPE_UINT32, mavlink.MAV_PARAM_TYPE_INT32:
		return float32(math.Trunc(value)), nil
	}
	return 0, errors.NotSupportedf("param type=%s", t)
}
