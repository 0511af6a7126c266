// Package link carries MAVLink bytes over TCP, UDP and serial transports.
// Link is single use: after it dies, owner creates a new one to reconnect.
package link

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mavrelay/helpers"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/mavlink"
)

const (
	DefaultOpenTimeout  = 200 * time.Millisecond
	DefaultWriteTimeout = 1 * time.Second
	readBufferSize      = 4 << 10
)

var (
	ErrClosing = errors.New("closing")
	ErrNotOpen = errors.New("link is not open")
)

type Link interface {
	// Name is canonical endpoint string.
	Name() string
	Endpoint() Endpoint
	Open(ctx context.Context) error
	// Send is best effort. Failure to write kills the link and notifies Handler.HandleClose.
	Send(b []byte) error
	Close() error
	Closed() bool
	Stat() *Stat
}

// Handler receives decoded frames and link death notice.
// HandleFrame calls for one link are sequential, in arrival order.
type Handler interface {
	HandleFrame(name string, f *mavlink.Frame)
	HandleClose(l Link, err error)
}

type Options struct {
	Log          *log2.Log
	Handler      Handler
	Dialect      string // empty means mavlink.DefaultDialect
	Clock        clock.Clock
	OpenTimeout  time.Duration
	WriteTimeout time.Duration
}

type Factory func(e Endpoint, opt Options) (Link, error)

func New(e Endpoint, opt Options) (Link, error) {
	if opt.OpenTimeout == 0 {
		opt.OpenTimeout = DefaultOpenTimeout
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if opt.Dialect != "" {
		if err := mavlink.CheckDialect(opt.Dialect); err != nil {
			return nil, err
		}
	}
	switch e.Kind {
	case KindTCPClient:
		l := &tcpClient{}
		l.init(l, e, opt)
		return l, nil
	case KindTCPServer:
		l := &tcpServer{}
		l.init(l, e, opt)
		return l, nil
	case KindUDPClient:
		l := &udpClient{}
		l.init(l, e, opt)
		return l, nil
	case KindUDPServer:
		l := &udpServer{}
		l.init(l, e, opt)
		return l, nil
	case KindSerial:
		l := &serialLink{}
		l.init(l, e, opt)
		return l, nil
	}
	return nil, errors.NotValidf("link kind=%s", e.Kind)
}

// base holds state common to all transports: die-once error, reader goroutines, parser, stat.
type base struct {
	self     Link
	endpoint Endpoint
	name     string
	opt      Options
	log      *log2.Log
	alive    *alive.Alive
	err      helpers.AtomicError
	parserMu sync.Mutex
	parser   mavlink.Parser
	stat     Stat
	closer   func()
}

func (b *base) init(self Link, e Endpoint, opt Options) {
	b.self = self
	b.endpoint = e
	b.name = e.String()
	b.opt = opt
	b.parser.Dialect = opt.Dialect
	b.log = opt.Log.Prefixed("link=" + b.name + " ")
	b.alive = alive.NewAlive()
	b.stat.Bandwidth.SetClock(opt.Clock)
}

func (b *base) Name() string       { return b.name }
func (b *base) Endpoint() Endpoint { return b.endpoint }
func (b *base) Stat() *Stat        { return &b.stat }

func (b *base) Closed() bool {
	_, ok := b.err.Load()
	return ok
}

// Close is idempotent, waits for reader goroutines.
func (b *base) Close() error {
	_ = b.die(ErrClosing)
	b.alive.Wait()
	return nil
}

func (b *base) openContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.opt.OpenTimeout)
}

func (b *base) checkOpen() error {
	if err, closed := b.err.Load(); closed {
		return err
	}
	return nil
}

// go starts f as tracked reader goroutine. Returns false when link is dying.
func (b *base) goReader(f func()) bool {
	if !b.alive.Add(1) {
		return false
	}
	go func() {
		defer b.alive.Done()
		f()
	}()
	return true
}

func (b *base) resetParser() {
	b.parserMu.Lock()
	b.parser.Reset()
	b.parserMu.Unlock()
}

func (b *base) receive(p []byte) {
	b.stat.Bandwidth.Add(len(p))
	b.stat.Recv.Bytes.Add(int64(len(p)))
	b.parserMu.Lock()
	frames := b.parser.Feed(p)
	b.parserMu.Unlock()
	for _, f := range frames {
		if f.Malformed() {
			b.stat.Malformed.Add(1)
		} else {
			b.stat.Recv.Frames.Add(1)
		}
		if b.opt.Handler != nil {
			b.opt.Handler.HandleFrame(b.name, f)
		}
	}
}

func (b *base) sent(n int) {
	b.stat.Send.Frames.Add(1)
	b.stat.Send.Bytes.Add(int64(n))
}

func (b *base) die(e error) error {
	if err, found := b.err.StoreOnce(e); found {
		return err
	}
	b.alive.Stop()
	if b.closer != nil {
		b.closer()
	}

	// reformat some well known errors for easier log reading
	estr := e.Error()
	if neterr, ok := errors.Cause(e).(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "i/o timeout") {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	}
	b.log.Debugf("die e=%s", estr)

	if e != ErrClosing && b.opt.Handler != nil {
		b.opt.Handler.HandleClose(b.self, e)
	}
	return e
}
