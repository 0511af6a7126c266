package link

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
)

type udpClient struct {
	base
	conn *net.UDPConn
}

var _ Link = &udpClient{}

func (l *udpClient) Open(ctx context.Context) error {
	ctx, cancel := l.openContext(ctx)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", l.endpoint.HostPort())
	if err != nil {
		return errors.Annotatef(err, "open %s", l.name)
	}
	l.conn = conn.(*net.UDPConn)
	l.closer = func() { _ = conn.Close() }
	l.stat.Conn.Add(1)
	if !l.goReader(l.reader) {
		_ = conn.Close()
		return ErrClosing
	}
	return nil
}

func (l *udpClient) reader() {
	buf := make([]byte, 64<<10)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			l.receive(buf[:n])
		}
		if err != nil {
			if isClosedErr(err) || !l.alive.IsRunning() {
				_ = l.die(errors.Annotate(err, "receive"))
				return
			}
			// ICMP port unreachable surfaces as read error on connected socket, remote may come up later
			l.log.Debugf("receive err=%v", err)
			select {
			case <-l.alive.StopChan():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

func (l *udpClient) Send(b []byte) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	if l.conn == nil {
		return l.die(ErrNotOpen)
	}
	n, err := l.conn.Write(b)
	if err != nil {
		if isClosedErr(err) {
			return l.die(errors.Annotate(err, "send"))
		}
		return errors.Annotate(err, "send")
	}
	l.sent(n)
	return nil
}

// udpServer latches remote address from first inbound datagram.
type udpServer struct {
	base
	conn *net.UDPConn
	mu   sync.Mutex
	peer *net.UDPAddr
}

var _ Link = &udpServer{}

func (l *udpServer) Open(ctx context.Context) error {
	ctx, cancel := l.openContext(ctx)
	defer cancel()
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", l.endpoint.HostPort())
	if err != nil {
		return errors.Annotatef(err, "open %s", l.name)
	}
	l.conn = pc.(*net.UDPConn)
	l.closer = func() { _ = pc.Close() }
	l.stat.Conn.Add(1)
	if !l.goReader(l.reader) {
		_ = pc.Close()
		return ErrClosing
	}
	return nil
}

func (l *udpServer) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Peer returns latched remote address or nil.
func (l *udpServer) Peer() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer
}

func (l *udpServer) reader() {
	buf := make([]byte, 64<<10)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedErr(err) || !l.alive.IsRunning() {
				_ = l.die(errors.Annotate(err, "receive"))
				return
			}
			l.log.Debugf("receive err=%v", err)
			continue
		}
		l.mu.Lock()
		if l.peer == nil {
			l.peer = addr
			l.log.Debugf("latched remote=%s", addr)
		}
		l.mu.Unlock()
		if n > 0 {
			l.receive(buf[:n])
		}
	}
}

// Send before any datagram was received silently drops the frame.
func (l *udpServer) Send(b []byte) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	peer := l.Peer()
	if peer == nil {
		return nil
	}
	n, err := l.conn.WriteToUDP(b, peer)
	if err != nil {
		if isClosedErr(err) {
			return l.die(errors.Annotate(err, "send"))
		}
		return errors.Annotate(err, "send")
	}
	l.sent(n)
	return nil
}

func isClosedErr(err error) bool {
	return stderrors.Is(errors.Cause(err), net.ErrClosed)
}
