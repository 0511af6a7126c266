package link

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/mavrelay/helpers"
)

func tuneTCP(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetLinger(0)
		_ = tcp.SetReadBuffer(16 << 10)
		_ = tcp.SetWriteBuffer(16 << 10)
	}
}

func writeConn(conn net.Conn, w io.Writer, timeout time.Duration, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return errors.Annotate(err, "SetWriteDeadline")
	}
	return helpers.WriteAll(w, b)
}

type tcpClient struct {
	base
	mu   sync.Mutex // serializes writes
	conn net.Conn
	w    io.Writer
}

var _ Link = &tcpClient{}

func (l *tcpClient) Open(ctx context.Context) error {
	ctx, cancel := l.openContext(ctx)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", l.endpoint.HostPort())
	if err != nil {
		return errors.Annotatef(err, "open %s", l.name)
	}
	tuneTCP(conn)
	l.mu.Lock()
	l.conn = conn
	l.w = helpers.NewStatWriter(conn, &l.stat.Send.Bytes, 0)
	l.mu.Unlock()
	l.closer = func() { _ = conn.Close() }
	l.stat.Conn.Add(1)
	if !l.goReader(func() { l.reader(conn) }) {
		_ = conn.Close()
		return ErrClosing
	}
	l.log.Debugf("connected remote=%s", conn.RemoteAddr())
	return nil
}

func (l *tcpClient) reader(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			l.receive(buf[:n])
		}
		if err != nil {
			_ = l.die(errors.Annotate(err, "receive"))
			return
		}
	}
}

func (l *tcpClient) Send(b []byte) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	l.mu.Lock()
	conn, w := l.conn, l.w
	if conn == nil {
		l.mu.Unlock()
		return l.die(ErrNotOpen)
	}
	err := writeConn(conn, w, l.opt.WriteTimeout, b)
	l.mu.Unlock()
	if err != nil {
		return l.die(errors.Annotate(err, "send"))
	}
	l.stat.Send.Frames.Add(1)
	return nil
}

// tcpServer listens and talks to single remote at a time.
// Newly accepted connection replaces previous one.
type tcpServer struct {
	base
	listener net.Listener
	mu       sync.Mutex // protects peer and serializes writes
	peer     net.Conn
	w        io.Writer
}

var _ Link = &tcpServer{}

func (l *tcpServer) Open(ctx context.Context) error {
	ctx, cancel := l.openContext(ctx)
	defer cancel()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.endpoint.HostPort())
	if err != nil {
		return errors.Annotatef(err, "open %s", l.name)
	}
	l.listener = ln
	l.closer = func() {
		_ = ln.Close()
		l.mu.Lock()
		if l.peer != nil {
			_ = l.peer.Close()
		}
		l.mu.Unlock()
	}
	l.stat.Conn.Add(1)
	if !l.goReader(l.acceptLoop) {
		_ = ln.Close()
		return ErrClosing
	}
	l.log.Debugf("listening addr=%s", ln.Addr())
	return nil
}

// Addr is actual listen address, useful with port 0.
func (l *tcpServer) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *tcpServer) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			_ = l.die(errors.Annotate(err, "accept"))
			return
		}
		tuneTCP(conn)
		l.mu.Lock()
		old := l.peer
		l.peer = conn
		l.w = helpers.NewStatWriter(conn, &l.stat.Send.Bytes, 0)
		l.mu.Unlock()
		if old != nil {
			l.log.Debugf("replace remote=%s with=%s", old.RemoteAddr(), conn.RemoteAddr())
			_ = old.Close()
		}
		l.resetParser()
		if !l.goReader(func() { l.peerReader(conn) }) {
			_ = conn.Close()
			return
		}
	}
}

// peerReader ends quietly when peer disconnects, the link keeps listening.
func (l *tcpServer) peerReader(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			l.receive(buf[:n])
		}
		if err != nil {
			l.dropPeer(conn)
			return
		}
	}
}

func (l *tcpServer) dropPeer(conn net.Conn) {
	l.mu.Lock()
	if l.peer == conn {
		l.peer = nil
		l.w = nil
	}
	l.mu.Unlock()
	_ = conn.Close()
}

// Send without connected remote silently drops the frame.
func (l *tcpServer) Send(b []byte) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	l.mu.Lock()
	conn, w := l.peer, l.w
	if conn == nil {
		l.mu.Unlock()
		return nil
	}
	err := writeConn(conn, w, l.opt.WriteTimeout, b)
	l.mu.Unlock()
	if err != nil {
		l.log.Debugf("send remote=%s err=%v", conn.RemoteAddr(), err)
		l.dropPeer(conn)
		return errors.Annotate(err, "send")
	}
	l.stat.Send.Frames.Add(1)
	return nil
}
