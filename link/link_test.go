package link_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mavrelay/link"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/mavlink"
)

type received struct {
	name  string
	frame *mavlink.Frame
}

type testHandler struct {
	frames chan received
	closed chan error
}

func newTestHandler() *testHandler {
	return &testHandler{frames: make(chan received, 64), closed: make(chan error, 4)}
}

func (h *testHandler) HandleFrame(name string, f *mavlink.Frame) {
	if !f.Malformed() {
		h.frames <- received{name, f}
	}
}
func (h *testHandler) HandleClose(l link.Link, err error) { h.closed <- err }

func (h *testHandler) expectFrame(t testing.TB) received {
	t.Helper()
	select {
	case r := <-h.frames:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("frame timeout")
	}
	return received{}
}

func freePort(t testing.TB, network string) int {
	t.Helper()
	switch network {
	case "tcp":
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		return ln.Addr().(*net.TCPAddr).Port
	case "udp":
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		defer pc.Close()
		return pc.LocalAddr().(*net.UDPAddr).Port
	}
	panic("code error network=" + network)
}

func heartbeat(t testing.TB, sys byte) []byte {
	b, err := mavlink.EncodeFrame(2, 0, sys, 1, &mavlink.Heartbeat{Type: mavlink.MAV_TYPE_QUADROTOR})
	require.NoError(t, err)
	return b
}

func openLink(t testing.TB, s string, h link.Handler) link.Link {
	t.Helper()
	e, err := link.ParseEndpoint(s)
	require.NoError(t, err)
	l, err := link.New(e, link.Options{Log: log2.NewTest(t, log2.LDebug), Handler: h, OpenTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, l.Open(context.Background()))
	t.Cleanup(func() { l.Close() })
	return l
}

func TestTCP(t *testing.T) {
	t.Parallel()
	port := strconv.Itoa(freePort(t, "tcp"))
	hs, hc := newTestHandler(), newTestHandler()
	server := openLink(t, "tcpserver:127.0.0.1:"+port, hs)
	client := openLink(t, "tcp-client:127.0.0.1:"+port, hc)
	assert.Equal(t, "tcpclient:127.0.0.1:"+port, client.Name())

	require.NoError(t, client.Send(heartbeat(t, 4)))
	r := hs.expectFrame(t)
	assert.Equal(t, server.Name(), r.name)
	assert.Equal(t, byte(4), r.frame.SystemID)

	// remote is known once first frame arrived
	require.NoError(t, server.Send(heartbeat(t, 255)))
	r = hc.expectFrame(t)
	assert.Equal(t, byte(255), r.frame.SystemID)
	assert.Equal(t, int64(1), client.Stat().Recv.Frames.Value())

	require.NoError(t, server.Close())
	assert.True(t, server.Closed())
	select {
	case err := <-hc.closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice server close")
	}
	assert.True(t, client.Closed())
	assert.Error(t, client.Send(heartbeat(t, 4)))
	assert.Len(t, hs.closed, 0, "explicit Close does not notify")
}

func TestTCPServerReplacesPeer(t *testing.T) {
	t.Parallel()
	port := strconv.Itoa(freePort(t, "tcp"))
	hs := newTestHandler()
	server := openLink(t, "tcpserver:127.0.0.1:"+port, hs)
	h1, h2 := newTestHandler(), newTestHandler()
	c1 := openLink(t, "tcpclient:127.0.0.1:"+port, h1)
	require.NoError(t, c1.Send(heartbeat(t, 1)))
	hs.expectFrame(t)
	c2 := openLink(t, "tcpclient:127.0.0.1:"+port, h2)
	require.NoError(t, c2.Send(heartbeat(t, 2)))
	assert.Equal(t, byte(2), hs.expectFrame(t).frame.SystemID)

	require.NoError(t, server.Send(heartbeat(t, 255)))
	h2.expectFrame(t)
	select {
	case <-h1.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("replaced peer was not disconnected")
	}
	assert.False(t, server.Closed())
}

func TestTCPClientRefused(t *testing.T) {
	t.Parallel()
	port := strconv.Itoa(freePort(t, "tcp"))
	e, err := link.ParseEndpoint("tcpclient:127.0.0.1:" + port)
	require.NoError(t, err)
	l, err := link.New(e, link.Options{})
	require.NoError(t, err)
	assert.Error(t, l.Open(context.Background()))
}

func TestDialect(t *testing.T) {
	t.Parallel()
	e, err := link.ParseEndpoint("udpserver:127.0.0.1:14550")
	require.NoError(t, err)
	_, err = link.New(e, link.Options{Dialect: "bogus"})
	assert.Error(t, err)
	l, err := link.New(e, link.Options{Dialect: "common"})
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}

func TestUDP(t *testing.T) {
	t.Parallel()
	port := strconv.Itoa(freePort(t, "udp"))
	hs, hc := newTestHandler(), newTestHandler()
	server := openLink(t, "udpserver:127.0.0.1:"+port, hs)
	client := openLink(t, "udpclient:127.0.0.1:"+port, hc)

	// no remote latched yet, dropped
	require.NoError(t, server.Send(heartbeat(t, 255)))

	require.NoError(t, client.Send(heartbeat(t, 7)))
	r := hs.expectFrame(t)
	assert.Equal(t, byte(7), r.frame.SystemID)

	require.NoError(t, server.Send(heartbeat(t, 255)))
	r = hc.expectFrame(t)
	assert.Equal(t, byte(255), r.frame.SystemID)
	assert.Equal(t, client.Name(), r.name)
}

func TestBandwidth(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	var b link.Bandwidth
	b.SetClock(mock)
	b.Add(1000)
	mock.Add(2 * time.Second)
	b.Add(1000)
	assert.Equal(t, int64(0), b.BytesPerSecond(), "window not complete")
	mock.Add(3 * time.Second)
	b.Add(500)
	assert.Equal(t, int64(0), b.BytesPerSecond(), "exactly 5s is not over window")
	mock.Add(1 * time.Second)
	b.Add(500)
	// 3000 bytes over 6 seconds
	assert.Equal(t, int64(500), b.BytesPerSecond())
	mock.Add(10 * time.Second)
	b.Add(1000)
	assert.Equal(t, int64(100), b.BytesPerSecond())
}

func TestFindSerial(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{
		"usb-ArduPilot_Pixhawk1_1C003C000851363131363336-if00",
		"usb-Logitech_USB_Receiver-if02",
		"usb-FTDI_FT232R_USB_UART_A50285BI-if00-port0",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0600))
	}
	found, err := link.FindSerial(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "usb-ArduPilot_Pixhawk1_1C003C000851363131363336-if00"),
		filepath.Join(dir, "usb-FTDI_FT232R_USB_UART_A50285BI-if00-port0"),
	}, found)

	found, err = link.FindSerial(filepath.Join(dir, "absent"))
	assert.NoError(t, err)
	assert.Empty(t, found)
}
