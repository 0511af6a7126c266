package link

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// Default serial device directory with stable names.
const SerialByIDDir = "/dev/serial/by-id"

const DefaultSerialBaud = 115200

// Device name patterns of known autopilot boards and USB UART adapters.
var SerialPatterns = []string{
	"*FTDI*",
	"*Arduino_Mega_2560*",
	"*3D*",
	"*USB_to_UART*",
	"*Ardu*",
	"*PX4*",
	"*Hex_*",
	"*Holybro_*",
	"*mRo*",
	"*FMU*",
	"*Kakute*",
	"*Pixhawk*",
}

// FindSerial lists devices in dir matching any of SerialPatterns, sorted.
func FindSerial(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "find serial dir=%s", dir)
	}
	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		for _, pattern := range SerialPatterns {
			if ok, _ := filepath.Match(pattern, entry.Name()); ok {
				result = append(result, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}
	sort.Strings(result)
	return result, nil
}

type serialLink struct {
	base
	mu sync.Mutex // serializes writes
	f  *os.File
}

var _ Link = &serialLink{}

func (l *serialLink) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := openSerial(l.endpoint.Address, l.endpoint.Port)
	if err != nil {
		return errors.Annotatef(err, "open %s", l.name)
	}
	l.f = f
	l.closer = func() { _ = f.Close() }
	l.stat.Conn.Add(1)
	if !l.goReader(l.reader) {
		_ = f.Close()
		return ErrClosing
	}
	return nil
}

func (l *serialLink) reader() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := l.f.Read(buf)
		if n > 0 {
			l.receive(buf[:n])
		}
		if err != nil {
			_ = l.die(errors.Annotate(err, "receive"))
			return
		}
	}
}

func (l *serialLink) Send(b []byte) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	if l.f == nil {
		return l.die(ErrNotOpen)
	}
	l.mu.Lock()
	n, err := l.f.Write(b)
	l.mu.Unlock()
	if err != nil {
		return l.die(errors.Annotate(err, "send"))
	}
	l.sent(n)
	return nil
}
