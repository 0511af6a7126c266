package link

import (
	"os"
	"syscall"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
}

func openSerial(path string, baud int) (*os.File, error) {
	rate, ok := baudRates[baud]
	if !ok {
		return nil, errors.NotSupportedf("serial baud=%d", baud)
	}
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NOCTTY, 0600)
	if err != nil {
		return nil, err
	}
	if err = setRaw(int(f.Fd()), rate); err != nil {
		_ = f.Close()
		return nil, errors.Annotate(err, "termios")
	}
	return f, nil
}

// setRaw puts tty into 8N1 raw mode, like cfmakeraw.
func setRaw(fd int, rate uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | rate
	t.Ispeed = rate
	t.Ospeed = rate
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
