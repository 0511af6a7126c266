package log2

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog2(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		fun  func(t testing.TB, l *Log) string
	}{
		{"caller/debug", func(t testing.TB, l *Log) string {
			l.SetFlags(log.Lshortfile)
			l.Debugf("low level var=%d", 42)
			return formatCallerShort(1) + "debug: low level var=42\n"
		}},
		{"caller/info", func(t testing.TB, l *Log) string {
			l.SetFlags(log.Lshortfile)
			l.Infof("regular state=%s", "ok")
			return formatCallerShort(1) + "regular state=ok\n"
		}},
		{"caller/error", func(t testing.TB, l *Log) string {
			l.SetFlags(log.Lshortfile)
			l.Errorf("problem")
			return formatCallerShort(1) + "error: problem\n"
		}},
		{"printf", func(t testing.TB, l *Log) string {
			l.SetFlags(0)
			l.Printf("[client] %s", "connected")
			return "[client] connected\n"
		}},
		{"println", func(t testing.TB, l *Log) string {
			l.SetFlags(0)
			l.Println("[pinger]", "ping")
			return "[pinger] ping\n"
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name+"/logger=nil", func(t *testing.T) {
			c.fun(t, nil)
		})
		t.Run(c.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)
			l := NewWriter(buf, LAll)
			expect := c.fun(t, l)
			assert.Equal(t, expect, buf.String())
		})
	}
}

func TestPrefixed(t *testing.T) {
	t.Parallel()
	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LInfo)
	l.SetFlags(0)
	l.SetPrefix("relay ")
	vl := l.Prefixed("vehicle=Copter ")
	vl.Infof("connected")
	vl.Debugf("hidden")
	assert.Equal(t, "relay vehicle=Copter connected\n", buf.String())
	assert.Nil(t, (*Log)(nil).Prefixed("x"))
}

func TestLevel(t *testing.T) {
	t.Parallel()
	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LError)
	l.SetFlags(0)
	l.Infof("skip")
	assert.Equal(t, "", buf.String())
	l.SetLevel(LInfo)
	l.Infof("show")
	assert.Equal(t, "show\n", buf.String())
	assert.False(t, l.Enabled(LDebug))
}

type FmtFunc = func(format string, args ...interface{})

func BenchmarkLog2(b *testing.B) {
	call := func(f FmtFunc) { f("example log with arg1=%s and arg2=%d", "example-arg", 12345678) }
	const expect string = "example log with arg1=example-arg and arg2=12345678\n"

	prepareStd := func(w io.Writer) FmtFunc { return log.New(w, "", 0).Printf }
	prepareMe := func(w io.Writer) FmtFunc { l := NewWriter(w, LInfo); l.SetFlags(0); return l.Infof }
	prepareMeSkipLevel := func(w io.Writer) FmtFunc { l := NewWriter(w, LError); l.SetFlags(0); return l.Infof }

	type Case struct {
		name    string
		prepare func(w io.Writer) FmtFunc
	}
	cases := []Case{
		{"me-skiplevel", prepareMeSkipLevel},
		{"me", prepareMe},
		{"stdlib", prepareStd},
	}
	for _, c := range cases {
		buf := bytes.NewBuffer(nil)
		var writer io.Writer = buf
		if strings.Contains(c.name, "skip") {
			writer = ioutil.Discard
		}
		fun := c.prepare(writer)
		b.Run(c.name, func(b *testing.B) {
			b.ReportAllocs()
			result := benchCapture(call)
			require.Equal(b, expect, result)
			b.SetBytes(int64(len(result)))
			b.ResetTimer()
			for i := 1; i <= b.N; i++ {
				call(fun)
			}
		})
	}
}

func benchCapture(call func(FmtFunc)) string {
	s := ""
	call(func(format string, args ...interface{}) {
		s = fmt.Sprintf(format+"\n", args...)
	})
	return s
}

func callerShort(depth int) (file string, line int) {
	var ok bool
	_, file, line, ok = runtime.Caller(depth)
	if !ok {
		file = "???"
		line = 0
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return
}

func formatCallerShort(depth int) string {
	file, line := callerShort(depth + 1)
	return fmt.Sprintf("%s:%d: ", file, line-1)
}
