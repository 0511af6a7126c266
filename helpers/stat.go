package helpers

import (
	"expvar"
	"io"
)

type StatWriter struct {
	W io.Writer
	V *expvar.Int
	F int64
}

var _ io.Writer = &StatWriter{}

func NewStatWriter(w io.Writer, expvar *expvar.Int, fix int64) io.Writer {
	return &StatWriter{W: w, F: fix, V: expvar}
}

func (sw *StatWriter) Write(p []byte) (n int, err error) {
	n, err = sw.W.Write(p)
	sw.V.Add(int64(n) + sw.F)
	return
}
