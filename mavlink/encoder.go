package mavlink

import (
	"bytes"
	"expvar"
	"sync"

	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/juju/errors"
)

// Encoder builds frames on behalf of one source system/component.
// Sequence number increments mod 256 per encoded frame.
type Encoder struct {
	mu          sync.Mutex
	dialect     string
	version     byte
	systemID    byte
	componentID byte
	seq         byte

	Packets expvar.Int
	Bytes   expvar.Int
}

func NewEncoder(dialect string, version, systemID, componentID byte) (*Encoder, error) {
	if version != 1 && version != 2 {
		return nil, errors.NotValidf("mavlink version=%d", version)
	}
	if _, err := dialectRW(dialect); err != nil {
		return nil, err
	}
	return &Encoder{dialect: dialect, version: version, systemID: systemID, componentID: componentID}, nil
}

func (e *Encoder) Version() byte { return e.version }

func (e *Encoder) Encode(m Message) ([]byte, error) {
	e.mu.Lock()
	seq := e.seq
	e.seq++
	e.mu.Unlock()

	b, err := encodeFrame(e.dialect, e.version, seq, e.systemID, e.componentID, m)
	if err != nil {
		return nil, err
	}
	e.Packets.Add(1)
	e.Bytes.Add(int64(len(b)))
	return b, nil
}

// EncodeFrame is stateless encoding in DefaultDialect, useful to impersonate other systems in tests.
func EncodeFrame(version, seq, systemID, componentID byte, m Message) ([]byte, error) {
	return encodeFrame("", version, seq, systemID, componentID, m)
}

func encodeFrame(dialect string, version, seq, systemID, componentID byte, m Message) ([]byte, error) {
	rw, err := dialectRW(dialect)
	if err != nil {
		return nil, err
	}
	var fr frame.Frame
	var outVersion frame.WriterOutVersion
	switch version {
	case 1:
		if m.GetID() > 0xff {
			return nil, errors.NotSupportedf("msgid=%d in mavlink v1", m.GetID())
		}
		outVersion = frame.V1
		fr = &frame.V1Frame{SequenceNumber: seq, SystemID: systemID, ComponentID: componentID, Message: m}
	case 2:
		outVersion = frame.V2
		fr = &frame.V2Frame{SequenceNumber: seq, SystemID: systemID, ComponentID: componentID, Message: m}
	default:
		return nil, ErrNoVersion
	}

	// writer out ids are only used by WriteMessage, frame carries its own
	var buf bytes.Buffer
	w, err := frame.NewWriter(frame.WriterConf{
		Writer:         &buf,
		DialectRW:      rw,
		OutVersion:     outVersion,
		OutSystemID:    1,
		OutComponentID: 1,
	})
	if err != nil {
		return nil, errors.Annotate(err, "mavlink writer")
	}
	if err := w.WriteFrame(fr); err != nil {
		return nil, errors.Annotatef(err, "encode msgid=%d", m.GetID())
	}
	return buf.Bytes(), nil
}
