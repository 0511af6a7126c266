package mavlink

import (
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/bluenviron/gomavlib/v3/pkg/dialect"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/minimal"
	"github.com/juju/errors"
)

const DefaultDialect = "ardupilotmega"

var dialects = map[string]*dialect.Dialect{
	"ardupilotmega": ardupilotmega.Dialect,
	"common":        common.Dialect,
	"minimal":       minimal.Dialect,
}

// Dialect read-writers are built once, they precompute CRC extras of every message.
var rwCache struct {
	sync.Mutex
	m     map[string]*dialect.ReadWriter
	names map[uint32]string
}

func Dialects() []string {
	ds := make([]string, 0, len(dialects))
	for name := range dialects {
		ds = append(ds, name)
	}
	sort.Strings(ds)
	return ds
}

func CheckDialect(name string) error {
	if _, ok := dialects[name]; ok {
		return nil
	}
	return errors.NotValidf("dialect=%s (expected one of %s)", name, strings.Join(Dialects(), ","))
}

// dialectRW returns shared read-writer, empty name means DefaultDialect.
func dialectRW(name string) (*dialect.ReadWriter, error) {
	if name == "" {
		name = DefaultDialect
	}
	d, ok := dialects[name]
	if !ok {
		return nil, CheckDialect(name)
	}
	rwCache.Lock()
	defer rwCache.Unlock()
	if rw, ok := rwCache.m[name]; ok {
		return rw, nil
	}
	rw, err := dialect.NewReadWriter(d)
	if err != nil {
		return nil, errors.Annotatef(err, "dialect=%s", name)
	}
	if rwCache.m == nil {
		rwCache.m = make(map[string]*dialect.ReadWriter)
		rwCache.names = make(map[uint32]string)
	}
	rwCache.m[name] = rw
	for _, m := range d.Messages {
		if _, ok := rwCache.names[m.GetID()]; !ok {
			rwCache.names[m.GetID()] = messageName(m)
		}
	}
	return rw, nil
}

// messageName converts Go type name to MAVLink name: MessageGpsRawInt -> GPS_RAW_INT.
func messageName(m interface{}) string {
	t := reflect.TypeOf(m)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	s := strings.TrimPrefix(t.Name(), "Message")
	var b strings.Builder
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			prev := rune(s[i-1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// ParseVersion accepts "1", "1.0", "2", "2.0".
func ParseVersion(s string) (byte, error) {
	switch s {
	case "1", "1.0":
		return 1, nil
	case "2", "2.0", "":
		return 2, nil
	}
	return 0, errors.NotValidf("mavlink version=%s", s)
}
