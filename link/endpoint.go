package link

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

type Kind string

const (
	KindTCPClient Kind = "tcpclient"
	KindTCPServer Kind = "tcpserver"
	KindUDPClient Kind = "udpclient"
	KindUDPServer Kind = "udpserver"
	KindSerial    Kind = "serial"
)

var kinds = []Kind{KindTCPClient, KindTCPServer, KindUDPClient, KindUDPServer, KindSerial}

// Endpoint is canonical link address, i.e. "tcpclient:127.0.0.1:5760" or "serial:/dev/ttyACM0:115200".
// Port holds baud rate for serial kind.
type Endpoint struct {
	Kind    Kind
	Address string
	Port    int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%s:%d", e.Kind, e.Address, e.Port) }

func (e Endpoint) HostPort() string {
	return strings.Join([]string{e.Address, strconv.Itoa(e.Port)}, ":")
}

// ParseKind accepts hyphenated aliases like "tcp-client".
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.Replace(s, "-", "", -1)))
	for _, known := range kinds {
		if k == known {
			return k, nil
		}
	}
	return "", errors.NotValidf("link kind=%s", s)
}

func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Endpoint{}, errors.NotValidf("link=%s expected kind:address:port", s)
	}
	return parseEndpointParts(s, parts)
}

func parseEndpointParts(s string, parts []string) (Endpoint, error) {
	kind, err := ParseKind(parts[0])
	if err != nil {
		return Endpoint{}, err
	}
	e := Endpoint{Kind: kind, Address: parts[1]}
	if e.Address == "" {
		return Endpoint{}, errors.NotValidf("link=%s address empty", s)
	}
	e.Port, err = strconv.Atoi(parts[2])
	if err != nil {
		return Endpoint{}, errors.NotValidf("link=%s port=%s", s, parts[2])
	}
	if kind == KindSerial {
		if e.Port <= 0 {
			return Endpoint{}, errors.NotValidf("link=%s baud=%d", s, e.Port)
		}
	} else if e.Port <= 0 || e.Port > 65535 {
		return Endpoint{}, errors.NotValidf("link=%s port=%d", s, e.Port)
	}
	return e, nil
}

// Source is bootstrap connection string with vehicle target ids,
// "kind:address:port:target_system:target_component".
type Source struct {
	Endpoint
	TargetSystem    uint8
	TargetComponent uint8
}

func (s Source) String() string {
	return fmt.Sprintf("%s:%d:%d", s.Endpoint, s.TargetSystem, s.TargetComponent)
}

func ParseSource(s string) (Source, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 5 {
		return Source{}, errors.NotValidf("source=%s expected kind:address:port:system:component", s)
	}
	e, err := parseEndpointParts(s, parts[:3])
	if err != nil {
		return Source{}, err
	}
	sys, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil {
		return Source{}, errors.NotValidf("source=%s system=%s", s, parts[3])
	}
	comp, err := strconv.ParseUint(parts[4], 10, 8)
	if err != nil {
		return Source{}, errors.NotValidf("source=%s component=%s", s, parts[4])
	}
	return Source{Endpoint: e, TargetSystem: uint8(sys), TargetComponent: uint8(comp)}, nil
}
