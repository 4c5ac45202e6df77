// Package wire implements the Configuration Codec of spec.md §4.2: a total,
// injective round-trip between the in-memory SNI map / control messages and
// the bytes persisted through the Blob Store or sent over the control
// channel.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// Backend is the (backend_host, backend_port) pair spec.md §3 associates
// with each SNI map key.
type Backend struct {
	Host string
	Port uint16
}

// Entry is a single SNI-map record, used by List replies and by the map
// codec below.
type Entry struct {
	SNI string
	Backend
}

// SNIMap is spec.md §3's SNI map: case-insensitive domain name (or the
// literal "default") to backend. Keys are stored lower-cased so lookups are
// case-insensitive by construction.
type SNIMap map[string]Backend

// NormalizeSNI lower-cases an SNI key the way every map lookup and mutation
// must, per spec.md §3 ("case-insensitive domain name").
func NormalizeSNI(sni string) string { return strings.ToLower(sni) }

// EncodeMap implements encode_data. The wire shape is a count followed by
// length-prefixed (sni, host, port) records. Records are written in map
// iteration order, so two encodings of the same map may differ byte for
// byte; every such encoding decodes to the same map.
func EncodeMap(m SNIMap) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(m)))
	for sni, be := range m {
		buf = appendEntry(buf, sni, be)
	}
	return buf
}

func appendEntry(buf []byte, sni string, be Backend) []byte {
	buf = appendString(buf, sni)
	buf = appendString(buf, be.Host)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, be.Port)
	return append(buf, portBuf...)
}

func appendString(buf []byte, s string) []byte {
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(s)))
	buf = append(buf, lenBuf...)
	return append(buf, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("wire: truncated string length")
	}
	n := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	if len(data) < n {
		return "", nil, fmt.Errorf("wire: truncated string body")
	}
	return string(data[:n]), data[n:], nil
}

// DecodeMap implements decode_data. An empty byte sequence decodes to an
// empty map, per spec.md §4.2.
func DecodeMap(data []byte) (SNIMap, error) {
	if len(data) == 0 {
		return SNIMap{}, nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("wire: truncated map count")
	}
	count := binary.BigEndian.Uint32(data[:4])
	data = data[4:]

	m := make(SNIMap, count)
	for i := uint32(0); i < count; i++ {
		sni, rest, err := readString(data)
		if err != nil {
			return nil, err
		}
		host, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) < 2 {
			return nil, fmt.Errorf("wire: truncated port")
		}
		port := binary.BigEndian.Uint16(rest)
		rest = rest[2:]

		m[NormalizeSNI(sni)] = Backend{Host: host, Port: port}
		data = rest
	}
	return m, nil
}

// ValidateHost reports whether host is a literal IPv4 or IPv6 address, per
// spec.md §3's requirement that backend_host be an address literal rather
// than a name to resolve.
func ValidateHost(host string) error {
	if net.ParseIP(host) == nil {
		return fmt.Errorf("wire: %q is not an IPv4 or IPv6 address literal", host)
	}
	return nil
}
