package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Magic values carried in the first int32 after the startup length, per §6.
const (
	MagicCancelRequest = 80877102
	MagicSSLRequest    = 80877103
	MagicGSSENCRequest = 80877104
	ProtocolV2         = 0x00020000
	ProtocolV3         = 0x00030000
)

const (
	minStartupLen = 8
	maxStartupLen = 10000
)

// StartupPacket is the parsed client startup message (§3, "StartupPacket").
// Raw holds the canonical comparison bytes built by CanonicalizeStartupPacket
// (key=value pairs with Options in sorted-key order, not the on-wire
// layout), so that two startup packets carrying
// the same option set are byte-identical regardless of the order the
// client sent them in (invariant 2, and the testable property in §8).
type StartupPacket struct {
	ProtoMajor      uint16
	ProtoMinor      uint16
	User            string
	Database        string
	ApplicationName string
	Options         map[string]string
	Raw             []byte
}

// ReadStartupEnvelope reads the length-prefixed envelope shared by the
// startup packet, CancelRequest and SSLRequest, returning the raw body
// (everything after the 4-byte length) and the leading int32 "code" field
// (protocol version or magic value).
func ReadStartupEnvelope(c *Codec) (code uint32, body []byte, err error) {
	lenBuf, err := c.Read(4)
	if err != nil {
		return 0, nil, err
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf))
	if msgLen < minStartupLen || msgLen > maxStartupLen {
		return 0, nil, fmt.Errorf("%w: invalid startup length %d", ErrProtocolViolation, msgLen)
	}
	body, err = c.Read(msgLen - 4)
	if err != nil {
		return 0, nil, err
	}
	if len(body) < 4 {
		return 0, nil, fmt.Errorf("%w: startup body too short", ErrProtocolViolation)
	}
	code = binary.BigEndian.Uint32(body[:4])
	return code, body, nil
}

// CancelKey identifies a (pid, cancel key) pair from a CancelRequest.
type CancelKey struct {
	Pid uint32
	Key uint32
}

// ParseCancelRequest decodes a CancelRequest body (the 4-byte magic already
// consumed as `code`; body[4:12] holds pid and key).
func ParseCancelRequest(body []byte) (CancelKey, error) {
	if len(body) < 12 {
		return CancelKey{}, fmt.Errorf("%w: short cancel request", ErrProtocolViolation)
	}
	return CancelKey{
		Pid: binary.BigEndian.Uint32(body[4:8]),
		Key: binary.BigEndian.Uint32(body[8:12]),
	}, nil
}

// ParseStartupPacket parses a V2 or V3 startup body (code already extracted
// as the protocol version) into a canonical StartupPacket. V3 bodies are a
// sequence of null-terminated key/value pairs terminated by an empty key;
// V2 bodies are the fixed legacy layout (protocol, database[64], user[32],
// additional options[64], unused[64], tty[64]) — rare today but still
// valid per §3.
func ParseStartupPacket(code uint32, body []byte) (*StartupPacket, error) {
	major := uint16(code >> 16)
	minor := uint16(code & 0xFFFF)

	sp := &StartupPacket{ProtoMajor: major, ProtoMinor: minor, Options: map[string]string{}}

	switch major {
	case 2:
		if err := parseV2Body(sp, body[4:]); err != nil {
			return nil, err
		}
	case 3:
		if err := parseV3Body(sp, body[4:]); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported protocol major version %d", ErrProtocolViolation, major)
	}

	if sp.User == "" {
		return nil, ErrMissingUser
	}

	sp.Raw = CanonicalizeStartupPacket(sp)
	return sp, nil
}

// ErrMissingUser is returned when a startup packet carries no "user" key.
var ErrMissingUser = fmt.Errorf("%w: missing user in startup packet", ErrProtocolViolation)

func parseV3Body(sp *StartupPacket, data []byte) error {
	for len(data) > 0 {
		if data[0] == 0 {
			break // terminator
		}
		key, rest, err := readCString(data)
		if err != nil {
			return err
		}
		val, rest2, err := readCString(rest)
		if err != nil {
			return err
		}
		switch key {
		case "user":
			sp.User = val
		case "database":
			sp.Database = val
		case "application_name":
			sp.ApplicationName = val
		default:
			sp.Options[key] = val
		}
		data = rest2
	}
	if sp.Database == "" {
		sp.Database = sp.User
	}
	return nil
}

func readCString(data []byte) (string, []byte, error) {
	idx := indexByte(data, 0)
	if idx < 0 {
		return "", nil, fmt.Errorf("%w: unterminated startup string", ErrProtocolViolation)
	}
	return string(data[:idx]), data[idx+1:], nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Fixed V2 layout field widths.
const (
	v2DatabaseLen = 64
	v2UserLen     = 32
	v2OptionsLen  = 64
	v2UnusedLen   = 64
	v2TTYLen      = 64
)

func parseV2Body(sp *StartupPacket, data []byte) error {
	want := v2DatabaseLen + v2UserLen + v2OptionsLen + v2UnusedLen + v2TTYLen
	if len(data) < want {
		return fmt.Errorf("%w: short V2 startup body", ErrProtocolViolation)
	}
	sp.Database = cstrField(data[:v2DatabaseLen])
	data = data[v2DatabaseLen:]
	sp.User = cstrField(data[:v2UserLen])
	data = data[v2UserLen:]
	opts := cstrField(data[:v2OptionsLen])
	if opts != "" {
		sp.Options["options"] = opts
	}
	if sp.Database == "" {
		sp.Database = sp.User
	}
	return nil
}

func cstrField(b []byte) string {
	idx := indexByte(b, 0)
	if idx < 0 {
		idx = len(b)
	}
	return string(b[:idx])
}

// CanonicalizeStartupPacket serializes a StartupPacket back to a comparable
// byte blob with V3 options sorted by key, so that two startup packets with
// the same (key,value) set produce byte-identical output regardless of the
// order the client sent them in. This backs invariant 2 and the pool
// reuse/byte-comparability contract in §3/§8.
func CanonicalizeStartupPacket(sp *StartupPacket) []byte {
	var b strings.Builder
	b.WriteString("user=")
	b.WriteString(sp.User)
	b.WriteByte(0)
	b.WriteString("database=")
	b.WriteString(sp.Database)
	b.WriteByte(0)
	if sp.ApplicationName != "" {
		b.WriteString("application_name=")
		b.WriteString(sp.ApplicationName)
		b.WriteByte(0)
	}

	keys := make([]string, 0, len(sp.Options))
	for k := range sp.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(sp.Options[k])
		b.WriteByte(0)
	}
	return []byte(b.String())
}

// Equal reports whether two startup packets are byte-identical after
// canonicalization — the pool reuse test in §8.
func (sp *StartupPacket) Equal(other *StartupPacket) bool {
	if sp == nil || other == nil {
		return sp == other
	}
	return string(sp.Raw) == string(other.Raw)
}

// MarshalV3 re-serializes the startup packet in on-wire V3 form (used when
// the proxy opens a fresh backend connection and must send a startup
// packet of its own, e.g. with canonicalized option order).
func MarshalV3(sp *StartupPacket) []byte {
	var body []byte
	appendKV := func(k, v string) {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	appendKV("user", sp.User)
	appendKV("database", sp.Database)
	if sp.ApplicationName != "" {
		appendKV("application_name", sp.ApplicationName)
	}
	keys := make([]string, 0, len(sp.Options))
	for k := range sp.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		appendKV(k, sp.Options[k])
	}
	body = append(body, 0) // terminator

	total := 4 + 4 + len(body)
	out := make([]byte, 4, total)
	binary.BigEndian.PutUint32(out[:4], uint32(total))
	var protoBuf [4]byte
	binary.BigEndian.PutUint32(protoBuf[:], uint32(ProtocolV3))
	out = append(out, protoBuf[:]...)
	out = append(out, body...)
	return out
}

// WriteSSLDenied writes the single 'N' byte that tells a client no SSL is
// available and it should retry the startup in cleartext.
func WriteSSLDenied(w io.Writer) error {
	_, err := w.Write([]byte{'N'})
	return err
}

// WriteSSLAccepted writes the single 'S' byte that precedes a TLS handshake.
func WriteSSLAccepted(w io.Writer) error {
	_, err := w.Write([]byte{'S'})
	return err
}
