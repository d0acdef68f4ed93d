package backendpool

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/ocx/pgproxy/internal/auth"
	"github.com/ocx/pgproxy/internal/wire"
)

// Authentication request type codes sent in the backend's AuthenticationXXX
// message, per the PostgreSQL frontend/backend protocol.
const (
	authTypeOK                = 0
	authTypeCleartextPassword = 3
	authTypeMD5Password       = 5
	authTypeSASL              = 10
	authTypeSASLContinue      = 11
	authTypeSASLFinal         = 12
)

// CredentialLookup resolves the cleartext password to present for a given
// startup packet, mirroring the teacher's per-tenant credential resolution
// shape but keyed by (user,database) instead of tenant id.
type CredentialLookup func(sp *wire.StartupPacket) (password string, ok bool)

// WireAuthenticator is the real backendpool.Authenticator: it drives the
// startup+authentication handshake against an already-dialed, already-sent
// StartupMessage backend connection, speaking cleartext, MD5, or
// SCRAM-SHA-256 depending on what the backend requests.
//
// Grounded on the SCRAM/MD5 primitives in internal/auth (lifted to a full
// wire exchange here) and the teacher's internal/identity package's
// challenge-response framing style.
type WireAuthenticator struct {
	Credentials CredentialLookup
}

// Authenticate implements backendpool.Authenticator.
func (w WireAuthenticator) Authenticate(codec *wire.Codec, sp *wire.StartupPacket) (uint32, uint32, map[string]string, TxState, error) {
	password, _ := w.passwordFor(sp)

	for {
		msg, err := codec.ReadMessage()
		if err != nil {
			return 0, 0, nil, TxIdle, fmt.Errorf("backendpool: reading auth message: %w", err)
		}
		switch msg.Kind {
		case wire.KindErrorResponse:
			return 0, 0, nil, TxIdle, fmt.Errorf("backendpool: backend rejected authentication: %s", describeError(msg.Payload))
		case wire.KindAuthentication:
			done, err := w.handleAuthMessage(codec, msg.Payload, password, sp)
			if err != nil {
				return 0, 0, nil, TxIdle, err
			}
			if done {
				return w.drainToReady(codec)
			}
		default:
			return 0, 0, nil, TxIdle, fmt.Errorf("backendpool: unexpected message %q during authentication", msg.Kind)
		}
	}
}

func (w WireAuthenticator) passwordFor(sp *wire.StartupPacket) (string, bool) {
	if w.Credentials == nil {
		return "", false
	}
	return w.Credentials(sp)
}

// handleAuthMessage dispatches one AuthenticationXXX payload, returning
// done=true once the backend has sent AuthenticationOk.
func (w WireAuthenticator) handleAuthMessage(codec *wire.Codec, payload []byte, password string, sp *wire.StartupPacket) (bool, error) {
	if len(payload) < 4 {
		return false, fmt.Errorf("backendpool: truncated authentication payload")
	}
	authType := binary.BigEndian.Uint32(payload[:4])
	switch authType {
	case authTypeOK:
		return true, nil
	case authTypeCleartextPassword:
		return false, sendPasswordMessage(codec, password)
	case authTypeMD5Password:
		if len(payload) < 8 {
			return false, fmt.Errorf("backendpool: truncated MD5 salt")
		}
		var salt [4]byte
		copy(salt[:], payload[4:8])
		return false, sendPasswordMessage(codec, auth.HashMD5Password(sp.User, password, salt))
	case authTypeSASL:
		return false, w.performSCRAM(codec, payload[4:], password, sp.User)
	default:
		return false, fmt.Errorf("backendpool: unsupported authentication type %d", authType)
	}
}

func sendPasswordMessage(codec *wire.Codec, value string) error {
	payload := append([]byte(value), 0)
	if err := codec.WriteMessage(&wire.Message{Kind: wire.KindPasswordMessage, Payload: payload}); err != nil {
		return err
	}
	return codec.Flush()
}

// performSCRAM drives the full SCRAM-SHA-256 exchange (RFC 5802, as used by
// PostgreSQL's SASL mechanism): client-first-message, then read
// AuthenticationSASLContinue, send client-final-message, then read
// AuthenticationSASLFinal.
func (w WireAuthenticator) performSCRAM(codec *wire.Codec, mechanisms []byte, password, user string) error {
	if !strings.Contains(string(mechanisms), "SCRAM-SHA-256") {
		return fmt.Errorf("backendpool: backend does not offer SCRAM-SHA-256")
	}

	nonce, err := randomNonce()
	if err != nil {
		return err
	}
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", user, nonce)
	initial := "n,," + clientFirstBare

	if err := writeSASLInitial(codec, initial); err != nil {
		return err
	}

	cont, err := readAuthMessage(codec, authTypeSASLContinue)
	if err != nil {
		return err
	}
	serverFirst := string(cont)
	serverNonce, salt, iterations, err := parseServerFirstMessage(serverFirst)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(serverNonce, nonce) {
		return fmt.Errorf("backendpool: SCRAM server nonce does not extend client nonce")
	}

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	saltedPassword := auth.ScramSaltedPassword(password, salt, iterations)
	clientKey := auth.ScramClientKey(saltedPassword)
	storedKey := auth.ScramStoredKey(clientKey)
	clientSignature := auth.ScramClientSignature(storedKey, []byte(authMessage))
	proof := auth.ScramClientProof(clientKey, clientSignature)

	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
	if err := writeSASLResponse(codec, clientFinal); err != nil {
		return err
	}

	if _, err := readAuthMessage(codec, authTypeSASLFinal); err != nil {
		return err
	}
	return nil
}

func writeSASLInitial(codec *wire.Codec, clientFirst string) error {
	var buf []byte
	buf = append(buf, []byte("SCRAM-SHA-256")...)
	buf = append(buf, 0)
	lenBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBytes, uint32(len(clientFirst)))
	buf = append(buf, lenBytes...)
	buf = append(buf, []byte(clientFirst)...)
	if err := codec.WriteMessage(&wire.Message{Kind: wire.KindPasswordMessage, Payload: buf}); err != nil {
		return err
	}
	return codec.Flush()
}

func writeSASLResponse(codec *wire.Codec, response string) error {
	if err := codec.WriteMessage(&wire.Message{Kind: wire.KindPasswordMessage, Payload: []byte(response)}); err != nil {
		return err
	}
	return codec.Flush()
}

// readAuthMessage reads the next message, requiring it to be an
// Authentication message of exactly wantType, and returns its remaining
// payload (past the 4-byte type code).
func readAuthMessage(codec *wire.Codec, wantType uint32) ([]byte, error) {
	msg, err := codec.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msg.Kind == wire.KindErrorResponse {
		return nil, fmt.Errorf("backendpool: backend rejected SASL exchange: %s", describeError(msg.Payload))
	}
	if msg.Kind != wire.KindAuthentication || len(msg.Payload) < 4 {
		return nil, fmt.Errorf("backendpool: expected authentication message, got %q", msg.Kind)
	}
	got := binary.BigEndian.Uint32(msg.Payload[:4])
	if got != wantType {
		return nil, fmt.Errorf("backendpool: expected SASL auth type %d, got %d", wantType, got)
	}
	return msg.Payload[4:], nil
}

// parseServerFirstMessage extracts r=, s=, i= from a SCRAM
// server-first-message.
func parseServerFirstMessage(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, field := range strings.Split(msg, ",") {
		if len(field) < 2 || field[1] != '=' {
			continue
		}
		switch field[0] {
		case 'r':
			nonce = field[2:]
		case 's':
			salt, err = base64.StdEncoding.DecodeString(field[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("backendpool: decoding SCRAM salt: %w", err)
			}
		case 'i':
			iterations, err = strconv.Atoi(field[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("backendpool: parsing SCRAM iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("backendpool: incomplete SCRAM server-first-message")
	}
	return nonce, salt, iterations, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

// drainToReady reads ParameterStatus/BackendKeyData/ReadyForQuery messages
// following AuthenticationOk, collecting the fields Entry needs.
func (w WireAuthenticator) drainToReady(codec *wire.Codec) (uint32, uint32, map[string]string, TxState, error) {
	params := make(map[string]string)
	var pid, key uint32
	for {
		msg, err := codec.ReadMessage()
		if err != nil {
			return 0, 0, nil, TxIdle, fmt.Errorf("backendpool: reading post-auth message: %w", err)
		}
		switch msg.Kind {
		case wire.KindParameterStatus:
			name, rest, err := cString(msg.Payload)
			if err != nil {
				return 0, 0, nil, TxIdle, err
			}
			value, _, err := cString(rest)
			if err != nil {
				return 0, 0, nil, TxIdle, err
			}
			params[name] = value
		case wire.KindBackendKeyData:
			if len(msg.Payload) < 8 {
				return 0, 0, nil, TxIdle, fmt.Errorf("backendpool: truncated BackendKeyData")
			}
			pid = binary.BigEndian.Uint32(msg.Payload[0:4])
			key = binary.BigEndian.Uint32(msg.Payload[4:8])
		case wire.KindReadyForQuery:
			if len(msg.Payload) < 1 {
				return 0, 0, nil, TxIdle, fmt.Errorf("backendpool: truncated ReadyForQuery")
			}
			return pid, key, params, TxState(msg.Payload[0]), nil
		case wire.KindErrorResponse, wire.KindNoticeResponse:
			if msg.Kind == wire.KindErrorResponse {
				return 0, 0, nil, TxIdle, fmt.Errorf("backendpool: backend error during startup: %s", describeError(msg.Payload))
			}
		}
	}
}

func cString(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("backendpool: missing null terminator")
}

// describeError extracts the 'M' (message) field from a V3 field-tagged
// ErrorResponse payload for a readable error, falling back to the raw bytes.
func describeError(payload []byte) string {
	i := 0
	for i < len(payload) && payload[i] != 0 {
		tag := payload[i]
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		value := string(payload[start:i])
		i++ // skip null
		if tag == 'M' {
			return value
		}
	}
	return string(payload)
}
