package wire

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	codec := NewCodec(server)
	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := codec.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, byte('Q'), msg.Kind)
		assert.Equal(t, []byte("select 1;\x00"), msg.Payload)
	}()

	_, err := client.Write(MarshalMessage('Q', []byte("select 1;\x00")))
	require.NoError(t, err)
	<-done
}

func TestReadMessageEOFIsRoutine(t *testing.T) {
	r, w := net.Pipe()
	codec := NewCodec(r)
	w.Close()
	_, err := codec.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPushbackReplaysByte(t *testing.T) {
	codec := NewCodec(&loopConn{r: bytes.NewReader([]byte{'Z', 'Q'})})
	b, err := codec.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('Z'), b)

	codec.Pushback(b)
	peeked, err := codec.PeekByte()
	require.NoError(t, err)
	assert.Equal(t, byte('Z'), peeked)

	b2, err := codec.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('Z'), b2)

	b3, err := codec.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('Q'), b3)
}

func TestCanonicalizeStartupPacketOrderIndependent(t *testing.T) {
	p := &StartupPacket{User: "alice", Database: "app", Options: map[string]string{"client_encoding": "UTF8", "timezone": "UTC"}}
	q := &StartupPacket{User: "alice", Database: "app", Options: map[string]string{"timezone": "UTC", "client_encoding": "UTF8"}}
	p.Raw = CanonicalizeStartupPacket(p)
	q.Raw = CanonicalizeStartupPacket(q)
	assert.True(t, p.Equal(q))
}

func TestParseStartupPacketV3(t *testing.T) {
	body := buildV3Body(t, map[string]string{"user": "alice", "database": "app", "application_name": "psql"})
	sp, err := ParseStartupPacket(uint32(ProtocolV3), body)
	require.NoError(t, err)
	assert.Equal(t, "alice", sp.User)
	assert.Equal(t, "app", sp.Database)
	assert.Equal(t, "psql", sp.ApplicationName)
}

func TestParseStartupPacketMissingUser(t *testing.T) {
	body := buildV3Body(t, map[string]string{"database": "app"})
	_, err := ParseStartupPacket(uint32(ProtocolV3), body)
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestWdFrameRoundTrip(t *testing.T) {
	f := &WdFrame{Type: WdIAmCoordinator, CommandID: 42, Data: []byte(`{"quorum":1}`)}
	var buf bytes.Buffer
	require.NoError(t, WriteWdFrame(&buf, f))

	got, err := ReadWdFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.CommandID, got.CommandID)
	assert.Equal(t, f.Data, got.Data)
}

func buildV3Body(t *testing.T, kv map[string]string) []byte {
	t.Helper()
	body := make([]byte, 4) // placeholder for proto version, stripped by caller convention
	for k, v := range kv {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)
	return body
}

// loopConn adapts a bytes.Reader to io.ReadWriteCloser for codec tests that
// don't need a real socket.
type loopConn struct {
	r *bytes.Reader
}

func (l *loopConn) Read(p []byte) (int, error)  { return l.r.Read(p) }
func (l *loopConn) Write(p []byte) (int, error) { return len(p), nil }
func (l *loopConn) Close() error                { return nil }
