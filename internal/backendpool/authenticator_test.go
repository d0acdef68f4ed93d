package backendpool

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/ocx/pgproxy/internal/auth"
	"github.com/ocx/pgproxy/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authMsg(authType uint32, rest []byte) *wire.Message {
	payload := make([]byte, 4+len(rest))
	binary.BigEndian.PutUint32(payload[:4], authType)
	copy(payload[4:], rest)
	return &wire.Message{Kind: wire.KindAuthentication, Payload: payload}
}

func sendReadyBundle(t *testing.T, codec *wire.Codec) {
	t.Helper()
	require.NoError(t, codec.WriteMessage(authMsg(authTypeOK, nil)))
	require.NoError(t, codec.WriteMessage(&wire.Message{Kind: wire.KindParameterStatus, Payload: append(append([]byte("server_version"), 0), append([]byte("14.0"), 0)...)}))
	keyData := make([]byte, 8)
	binary.BigEndian.PutUint32(keyData[0:4], 777)
	binary.BigEndian.PutUint32(keyData[4:8], 888)
	require.NoError(t, codec.WriteMessage(&wire.Message{Kind: wire.KindBackendKeyData, Payload: keyData}))
	require.NoError(t, codec.WriteMessage(&wire.Message{Kind: wire.KindReadyForQuery, Payload: []byte{wire.TxIdle}}))
	require.NoError(t, codec.Flush())
}

func TestWireAuthenticatorCleartextPassword(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		codec := wire.NewCodec(server)
		require.NoError(t, codec.WriteMessage(authMsg(authTypeCleartextPassword, nil)))
		require.NoError(t, codec.Flush())

		msg, err := codec.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, byte(wire.KindPasswordMessage), msg.Kind)
		assert.Equal(t, "secret\x00", string(msg.Payload))

		sendReadyBundle(t, codec)
	}()

	w := WireAuthenticator{Credentials: func(sp *wire.StartupPacket) (string, bool) { return "secret", true }}
	codec := wire.NewCodec(client)
	pid, key, params, tx, err := w.Authenticate(codec, &wire.StartupPacket{User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, uint32(777), pid)
	assert.Equal(t, uint32(888), key)
	assert.Equal(t, "14.0", params["server_version"])
	assert.Equal(t, TxIdle, tx)
}

func TestWireAuthenticatorMD5Password(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	salt := [4]byte{1, 2, 3, 4}
	expected := auth.HashMD5Password("bob", "hunter2", salt)

	go func() {
		codec := wire.NewCodec(server)
		require.NoError(t, codec.WriteMessage(authMsg(authTypeMD5Password, salt[:])))
		require.NoError(t, codec.Flush())

		msg, err := codec.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, expected+"\x00", string(msg.Payload))

		sendReadyBundle(t, codec)
	}()

	w := WireAuthenticator{Credentials: func(sp *wire.StartupPacket) (string, bool) { return "hunter2", true }}
	codec := wire.NewCodec(client)
	_, _, _, _, err := w.Authenticate(codec, &wire.StartupPacket{User: "bob"})
	require.NoError(t, err)
}

func TestWireAuthenticatorRejectsErrorResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		codec := wire.NewCodec(server)
		payload := append(append([]byte{'M'}, []byte("password authentication failed")...), 0, 0)
		require.NoError(t, codec.WriteMessage(&wire.Message{Kind: wire.KindErrorResponse, Payload: payload}))
		require.NoError(t, codec.Flush())
	}()

	w := WireAuthenticator{Credentials: func(sp *wire.StartupPacket) (string, bool) { return "wrong", true }}
	codec := wire.NewCodec(client)
	_, _, _, _, err := w.Authenticate(codec, &wire.StartupPacket{User: "bob"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password authentication failed")
}
