package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/policy"
	"github.com/cyberinferno/go-remotedb/session"
)

func TestFrame(t *testing.T) {
	t.Run("length counts the header", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, []byte("hello")))

		raw := buf.Bytes()
		assert.Equal(t, uint32(9), binary.LittleEndian.Uint32(raw))
		assert.Equal(t, "hello", string(raw[HeaderSize:]))

		body, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))
	})

	t.Run("empty frames are skipped", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write([]byte{0, 0, 0, 0})
		require.NoError(t, WriteFrame(&buf, []byte("x")))

		body, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, "x", string(body))
	})

	t.Run("oversized frames are rejected", func(t *testing.T) {
		var header [HeaderSize]byte
		binary.LittleEndian.PutUint32(header[:], MaxFrameSize+1)

		_, err := ReadFrame(bytes.NewReader(header[:]))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.ErrorIs(t, WriteFrame(io.Discard, make([]byte, MaxFrameSize)), ErrFrameTooLarge)
	})

	t.Run("truncated frames fail", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, []byte("hello")))

		_, err := ReadFrame(bytes.NewReader(buf.Bytes()[:6]))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestCodec(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	client, server := NewCodec(a), NewCodec(b)
	done := make(chan error, 1)
	go func() {
		var req Request
		if err := server.Read(&req); err != nil {
			done <- err
			return
		}
		done <- server.Write(NewResponse(req.Seq, LookupReply{Name: "remotedb", Transport: "plain", Port: 28000}, nil))
	}()

	require.NoError(t, client.Write(&Request{Seq: 7, Op: OpLookup}))
	var resp Response
	require.NoError(t, client.Read(&resp))
	require.NoError(t, <-done)

	assert.Equal(t, uint64(7), resp.Seq)
	var reply LookupReply
	require.NoError(t, resp.Decode(&reply))
	assert.Equal(t, 28000, reply.Port)
}

func TestErrors(t *testing.T) {
	roundTrip := func(t *testing.T, err error) error {
		t.Helper()
		raw, merr := json.Marshal(NewResponse(1, nil, err))
		require.NoError(t, merr)

		var resp Response
		require.NoError(t, json.Unmarshal(raw, &resp))
		require.NotNil(t, resp.Error)
		return resp.Decode(nil)
	}

	t.Run("closed sessions", func(t *testing.T) {
		err := roundTrip(t, fmt.Errorf("call: %w", session.ErrSessionClosed))
		assert.ErrorIs(t, err, session.ErrSessionClosed)
	})

	t.Run("dispatch errors keep op class and cause", func(t *testing.T) {
		err := roundTrip(t, &session.DispatchError{Op: "call", Class: "shop.Customer", Cause: fmt.Errorf("row 3: %w", db.ErrNotFound)})

		var de *session.DispatchError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "call", de.Op)
		assert.Equal(t, "shop.Customer", de.Class)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("auth errors", func(t *testing.T) {
		err := roundTrip(t, &session.AuthError{User: "ann", Cause: errors.New("bad password")})

		var ae *session.AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "ann", ae.User)
		assert.EqualError(t, ae.Cause, "bad password")
	})

	t.Run("config errors inside dispatch errors", func(t *testing.T) {
		err := roundTrip(t, &session.DispatchError{Op: "delegate", Cause: &policy.ConfigError{Key: "ports", Value: "28002", Reason: "planned on 28001"}})

		var ce *policy.ConfigError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "ports", ce.Key)
		assert.Equal(t, "28002", ce.Value)
	})

	t.Run("conflicts", func(t *testing.T) {
		err := roundTrip(t, fmt.Errorf("update: %w", db.ErrConflict))
		assert.ErrorIs(t, err, db.ErrConflict)
	})

	t.Run("anything else is a protocol error", func(t *testing.T) {
		err := roundTrip(t, errors.New("boom"))

		var we *Error
		require.ErrorAs(t, err, &we)
		assert.Equal(t, KindProtocol, we.Kind)
		assert.EqualError(t, err, "boom")
	})
}
