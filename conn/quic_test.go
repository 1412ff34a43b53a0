// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package conn

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/wispnet/wisp/circuit"
	"github.com/wispnet/wisp/core/exitpolicy"
)

func TestNewQuicConnNil(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.Panics(func() { NewQuicConn(nil, &quic.Stream{}) }, "nil connection")
	require.Panics(func() { NewQuicConn(&quic.Conn{}, nil) }, "nil stream")
}

func TestQuicConnEcho(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ql, err := quic.ListenAddr("127.0.0.1:0", GenerateTLSConfig(), nil)
	require.NoError(err)
	l := &QuicListener{Listener: ql}
	defer l.Close()

	echoErr := make(chan error, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			echoErr <- err
			return
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(nc, buf); err != nil {
			echoErr <- err
			return
		}
		_, err = nc.Write(buf)
		echoErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	nc, err := dialQUIC(ctx, l.Addr().String())
	require.NoError(err)
	defer nc.Close()

	require.NotNil(nc.LocalAddr())
	require.NotNil(nc.RemoteAddr())

	// The stream only becomes visible to the peer once it carries data.
	_, err = nc.Write([]byte("ping"))
	require.NoError(err)

	require.NoError(nc.SetReadDeadline(time.Now().Add(time.Minute)))
	buf := make([]byte, 4)
	_, err = io.ReadFull(nc, buf)
	require.NoError(err)
	require.Equal([]byte("ping"), buf)

	require.NoError(<-echoErr)
}

func TestDialQUICLink(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.RejectAll())

	ql, err := quic.ListenAddr("127.0.0.1:0", GenerateTLSConfig(), nil)
	require.NoError(err)
	l := &QuicListener{Listener: ql}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- nc
	}()
	go func() {
		// Accept completes once the first cell arrives.
		newRelayEnd(<-accepted, a)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c, err := Dial(ctx, &Config{LogBackend: newTestBackend(t)}, "quic://"+l.Addr().String())
	require.NoError(err)
	defer c.Close()

	circ, err := c.NewCircuit(circuit.TypeInternal)
	require.NoError(err)
	require.NoError(circ.Build(ctx, []circuit.Router{a}))
	require.True(circ.IsConnected())

	circ.Destroy()
	require.True(c.IsLive())
}
