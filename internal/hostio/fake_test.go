package hostio_test

import (
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/msrvcomm-successor/l7lb/internal/hostio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeHostIOAcceptAndRecv(t *testing.T) {
	h := hostio.NewFakeHostIO(clockwork.NewFakeClock())

	var gotPeer string
	var recvd []byte
	_, err := h.Listen(9000, func(sock hostio.Socket, peerAddr string) {
		gotPeer = peerAddr
		sock.SetCallbacks(hostio.Callbacks{
			OnRecv: func(data []byte) { recvd = append(recvd, data...) },
		})
	})
	require.NoError(t, err)

	sock := h.SimulateAccept(9000, "10.0.0.1:5555")
	assert.Equal(t, "10.0.0.1:5555", gotPeer)

	sock.SimulateRecv([]byte("hello"))
	assert.Equal(t, "hello", string(recvd))
}

func TestFakeHostIOConnectSuccessAndFailure(t *testing.T) {
	h := hostio.NewFakeHostIO(clockwork.NewFakeClock())

	var connected hostio.Socket
	h.Connect("backend:1", hostio.Callbacks{
		OnConnectSuccess: func(sock hostio.Socket) { connected = sock },
	})
	assert.NotNil(t, connected)

	h.SetDialFailure("backend:2", errors.New("refused"))
	var failErr error
	h.Connect("backend:2", hostio.Callbacks{
		OnConnectFail: func(err error) { failErr = err },
	})
	assert.EqualError(t, failErr, "refused")
}

func TestFakeSocketShortWriteAndDrain(t *testing.T) {
	h := hostio.NewFakeHostIO(clockwork.NewFakeClock())
	var writable bool
	sock := h.SimulateAccept(9001, "peer:1")
	sock.SetCallbacks(hostio.Callbacks{OnWritable: func(int) { writable = true }})
	sock.SetCapacity(4)

	n := sock.Send([]byte("12345678"))
	assert.Equal(t, 4, n, "short write once capacity is exhausted")

	sock.Drain()
	assert.True(t, writable)
}
