package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qarbaudio/qarb/internal/broker"
	"github.com/qarbaudio/qarb/internal/deviceid"
	"github.com/qarbaudio/qarb/internal/worker"
)

func newBrokerOn(t *testing.T, identity string) *broker.Broker {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b, err := broker.New("127.0.0.1:0", []byte(identity), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// TestBroker_ConnectReceivesIdentityReply exercises the "connecting to a new
// peer" handshake over real loopback UDP sockets: A probes B with an empty
// datagram, B replies with its own identity, and A's pending connect
// resolves with that identity.
func TestBroker_ConnectReceivesIdentityReply(t *testing.T) {
	a := newBrokerOn(t, "node-a")
	b := newBrokerOn(t, "node-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	bAddr := b.LocalAddr().String()
	id, err := a.Connect(ctx, bAddr)
	require.NoError(t, err)
	assert.Equal(t, "node-b", string(id))
}

func TestBroker_Connect_TimesOutAgainstDeadAddr(t *testing.T) {
	a := newBrokerOn(t, "node-a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// Bind and immediately close a socket so the address is refused/unreachable.
	dead := newBrokerOn(t, "node-dead")
	deadAddr := dead.LocalAddr().String()
	require.NoError(t, dead.Close())

	start := time.Now()
	_, err := a.Connect(ctx, deadAddr)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), broker.ConnectTimeout+time.Second)
}

// TestBroker_S6_ShutdownJoinsEveryWorker exercises scenario S6: every
// registered worker receives exactly one Shutdown command and its event
// loop returns promptly; the broker only closes its socket once every
// worker has joined.
func TestBroker_S6_ShutdownJoinsEveryWorker(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b := newBrokerOn(t, "node-a")

	workers := make([]*worker.Worker, 0, 3)
	dones := make([]chan struct{}, 0, 3)
	for i := 0; i < 3; i++ {
		w, err := worker.New(deviceid.Next(), 1, 48000, logger)
		require.NoError(t, err)
		workers = append(workers, w)
		b.RegisterWorker(w.ID, w)

		done := make(chan struct{})
		dones = append(dones, done)
		go func(w *worker.Worker, done chan struct{}) {
			w.Run(context.Background())
			close(done)
		}(w, done)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	b.BroadcastShutdown()

	for i, done := range dones {
		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("worker %d did not join within 500ms of shutdown", i)
		}
	}

	cancel()
	assert.NoError(t, b.Close())
}
