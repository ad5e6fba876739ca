package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New("127.0.0.1:0", []byte("test-broker"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// TestBroker_S5_RosterEvictionAfterSilence exercises scenario S5: a peer
// silent since before the start of the previous sweep is evicted and the
// roster is marked dirty; a peer heard since then survives the same sweep.
func TestBroker_S5_RosterEvictionAfterSilence(t *testing.T) {
	b := newTestBroker(t)

	b.roster["stale"] = &rosterEntry{identity: []byte("stale"), lastHeardMs: 1000}
	b.roster["fresh"] = &rosterEntry{identity: []byte("fresh"), lastHeardMs: 9000}
	b.lastSweepAt = 5000 // set by a prior sweep

	b.sweep()

	_, staleStillPresent := b.roster["stale"]
	_, freshStillPresent := b.roster["fresh"]
	assert.False(t, staleStillPresent, "peer silent since before the previous sweep must be evicted")
	assert.True(t, freshStillPresent, "peer heard after the previous sweep must survive")
	assert.True(t, b.rosterDirty)
}

func TestBroker_Sweep_NoEvictionsLeavesRosterClean(t *testing.T) {
	b := newTestBroker(t)
	b.roster["fresh"] = &rosterEntry{identity: []byte("fresh"), lastHeardMs: 9000}
	b.lastSweepAt = 5000
	b.rosterDirty = false

	b.sweep()

	assert.False(t, b.rosterDirty)
	assert.Len(t, b.roster, 1)
}

func TestBroker_MaybeBroadcastRoster_OnlyFiresWhenDirty(t *testing.T) {
	b := newTestBroker(t)
	cmdCh := make(chan struct{ fired bool }, 1)
	_ = cmdCh

	b.rosterDirty = false
	b.maybeBroadcastRoster() // must not panic or block with zero workers registered
	assert.False(t, b.rosterDirty)

	b.roster["x"] = &rosterEntry{identity: []byte("x")}
	b.rosterDirty = true
	b.maybeBroadcastRoster()
	assert.False(t, b.rosterDirty, "broadcasting clears the dirty flag")
}
