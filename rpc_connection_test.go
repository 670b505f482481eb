package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHubConnection registers a connection with a buffered write sink, the way
// HandleConnection does before any request is read.
func newHubConnection(t *testing.T, hub *rpcConnectionHub, connID, userID string, sinkSize int) *RPCConnection {
	t.Helper()
	conn := &RPCConnection{
		connectionID: connID,
		userID:       userID,
		logger:       NewLoggerIPFS("test").With("connectionID", connID),
		writeSink:    make(chan []byte, sinkSize),
		processSink:  make(chan []byte, 1),
		closeConnCh:  make(chan struct{}, 1),
	}
	require.NoError(t, hub.Add(conn))
	return conn
}

func turnResultFrame(t *testing.T, battleID string, turn int) []byte {
	t.Helper()
	frame, err := prepareRawNotification(TurnResultEvent, TurnResult{BattleID: battleID, Turn: turn})
	require.NoError(t, err)
	return frame
}

func TestRPCConnectionWrite(t *testing.T) {
	tcs := []struct {
		name       string
		sinkSize   int
		wantQueued bool
	}{
		{"event is queued for the writer", 1, true},
		{"stalled client is dropped", 0, false},
	}

	originalTimeout := defaultRPCMessageWriteDuration
	defaultRPCMessageWriteDuration = 50 * time.Millisecond
	defer func() { defaultRPCMessageWriteDuration = originalTimeout }()

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			conn := newHubConnection(t, newRPCConnectionHub(), "tab", "alice", tc.sinkSize)
			frame := turnResultFrame(t, "b1", 3)

			conn.Write(frame)

			if tc.wantQueued {
				assert.Equal(t, frame, <-conn.writeSink)
				assert.Empty(t, conn.closeConnCh)
				return
			}
			select {
			case <-conn.closeConnCh:
			case <-time.After(time.Second):
				t.Fatal("stalled connection was not closed")
			}
		})
	}
}

func TestRPCConnectionHubBattleDelivery(t *testing.T) {
	hub := newRPCConnectionHub()
	aliceTab := newHubConnection(t, hub, "alice-tab", "alice", 4)
	// A second tab connects anonymously and registers afterwards.
	aliceTab2 := newHubConnection(t, hub, "alice-tab-2", "", 4)
	bob := newHubConnection(t, hub, "bob", "bob", 4)

	require.True(t, hub.Publish("alice", turnResultFrame(t, "b1", 0)))
	<-aliceTab.writeSink
	assert.Empty(t, aliceTab2.writeSink, "anonymous connections receive no battle events")

	require.NoError(t, hub.Reauthenticate(aliceTab2.ConnectionID(), "alice"))
	assert.Equal(t, "alice", aliceTab2.UserID())
	assert.True(t, hub.IsOnline("alice"))
	assert.True(t, hub.IsOnline("bob"))
	assert.False(t, hub.IsOnline("carol"))

	frame := turnResultFrame(t, "b1", 1)
	require.True(t, hub.Publish("alice", frame))
	assert.Equal(t, frame, <-aliceTab.writeSink)
	assert.Equal(t, frame, <-aliceTab2.writeSink)
	assert.Empty(t, bob.writeSink)

	assert.False(t, hub.Publish("carol", frame), "offline trainer must be reported as undelivered")

	// Closing one tab keeps the trainer online, so a live battle must not mark
	// them absent yet.
	hub.Remove(aliceTab.ConnectionID())
	assert.Nil(t, hub.Get(aliceTab.ConnectionID()))
	assert.True(t, hub.IsOnline("alice"))
	next := turnResultFrame(t, "b1", 2)
	require.True(t, hub.Publish("alice", next))
	assert.Equal(t, next, <-aliceTab2.writeSink)
	assert.Empty(t, aliceTab.writeSink)

	hub.Remove(aliceTab2.ConnectionID())
	assert.False(t, hub.IsOnline("alice"))
	assert.False(t, hub.Publish("alice", next))
	assert.NotContains(t, hub.authMapping, "alice")

	// Registering as somebody else moves the connection off the old trainer.
	require.NoError(t, hub.Reauthenticate(bob.ConnectionID(), "dave"))
	assert.False(t, hub.IsOnline("bob"))
	assert.True(t, hub.IsOnline("dave"))

	assert.Error(t, hub.Reauthenticate("missing", "alice"))
	assert.Error(t, hub.Add(&RPCConnection{connectionID: bob.ConnectionID()}))
	hub.Remove("missing")

	hub.Remove(bob.ConnectionID())
	assert.Empty(t, hub.connections)
	assert.Empty(t, hub.authMapping)
}
