package main

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{subject: subject, data: data})
	return nil
}

func TestNotificationGateway(t *testing.T) {
	logger := NewLoggerIPFS("root.test")
	online := map[string]bool{"alice": true}

	var sentMu sync.Mutex
	var sent []string
	send := func(userID, method string, _ RPCDataParams) bool {
		if !online[userID] {
			return false
		}
		sentMu.Lock()
		sent = append(sent, userID+":"+method)
		sentMu.Unlock()
		return true
	}

	t.Run("socket first", func(t *testing.T) {
		sent = nil
		push := &fakePublisher{}
		metrics := NewMetricsWithRegistry(prometheus.NewRegistry())
		g := NewNotificationGateway(send, push, "battlenode.push", metrics, logger)

		assert.True(t, g.Notify("alice", NewChallengeEventType, ChallengeNotification{BattleID: "b1"}))
		assert.Equal(t, []string{"alice:new_challenge"}, sent)
		assert.Empty(t, push.messages)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Notifications.WithLabelValues("new_challenge", "socket")))
	})

	t.Run("offline user is pushed", func(t *testing.T) {
		push := &fakePublisher{}
		metrics := NewMetricsWithRegistry(prometheus.NewRegistry())
		g := NewNotificationGateway(send, push, "battlenode.push", metrics, logger)

		assert.True(t, g.Notify("bob", ChallengeAcceptedEventType, ChallengeNotification{BattleID: "b1", FromID: "alice"}))
		require.Len(t, push.messages, 1)
		assert.Equal(t, "battlenode.push.bob", push.messages[0].subject)

		var msg struct {
			UserID  string                `json:"user_id"`
			Event   EventType             `json:"event"`
			Payload ChallengeNotification `json:"payload"`
			TS      uint64                `json:"ts"`
		}
		require.NoError(t, json.Unmarshal(push.messages[0].data, &msg))
		assert.Equal(t, "bob", msg.UserID)
		assert.Equal(t, ChallengeAcceptedEventType, msg.Event)
		assert.Equal(t, "b1", msg.Payload.BattleID)
		assert.NotZero(t, msg.TS)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Notifications.WithLabelValues("challenge_accepted", "push")))
	})

	t.Run("dropped without push channel", func(t *testing.T) {
		metrics := NewMetricsWithRegistry(prometheus.NewRegistry())
		g := NewNotificationGateway(send, nil, "battlenode.push", metrics, logger)

		assert.False(t, g.Notify("bob", BattleCompletedEventType, BattleCompletedNotification{}))
		assert.False(t, g.Notify("", BattleCompletedEventType, BattleCompletedNotification{}))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Notifications.WithLabelValues("battle_completed", "dropped")))
	})

	t.Run("dropped on publish failure", func(t *testing.T) {
		push := &fakePublisher{err: errors.New("nats: connection closed")}
		g := NewNotificationGateway(send, push, "battlenode.push", nil, logger)
		assert.False(t, g.Notify("bob", ChallengeRejectedEventType, ChallengeNotification{}))
	})
}

func TestChallengeEventNotification(t *testing.T) {
	ch := &Challenge{ID: "b1", ChallengerID: "alice", OpponentID: "bob", Status: ChallengeStatusAccepted}

	n := NewChallengeEventNotification(ChallengeAcceptedEventType, ch, "bob", "Bob")
	assert.Equal(t, "alice", n.userID)
	assert.Equal(t, ChallengeAcceptedEventType, n.eventType)
	payload := n.data.(ChallengeNotification)
	assert.Equal(t, "accepted", payload.Status)
	assert.Equal(t, "Bob accepted your challenge!", payload.Message)

	completed := NewBattleCompletedNotifications(ch, "alice", "Alice", 4)
	require.Len(t, completed, 2)
	assert.Equal(t, "alice", completed[0].userID)
	assert.Equal(t, "bob", completed[1].userID)
}
