package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// Notifier delivers an event to a user on a best-effort basis.
type Notifier interface {
	Notify(userID string, event EventType, payload any) bool
}

// PushPublisher is the offline delivery channel. *nats.Conn satisfies it.
type PushPublisher interface {
	Publish(subject string, data []byte) error
}

// NotificationGateway delivers events to a user's live connections and falls
// back to the push channel when the user has none. Deliveries are never retried.
type NotificationGateway struct {
	send          func(userID string, method string, params RPCDataParams) bool
	push          PushPublisher
	subjectPrefix string
	metrics       *Metrics
	logger        Logger
}

// NewNotificationGateway creates a gateway. push and metrics may be nil.
func NewNotificationGateway(sendFunc func(userID string, method string, params RPCDataParams) bool, push PushPublisher, subjectPrefix string, metrics *Metrics, logger Logger) *NotificationGateway {
	return &NotificationGateway{
		send:          sendFunc,
		push:          push,
		subjectPrefix: subjectPrefix,
		metrics:       metrics,
		logger:        logger.NewSystem("notifications"),
	}
}

// PushMessage is the body published on the offline channel.
type PushMessage struct {
	UserID    string    `json:"user_id"`
	Event     EventType `json:"event"`
	Payload   any       `json:"payload"`
	Timestamp uint64    `json:"ts"`
}

// Notify reports whether the event reached a live connection or was accepted by
// the push channel.
func (g *NotificationGateway) Notify(userID string, event EventType, payload any) bool {
	if userID == "" {
		return false
	}

	if g.send != nil && g.send(userID, event.String(), payload) {
		g.observe(event, "socket")
		g.logger.Debug(fmt.Sprintf("%s notification sent", event), "userID", userID)
		return true
	}

	if g.push == nil {
		g.observe(event, "dropped")
		return false
	}

	body, err := json.Marshal(PushMessage{
		UserID:    userID,
		Event:     event,
		Payload:   payload,
		Timestamp: uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		g.logger.Error("failed to marshal push message", "error", err, "userID", userID, "event", event)
		g.observe(event, "dropped")
		return false
	}

	subject := g.subjectPrefix + "." + userID
	if err := g.push.Publish(subject, body); err != nil {
		g.logger.Warn("failed to publish push message", "error", err, "subject", subject)
		g.observe(event, "dropped")
		return false
	}

	g.observe(event, "push")
	g.logger.Debug(fmt.Sprintf("%s notification pushed", event), "userID", userID, "subject", subject)
	return true
}

// notifyAll delivers a batch of notifications, skipping nil entries.
func notifyAll(n Notifier, notifications ...*Notification) {
	if n == nil {
		return
	}
	for _, notification := range notifications {
		if notification != nil {
			n.Notify(notification.userID, notification.eventType, notification.data)
		}
	}
}

func (g *NotificationGateway) observe(event EventType, channel string) {
	if g.metrics != nil {
		g.metrics.Notifications.WithLabelValues(event.String(), channel).Inc()
	}
}

type Notification struct {
	userID    string
	eventType EventType
	data      any
}

type EventType string

const (
	NewChallengeEventType       EventType = "new_challenge"
	ChallengeAcceptedEventType  EventType = "challenge_accepted"
	ChallengeRejectedEventType  EventType = "challenge_rejected"
	ChallengeCancelledEventType EventType = "challenge_cancelled"
	BattleCompletedEventType    EventType = "battle_completed"
)

func (e EventType) String() string {
	return string(e)
}

// ChallengeNotification is the payload of every challenge lifecycle event.
type ChallengeNotification struct {
	BattleID string `json:"battle_id"`
	FromID   string `json:"from_id"`
	FromName string `json:"from_name"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// NewChallengeEventNotification addresses the event to the counterpart of actorID.
func NewChallengeEventNotification(event EventType, challenge *Challenge, actorID, actorName string) *Notification {
	var message string
	switch event {
	case NewChallengeEventType:
		message = fmt.Sprintf("%s challenged you to a battle!", actorName)
	case ChallengeAcceptedEventType:
		message = fmt.Sprintf("%s accepted your challenge!", actorName)
	case ChallengeRejectedEventType:
		message = fmt.Sprintf("%s rejected your challenge", actorName)
	case ChallengeCancelledEventType:
		message = fmt.Sprintf("%s cancelled the challenge", actorName)
	}

	return &Notification{
		userID:    challenge.Counterpart(actorID),
		eventType: event,
		data: ChallengeNotification{
			BattleID: challenge.ID,
			FromID:   actorID,
			FromName: actorName,
			Status:   string(challenge.Status),
			Message:  message,
		},
	}
}

// BattleCompletedNotification is sent to both participants once a result is persisted.
type BattleCompletedNotification struct {
	BattleID   string `json:"battle_id"`
	WinnerID   string `json:"winner_id"`
	WinnerName string `json:"winner_name"`
	Turns      int    `json:"turns"`
}

func NewBattleCompletedNotifications(challenge *Challenge, winnerID, winnerName string, turns int) []*Notification {
	data := BattleCompletedNotification{
		BattleID:   challenge.ID,
		WinnerID:   winnerID,
		WinnerName: winnerName,
		Turns:      turns,
	}
	return []*Notification{
		{userID: challenge.ChallengerID, eventType: BattleCompletedEventType, data: data},
		{userID: challenge.OpponentID, eventType: BattleCompletedEventType, data: data},
	}
}
