package push

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
)

// Provider delivers a notification to every device subscribed to a topic
type Provider interface {
	SendToTopic(ctx context.Context, topic string, notification *Notification) (string, error)
}

// Notification represents a push notification
type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Priority    string            `json:"priority,omitempty"` // high, normal
	Sound       string            `json:"sound,omitempty"`
	Category    string            `json:"category,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
}

// CallNotificationData contains data for call-related notifications
type CallNotificationData struct {
	CallID          string `json:"call_id"`
	ConversationKey string `json:"conversation_key"`
	CallerID        string `json:"caller_id"`
	CallerName      string `json:"caller_name"`
	RecipientID     string `json:"recipient_id"`
	MediaKind       string `json:"media_kind"`
	Timestamp       int64  `json:"timestamp"`
}

// UserTopic is the topic each of a user's devices subscribes to
func UserTopic(userID string) string {
	return "user_" + userID
}

// Service builds call notifications and hands them to a Provider
type Service struct {
	provider Provider
}

// NewService creates a new push service
func NewService(provider Provider) *Service {
	return &Service{provider: provider}
}

// SendIncomingCall wakes the recipient's devices for a ringing call
func (s *Service) SendIncomingCall(ctx context.Context, data *CallNotificationData) error {
	if data.RecipientID == "" {
		return fmt.Errorf("incoming call notification has no recipient")
	}

	caller := data.CallerName
	if caller == "" {
		caller = data.CallerID
	}
	title := "Incoming Call"
	if data.MediaKind == "video" {
		title = "Incoming Video Call"
	}

	notification := &Notification{
		Title:    title,
		Body:     fmt.Sprintf("%s is calling you", caller),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":             "call",
			"call_id":          data.CallID,
			"conversation_key": data.ConversationKey,
			"caller_id":        data.CallerID,
			"caller_name":      data.CallerName,
			"media_kind":       data.MediaKind,
			"timestamp":        strconv.FormatInt(data.Timestamp, 10),
		},
	}

	topic := UserTopic(data.RecipientID)
	id, err := s.provider.SendToTopic(ctx, topic, notification)
	if err != nil {
		return fmt.Errorf("failed to send call notification: %w", err)
	}

	logger.Info("Call notification sent",
		zap.String("call_id", data.CallID),
		zap.String("topic", topic),
		zap.String("message_id", id),
	)
	return nil
}

// MockProvider records notifications instead of sending them
type MockProvider struct {
	NotificationsSent int
	LastTopic         string
	Last              *Notification
}

// SendToTopic implements Provider
func (m *MockProvider) SendToTopic(_ context.Context, topic string, notification *Notification) (string, error) {
	m.NotificationsSent++
	m.LastTopic = topic
	m.Last = notification

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("topic", topic),
	)
	return fmt.Sprintf("mock-%d", m.NotificationsSent), nil
}
