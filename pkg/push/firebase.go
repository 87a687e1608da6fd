package push

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
)

// FirebaseProvider implements Provider using Firebase Cloud Messaging
type FirebaseProvider struct {
	client *messaging.Client
}

// NewFirebaseProvider opens the messaging client of an initialized app
func NewFirebaseProvider(ctx context.Context, app *firebase.App) (*FirebaseProvider, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get firebase messaging client: %w", err)
	}
	logger.Info("Firebase messaging client initialized")
	return &FirebaseProvider{client: client}, nil
}

// SendToTopic implements Provider
func (f *FirebaseProvider) SendToTopic(ctx context.Context, topic string, notification *Notification) (string, error) {
	id, err := f.client.Send(ctx, buildMessage(notification, topic))
	if err != nil {
		logger.Error("Failed to send Firebase message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return "", err
	}
	return id, nil
}

// buildMessage constructs a data-carrying message for Android, iOS and web
func buildMessage(notification *Notification, topic string) *messaging.Message {
	data := make(map[string]string, len(notification.Data)+3)
	for k, v := range notification.Data {
		data[k] = v
	}
	data["title"] = notification.Title
	data["body"] = notification.Body
	if _, ok := data["timestamp"]; !ok {
		data["timestamp"] = fmt.Sprintf("%d", time.Now().Unix())
	}

	androidNotification := &messaging.AndroidNotification{
		Title: notification.Title,
		Body:  notification.Body,
	}
	if notification.Sound != "" {
		androidNotification.Sound = notification.Sound
	}
	if notification.ClickAction != "" {
		androidNotification.ClickAction = notification.ClickAction
	}

	androidConfig := &messaging.AndroidConfig{
		Notification: androidNotification,
		Data:         data,
	}
	if notification.Priority != "" {
		androidConfig.Priority = notification.Priority
	}

	aps := &messaging.Aps{
		Alert: &messaging.ApsAlert{
			Title: notification.Title,
			Body:  notification.Body,
		},
		Category: notification.Category,
	}
	if notification.Sound != "" {
		aps.Sound = notification.Sound
	}

	return &messaging.Message{
		Data:    data,
		Android: androidConfig,
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{Aps: aps},
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: notification.Title,
				Body:  notification.Body,
				Icon:  "/icon-192x192.png",
			},
			Data: data,
		},
		Topic: topic,
	}
}
