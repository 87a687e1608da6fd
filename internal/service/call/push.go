package call

import (
	"context"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/push"
)

// PushSender is the part of push.Service the manager needs
type PushSender interface {
	SendIncomingCall(ctx context.Context, data *push.CallNotificationData) error
}

type pushNotifier struct {
	sender PushSender
}

// NewPushNotifier adapts a push sender to IncomingCallNotifier
func NewPushNotifier(sender PushSender) IncomingCallNotifier {
	return &pushNotifier{sender: sender}
}

func (n *pushNotifier) NotifyIncomingCall(ctx context.Context, rec *domain.CallRecord) error {
	key, err := domain.ConversationKey(rec.Initiator, rec.Recipient)
	if err != nil {
		return err
	}
	return n.sender.SendIncomingCall(ctx, &push.CallNotificationData{
		CallID:          rec.CallID,
		ConversationKey: key,
		CallerID:        rec.Initiator,
		CallerName:      rec.InitiatorName,
		RecipientID:     rec.Recipient,
		MediaKind:       string(rec.MediaKind),
		Timestamp:       rec.CreatedAt,
	})
}
