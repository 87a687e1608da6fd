package call

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/push"
)

func TestPushNotifier(t *testing.T) {
	provider := &push.MockProvider{}
	notifier := NewPushNotifier(push.NewService(provider))

	err := notifier.NotifyIncomingCall(context.Background(), &domain.CallRecord{
		CallID:        "c1",
		Initiator:     "bob",
		InitiatorName: "Bob",
		Recipient:     "alice",
		MediaKind:     domain.MediaAudio,
		CreatedAt:     1700000000000,
	})
	require.NoError(t, err)

	assert.Equal(t, "user_alice", provider.LastTopic)
	assert.Equal(t, "alice_bob", provider.Last.Data["conversation_key"])
	assert.Equal(t, "Bob", provider.Last.Data["caller_name"])
	assert.Equal(t, "audio", provider.Last.Data["media_kind"])
}
