package domain

import "time"

// CallState is the local state of a call session
type CallState string

const (
	StateIdle            CallState = "idle"
	StateOutgoingRinging CallState = "outgoing_ringing"
	StateIncomingRinging CallState = "incoming_ringing"
	StateActive          CallState = "active"
	StateEnded           CallState = "ended"
)

// EndReason explains why a session reached StateEnded
type EndReason string

const (
	EndLocalHangup      EndReason = "local-hangup"
	EndDeclined         EndReason = "declined"
	EndRemoteCancelled  EndReason = "remote-cancelled"
	EndRemoteDeclined   EndReason = "remote-declined"
	EndRemoteEnded      EndReason = "remote-ended"
	EndSuperseded       EndReason = "superseded"
	EndBusy             EndReason = "busy"
	EndGlare            EndReason = "glare"
	EndTimeout          EndReason = "timeout"
	EndMediaFailure     EndReason = "media-failure"
	EndEngineFailure    EndReason = "engine-failure"
	EndSignalingFailure EndReason = "signaling-failure"
	EndShutdown         EndReason = "shutdown"
)

// Remote reports whether the reason comes from the other participant
func (r EndReason) Remote() bool {
	switch r {
	case EndRemoteCancelled, EndRemoteDeclined, EndRemoteEnded, EndSuperseded:
		return true
	}
	return false
}

// CallEventType is the kind of notification sent to the UI layer
type CallEventType string

const (
	EventIncomingCall CallEventType = "incoming-call"
	EventCallActive   CallEventType = "call-active"
	EventCallEnded    CallEventType = "call-ended"
	EventStateChanged CallEventType = "state-changed"
	EventGlare        CallEventType = "glare-resolved"
)

// CallEvent is delivered to subscribers of a call manager
type CallEvent struct {
	Type            CallEventType `json:"type"`
	ConversationKey string        `json:"conversation_key"`
	CallID          string        `json:"call_id"`
	PeerID          string        `json:"peer_id"`
	PeerName        string        `json:"peer_name,omitempty"`
	MediaKind       MediaKind     `json:"media_kind,omitempty"`
	State           CallState     `json:"state,omitempty"`
	Reason          EndReason     `json:"reason,omitempty"`
	Retryable       bool          `json:"retryable,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// CallSnapshot is a read-only view of a session for queries
type CallSnapshot struct {
	ConversationKey string    `json:"conversation_key"`
	CallID          string    `json:"call_id,omitempty"`
	PeerID          string    `json:"peer_id"`
	PeerName        string    `json:"peer_name,omitempty"`
	State           CallState `json:"state"`
	MediaKind       MediaKind `json:"media_kind,omitempty"`
	Outgoing        bool      `json:"outgoing"`
	AudioEnabled    bool      `json:"audio_enabled"`
	VideoEnabled    bool      `json:"video_enabled"`
	RemoteTrack     bool      `json:"remote_track"`
	EndReason       EndReason `json:"end_reason,omitempty"`
}
