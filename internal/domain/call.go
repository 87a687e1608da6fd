package domain

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Participant is one side of a conversation
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// MediaKind is what a call carries
type MediaKind string

const (
	MediaAudio      MediaKind = "audio"
	MediaAudioVideo MediaKind = "video" // audio + video
)

// Valid reports whether k is a known media kind
func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaAudioVideo
}

// HasVideo reports whether the call carries a video track
func (k MediaKind) HasVideo() bool {
	return k == MediaAudioVideo
}

// CallPhase is the phase stored on the call record. A cleared record has no phase.
type CallPhase string

const (
	PhaseRinging CallPhase = "ringing"
	PhaseActive  CallPhase = "active"
)

// Side identifies which participant of a call record a candidate sequence belongs to
type Side string

const (
	SideInitiator Side = "initiator"
	SideRecipient Side = "recipient"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideInitiator {
		return SideRecipient
	}
	return SideInitiator
}

// SessionDescription is an SDP offer or answer
type SessionDescription struct {
	Type string `json:"type" bson:"type"`
	SDP  string `json:"sdp" bson:"sdp"`
}

// ICECandidate follows the RTCIceCandidateInit shape
type ICECandidate struct {
	Candidate        string  `json:"candidate" bson:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" bson:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" bson:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" bson:"usernameFragment,omitempty"`
}

// CallRecord is the `call` field of a conversation document.
// At most one exists per conversation; clearing it ends the call for both sides.
type CallRecord struct {
	CallID              string              `json:"callId" bson:"callId"`
	Initiator           string              `json:"initiator" bson:"initiator"`
	InitiatorName       string              `json:"initiatorName" bson:"initiatorName"`
	Recipient           string              `json:"recipient" bson:"recipient"`
	RecipientName       string              `json:"recipientName,omitempty" bson:"recipientName,omitempty"`
	MediaKind           MediaKind           `json:"mediaKind" bson:"mediaKind"`
	Phase               CallPhase           `json:"phase" bson:"phase"`
	Offer               *SessionDescription `json:"offer,omitempty" bson:"offer,omitempty"`
	Answer              *SessionDescription `json:"answer,omitempty" bson:"answer,omitempty"`
	InitiatorCandidates []ICECandidate      `json:"initiatorCandidates" bson:"initiatorCandidates"`
	RecipientCandidates []ICECandidate      `json:"recipientCandidates" bson:"recipientCandidates"`
	CreatedAt           int64               `json:"createdAt,omitempty" bson:"createdAt,omitempty"`
}

// Candidates returns the candidate sequence written by side
func (r *CallRecord) Candidates(side Side) []ICECandidate {
	if side == SideInitiator {
		return r.InitiatorCandidates
	}
	return r.RecipientCandidates
}

// SideOf returns the side user plays on this record
func (r *CallRecord) SideOf(userID string) (Side, bool) {
	switch userID {
	case r.Initiator:
		return SideInitiator, true
	case r.Recipient:
		return SideRecipient, true
	}
	return "", false
}

// Clone returns a deep copy so subscribers never share slices with the store
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Offer != nil {
		offer := *r.Offer
		out.Offer = &offer
	}
	if r.Answer != nil {
		answer := *r.Answer
		out.Answer = &answer
	}
	out.InitiatorCandidates = append([]ICECandidate(nil), r.InitiatorCandidates...)
	out.RecipientCandidates = append([]ICECandidate(nil), r.RecipientCandidates...)
	return &out
}

// Validate checks the fields a freshly placed call must carry
func (r *CallRecord) Validate() error {
	switch {
	case r.CallID == "":
		return errors.New("call record: callId is required")
	case r.Initiator == "" || r.Recipient == "":
		return errors.New("call record: initiator and recipient are required")
	case r.Initiator == r.Recipient:
		return errors.New("call record: initiator and recipient must differ")
	case strings.TrimSpace(r.InitiatorName) == "":
		return errors.New("call record: initiatorName is required")
	case !r.MediaKind.Valid():
		return errors.New("call record: unknown media kind")
	case r.Offer == nil:
		return errors.New("call record: offer is required")
	}
	return nil
}

// ConversationKey returns the document id shared by two participants:
// both ids sorted and joined by "_".
func ConversationKey(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", errors.New("conversation key: participant id is empty")
	}
	if a == b {
		return "", errors.New("conversation key: participants must differ")
	}
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1], nil
}

// CallLog is the history row written when a session ends
type CallLog struct {
	CallID          string     `json:"call_id"`
	ConversationKey string     `json:"conversation_key"`
	InitiatorID     string     `json:"initiator_id"`
	RecipientID     string     `json:"recipient_id"`
	MediaKind       MediaKind  `json:"media_kind"`
	Direction       string     `json:"direction"` // outgoing, incoming
	EndReason       string     `json:"end_reason"`
	StartedAt       time.Time  `json:"started_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         time.Time  `json:"ended_at"`
	Duration        int        `json:"duration"` // seconds connected
}
