package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/middleware"
	"peercall-backend/pkg/response"
	"peercall-backend/pkg/sanitize"
)

// CallManager is the call agent the handler drives
type CallManager interface {
	Self() domain.Participant
	Watch(ctx context.Context, peer domain.Participant) (string, error)
	Unwatch(ctx context.Context, peerID string) error
	PlaceCall(ctx context.Context, peer domain.Participant, kind domain.MediaKind) (domain.CallSnapshot, error)
	AcceptCall(ctx context.Context, peerID string) (domain.CallSnapshot, error)
	DeclineCall(ctx context.Context, peerID string) error
	EndCall(ctx context.Context, peerID string) error
	ToggleLocalAudio(ctx context.Context, peerID string) (bool, error)
	ToggleLocalVideo(ctx context.Context, peerID string) (bool, error)
	State(ctx context.Context, peerID string) (domain.CallSnapshot, error)
	Calls(ctx context.Context) ([]domain.CallSnapshot, error)
}

// HistoryReader lists ended calls of a conversation
type HistoryReader interface {
	ListByConversation(ctx context.Context, conversationKey string, limit int) ([]*domain.CallLog, error)
}

// Handler handles call HTTP requests
type Handler struct {
	manager CallManager
	history HistoryReader
}

// NewHandler creates a new call handler. history may be nil when the call
// log is disabled.
func NewHandler(manager CallManager, history HistoryReader) *Handler {
	return &Handler{
		manager: manager,
		history: history,
	}
}

// RegisterRoutes mounts the call routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.Use(h.requireSelf())

	calls := rg.Group("/calls")
	{
		calls.POST("", h.PlaceCall)
		calls.GET("", h.ListCalls)
		calls.GET("/:peer", h.GetCall)
		calls.GET("/:peer/history", h.History)
		calls.POST("/:peer/accept", h.AcceptCall)
		calls.POST("/:peer/decline", h.DeclineCall)
		calls.POST("/:peer/end", h.EndCall)
		calls.POST("/:peer/audio/toggle", h.ToggleAudio)
		calls.POST("/:peer/video/toggle", h.ToggleVideo)
	}

	conversations := rg.Group("/conversations")
	{
		conversations.POST("/:peer/watch", h.Watch)
		conversations.DELETE("/:peer/watch", h.Unwatch)
	}
}

// requireSelf only lets the participant this agent acts for drive it
func (h *Handler) requireSelf() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Not authenticated")
			c.Abort()
			return
		}
		if userID != h.manager.Self().ID {
			response.Forbidden(c, "Token does not belong to this call agent")
			c.Abort()
			return
		}
		c.Next()
	}
}

// peer returns the validated :peer path parameter. On failure it has
// already written the response.
func peer(c *gin.Context) (string, bool) {
	peerID := c.Param("peer")
	if !sanitize.ValidateParticipantID(peerID) {
		response.ValidationError(c, "Invalid peer id")
		return "", false
	}
	return peerID, true
}

// PlaceCallRequest represents call placement request
type PlaceCallRequest struct {
	PeerID    string `json:"peer_id" binding:"required"`
	PeerName  string `json:"peer_name"`
	MediaKind string `json:"media_kind" binding:"required,oneof=audio video"`
}

// PlaceCall starts an outgoing call
// POST /v1/calls
func (h *Handler) PlaceCall(c *gin.Context) {
	var req PlaceCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if !sanitize.ValidateParticipantID(req.PeerID) {
		response.ValidationError(c, "Invalid peer id")
		return
	}

	snap, err := h.manager.PlaceCall(c.Request.Context(),
		domain.Participant{ID: req.PeerID, Name: sanitize.SanitizeDisplayName(req.PeerName)},
		domain.MediaKind(req.MediaKind),
	)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, snap)
}

// ListCalls returns the calls that have not ended
// GET /v1/calls
func (h *Handler) ListCalls(c *gin.Context) {
	calls, err := h.manager.Calls(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	if calls == nil {
		calls = []domain.CallSnapshot{}
	}

	response.Success(c, http.StatusOK, gin.H{"calls": calls})
}

// GetCall returns the current or most recent call with a peer
// GET /v1/calls/:peer
func (h *Handler) GetCall(c *gin.Context) {
	peerID, ok := peer(c)
	if !ok {
		return
	}

	snap, err := h.manager.State(c.Request.Context(), peerID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, snap)
}

// History lists the ended calls with a peer, newest first
// GET /v1/calls/:peer/history?limit=20
func (h *Handler) History(c *gin.Context) {
	peerID, ok := peer(c)
	if !ok {
		return
	}

	if h.history == nil {
		response.NotFound(c, "Call log is not enabled")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		response.ValidationError(c, "limit must be between 1 and 100")
		return
	}

	key, err := domain.ConversationKey(h.manager.Self().ID, peerID)
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	logs, err := h.history.ListByConversation(c.Request.Context(), key, limit)
	if err != nil {
		response.InternalError(c, "Failed to load call history")
		return
	}
	if logs == nil {
		logs = []*domain.CallLog{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"conversation_key": key,
		"calls":            logs,
	})
}

// AcceptCall answers the ringing call from a peer
// POST /v1/calls/:peer/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	peerID, ok := peer(c)
	if !ok {
		return
	}

	snap, err := h.manager.AcceptCall(c.Request.Context(), peerID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, snap)
}

// DeclineCall rejects the ringing call from a peer
// POST /v1/calls/:peer/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	peerID, ok := peer(c)
	if !ok {
		return
	}

	if err := h.manager.DeclineCall(c.Request.Context(), peerID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Call declined"})
}

// EndCall hangs up the call with a peer
// POST /v1/calls/:peer/end
func (h *Handler) EndCall(c *gin.Context) {
	peerID, ok := peer(c)
	if !ok {
		return
	}

	if err := h.manager.EndCall(c.Request.Context(), peerID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Call ended"})
}

// ToggleAudio flips the local microphone
// POST /v1/calls/:peer/audio/toggle
func (h *Handler) ToggleAudio(c *gin.Context) {
	peerID, ok := peer(c)
	if !ok {
		return
	}

	enabled, err := h.manager.ToggleLocalAudio(c.Request.Context(), peerID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"audio_enabled": enabled})
}

// ToggleVideo flips the local camera
// POST /v1/calls/:peer/video/toggle
func (h *Handler) ToggleVideo(c *gin.Context) {
	peerID, ok := peer(c)
	if !ok {
		return
	}

	enabled, err := h.manager.ToggleLocalVideo(c.Request.Context(), peerID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"video_enabled": enabled})
}

// WatchRequest carries the optional display name of the peer
type WatchRequest struct {
	PeerName string `json:"peer_name"`
}

// Watch subscribes to the conversation with a peer
// POST /v1/conversations/:peer/watch
func (h *Handler) Watch(c *gin.Context) {
	peerID, ok := peer(c)
	if !ok {
		return
	}

	var req WatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	key, err := h.manager.Watch(c.Request.Context(), domain.Participant{ID: peerID, Name: sanitize.SanitizeDisplayName(req.PeerName)})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"conversation_key": key})
}

// Unwatch stops watching the conversation with a peer
// DELETE /v1/conversations/:peer/watch
func (h *Handler) Unwatch(c *gin.Context) {
	peerID, ok := peer(c)
	if !ok {
		return
	}

	if err := h.manager.Unwatch(c.Request.Context(), peerID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Conversation unwatched"})
}
