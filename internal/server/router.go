package server

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/akademo-labs/playguard/internal/auth"
	"github.com/akademo-labs/playguard/internal/quota"
	"github.com/akademo-labs/playguard/internal/session"
	"github.com/akademo-labs/playguard/internal/viewer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "playguard_identity"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingLedger         = errors.New("quota ledger dependency required")
	errMissingGuard          = errors.New("session guard dependency required")
	errMissingViewers        = errors.New("viewer directory dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator is the authentication contract consumed per request.
type TokenValidator interface {
	ValidateToken(token string) (auth.TokenClaims, error)
}

// ClientPolicy carries the operator-set knobs the playback surface follows;
// the playback-context endpoint advertises them so clients need no local
// configuration.
type ClientPolicy struct {
	FlushThresholdSeconds int
	SessionPollSeconds    int
	WatermarkShowSeconds  int
}

const (
	defaultFlushThreshold = 5
	defaultSessionPoll    = 10
	defaultWatermarkShow  = 5
)

func (p ClientPolicy) withDefaults() ClientPolicy {
	if p.FlushThresholdSeconds <= 0 {
		p.FlushThresholdSeconds = defaultFlushThreshold
	}
	if p.SessionPollSeconds <= 0 {
		p.SessionPollSeconds = defaultSessionPoll
	}
	if p.WatermarkShowSeconds <= 0 {
		p.WatermarkShowSeconds = defaultWatermarkShow
	}
	return p
}

// Dependencies wires the HTTP layer to the core services.
type Dependencies struct {
	TokenValidator TokenValidator
	Ledger         *quota.Ledger
	Guard          *session.Guard
	Viewers        *viewer.Service
	ClientPolicy   ClientPolicy
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the playback API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Guard == nil {
		return nil, errMissingGuard
	}
	if deps.Viewers == nil {
		return nil, errMissingViewers
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:       deps.TokenValidator,
		ledger:       deps.Ledger,
		guard:        deps.Guard,
		viewers:      deps.Viewers,
		clientPolicy: deps.ClientPolicy.withDefaults(),
		logger:       logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/videos/:id/play-state", handler.handleGetPlayState)
	protected.POST("/videos/:id/progress", handler.handlePostProgress)
	protected.POST("/videos/:id/duration", handler.handlePostDuration)
	protected.GET("/videos/:id/playback-context", handler.handlePlaybackContext)
	protected.POST("/session/check", handler.handleSessionRegister)
	protected.GET("/session/check", handler.handleSessionPoll)

	return router, nil
}

type httpHandler struct {
	tokens       TokenValidator
	ledger       *quota.Ledger
	guard        *session.Guard
	viewers      *viewer.Service
	clientPolicy ClientPolicy
	logger       *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	identity, err := h.viewers.Record(claims.Viewer())
	if err != nil {
		h.logger.Error("failed to record viewer identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_failed"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func requestIdentity(c *gin.Context) (viewer.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return viewer.Identity{}, false
	}
	identity, ok := value.(viewer.Identity)
	return identity, ok
}

func requestMeta(c *gin.Context) session.RequestMeta {
	return session.RequestMeta{
		UserAgent:     c.Request.UserAgent(),
		RemoteAddress: c.ClientIP(),
	}
}

type playStatePayload struct {
	VideoID               string  `json:"video_id"`
	ViewerID              string  `json:"viewer_id"`
	TotalWatchTimeSeconds int64   `json:"total_watch_time_s"`
	LastPositionSeconds   float64 `json:"last_position_s"`
	LastPositionSeq       int64   `json:"last_position_seq"`
	Status                string  `json:"status"`
}

func newPlayStatePayload(state quota.PlayState) playStatePayload {
	return playStatePayload{
		VideoID:               state.VideoID,
		ViewerID:              state.ViewerID,
		TotalWatchTimeSeconds: state.TotalWatchTimeSeconds,
		LastPositionSeconds:   state.LastPositionSeconds,
		LastPositionSeq:       state.LastPositionSeq,
		Status:                string(state.Status),
	}
}

// resolvePairIDs validates the video path param and the target viewer. A
// quota-bound caller may only address their own play state; privileged
// callers may inspect any viewer's via the viewer_id query/body field.
func (h *httpHandler) resolvePairIDs(c *gin.Context, identity viewer.Identity, requestedViewer string) (quota.VideoID, quota.ViewerID, bool) {
	videoID, err := quota.NewVideoID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_video_id"})
		return "", "", false
	}

	target := strings.TrimSpace(requestedViewer)
	if target == "" {
		target = identity.Subject
	}
	if !identity.Role.Privileged() && target != identity.Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return "", "", false
	}
	viewerID, err := quota.NewViewerID(target)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_viewer_id"})
		return "", "", false
	}
	return videoID, viewerID, true
}

func (h *httpHandler) handleGetPlayState(c *gin.Context) {
	identity, ok := requestIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	videoID, viewerID, ok := h.resolvePairIDs(c, identity, c.Query("viewer_id"))
	if !ok {
		return
	}

	state, err := h.ledger.GetOrCreatePlayState(c.Request.Context(), videoID, viewerID)
	if err != nil {
		h.respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPlayStatePayload(state))
}

type progressRequestPayload struct {
	ViewerID        string  `json:"viewer_id"`
	ElapsedSeconds  int64   `json:"elapsed_s"`
	PositionSeconds float64 `json:"position_s"`
	PositionSeq     int64   `json:"position_seq"`
}

func (h *httpHandler) handlePostProgress(c *gin.Context) {
	identity, ok := requestIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request progressRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	videoID, viewerID, ok := h.resolvePairIDs(c, identity, request.ViewerID)
	if !ok {
		return
	}

	state, err := h.ledger.AppendWatchTime(c.Request.Context(), quota.AppendRequest{
		VideoID:         videoID,
		ViewerID:        viewerID,
		ElapsedSeconds:  request.ElapsedSeconds,
		PositionSeconds: request.PositionSeconds,
		PositionSeq:     request.PositionSeq,
	})
	if err != nil {
		h.respondLedgerError(c, err)
		return
	}
	state = h.markIfExhausted(c, identity, videoID, viewerID, state)
	c.JSON(http.StatusOK, newPlayStatePayload(state))
}

// markIfExhausted flips the play state to BLOCKED once an appended total
// crosses the viewer's ceiling. The flush itself is never rejected; only
// later play attempts see the blocked status.
func (h *httpHandler) markIfExhausted(c *gin.Context, identity viewer.Identity, videoID quota.VideoID, viewerID quota.ViewerID, state quota.PlayState) quota.PlayState {
	if state.Status != quota.PlayStatusActive {
		return state
	}

	role := identity.Role
	if viewerID.String() != identity.Subject {
		if target, err := h.viewers.Lookup(viewerID.String()); err == nil {
			role = target.Role
		}
	}
	if role.Privileged() {
		return state
	}

	resolved, err := h.ledger.ResolveQuota(c.Request.Context(), videoID)
	if err != nil {
		h.logger.Warn("quota resolution failed during exhaustion check", zap.Error(err))
		return state
	}
	if !quota.NewPolicy(resolved, role).Exhausted(state.TotalWatchTimeSeconds) {
		return state
	}
	if err := h.ledger.MarkBlocked(c.Request.Context(), videoID, viewerID); err != nil {
		h.logger.Error("failed to mark play state blocked", zap.Error(err))
		return state
	}
	state.Status = quota.PlayStatusBlocked
	return state
}

type durationRequestPayload struct {
	DurationSeconds int64 `json:"duration_s"`
}

// handlePostDuration records the duration reported by a player's metadata
// probe, making the quota enforceable for videos ingested without one.
func (h *httpHandler) handlePostDuration(c *gin.Context) {
	if _, ok := requestIdentity(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	videoID, err := quota.NewVideoID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_video_id"})
		return
	}

	var request durationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.ledger.SetDuration(c.Request.Context(), videoID, request.DurationSeconds); err != nil {
		h.respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"video_id":   videoID.String(),
		"duration_s": request.DurationSeconds,
	})
}

type watermarkPayload struct {
	DisplayName  string `json:"display_name"`
	Contact      string `json:"contact,omitempty"`
	IntervalMins int    `json:"interval_mins"`
	ShowSeconds  int    `json:"show_seconds"`
}

type playbackContextPayload struct {
	DurationSeconds       int64             `json:"duration_s"`
	EffectiveMultiplier   float64           `json:"effective_multiplier"`
	MaxWatchTimeSeconds   *float64          `json:"max_watch_time_s"`
	Unlimited             bool              `json:"unlimited"`
	FlushThresholdSeconds int               `json:"flush_threshold_s"`
	SessionPollSeconds    int               `json:"session_poll_s"`
	PlayState             playStatePayload  `json:"play_state"`
	Watermark             *watermarkPayload `json:"watermark,omitempty"`
}

// handlePlaybackContext answers the single round-trip a playback surface
// needs to initialize: the resolved quota, the persisted play state, and the
// watermark policy for this viewer.
func (h *httpHandler) handlePlaybackContext(c *gin.Context) {
	identity, ok := requestIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	videoID, viewerID, ok := h.resolvePairIDs(c, identity, c.Query("viewer_id"))
	if !ok {
		return
	}

	resolved, err := h.ledger.ResolveQuota(c.Request.Context(), videoID)
	if err != nil {
		h.respondLedgerError(c, err)
		return
	}
	state, err := h.ledger.GetOrCreatePlayState(c.Request.Context(), videoID, viewerID)
	if err != nil {
		h.respondLedgerError(c, err)
		return
	}

	policy := quota.NewPolicy(resolved, identity.Role)
	response := playbackContextPayload{
		DurationSeconds:       resolved.DurationSeconds,
		EffectiveMultiplier:   resolved.EffectiveMultiplier,
		FlushThresholdSeconds: h.clientPolicy.FlushThresholdSeconds,
		SessionPollSeconds:    h.clientPolicy.SessionPollSeconds,
		PlayState:             newPlayStatePayload(state),
	}
	if max := policy.MaxWatchTimeSeconds(); math.IsInf(max, 1) {
		response.Unlimited = true
	} else {
		response.MaxWatchTimeSeconds = &max
	}
	if !identity.Role.Privileged() {
		response.Watermark = &watermarkPayload{
			DisplayName:  identity.DisplayName,
			Contact:      identity.Email,
			IntervalMins: resolved.WatermarkIntervalMins,
			ShowSeconds:  h.clientPolicy.WatermarkShowSeconds,
		}
	}
	c.JSON(http.StatusOK, response)
}

type sessionCheckPayload struct {
	Valid       bool   `json:"valid"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (h *httpHandler) handleSessionRegister(c *gin.Context) {
	identity, ok := requestIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	result, err := h.guard.CheckAndRegister(c.Request.Context(), identity.Subject, identity.Role, requestMeta(c))
	if err != nil {
		h.logger.Error("session registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_check_failed"})
		return
	}
	c.JSON(http.StatusOK, sessionCheckPayload{
		Valid:       result.Valid,
		Fingerprint: result.Fingerprint,
		Message:     result.Message,
	})
}

func (h *httpHandler) handleSessionPoll(c *gin.Context) {
	identity, ok := requestIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	result, err := h.guard.IsValid(c.Request.Context(), identity.Subject, identity.Role, requestMeta(c))
	if err != nil {
		h.logger.Error("session poll failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_check_failed"})
		return
	}
	c.JSON(http.StatusOK, sessionCheckPayload{
		Valid:   result.Valid,
		Message: result.Message,
	})
}

func (h *httpHandler) respondLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, quota.ErrVideoNotFound), errors.Is(err, quota.ErrOrganizationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "video_not_found"})
	case errors.Is(err, quota.ErrPlayStateNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "play_state_not_found"})
	case errors.Is(err, quota.ErrInvalidElapsed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_elapsed"})
	case errors.Is(err, quota.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_duration"})
	default:
		h.logger.Error("ledger operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
