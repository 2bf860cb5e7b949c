package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/stridetally/internal/athletes"
	"github.com/MarcoPoloResearchLab/stridetally/internal/auth"
	"github.com/MarcoPoloResearchLab/stridetally/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/stridetally/internal/stats"
	"github.com/MarcoPoloResearchLab/stridetally/internal/syncer"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const callerContextKey = "stridetally_caller"

var (
	errMissingAthleteService = errors.New("athlete service dependency required")
	errMissingStatsReader    = errors.New("stats reader dependency required")
	errMissingSyncQueue      = errors.New("sync queue dependency required")
	errMissingBulkSyncer     = errors.New("bulk syncer dependency required")
	errMissingAuthenticator  = errors.New("authenticator dependency required")
)

// AthleteService records sign-ins and loads athletes.
type AthleteService interface {
	RecordSignIn(ctx context.Context, signIn athletes.SignIn) (athletes.User, error)
	Get(ctx context.Context, id uint) (athletes.User, error)
}

// StatsReader serves the public read views.
type StatsReader interface {
	TeamStatsByUser(ctx context.Context) ([]stats.UserRollup, error)
	TeamStatsByMonth(ctx context.Context) ([]stats.MonthRollup, error)
	TeamProgress(ctx context.Context) (stats.TeamProgress, error)
}

// SyncQueue accepts delayed athlete syncs.
type SyncQueue interface {
	Enqueue(userID uint) (syncer.Task, error)
}

// BulkSyncer runs a sync for every athlete.
type BulkSyncer interface {
	SyncAll(ctx context.Context) (syncer.Report, error)
}

// Authenticator validates internal API callers.
type Authenticator interface {
	ValidateRequest(r *http.Request) (auth.ServiceClaims, error)
}

// Dependencies wires the HTTP handler. BaseContext bounds background bulk syncs started over HTTP.
type Dependencies struct {
	Athletes      AthleteService
	Stats         StatsReader
	Queue         SyncQueue
	Syncer        BulkSyncer
	Authenticator Authenticator
	BaseContext   context.Context
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the read API, the internal API, health, and metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Athletes == nil {
		return nil, errMissingAthleteService
	}
	if deps.Stats == nil {
		return nil, errMissingStatsReader
	}
	if deps.Queue == nil {
		return nil, errMissingSyncQueue
	}
	if deps.Syncer == nil {
		return nil, errMissingBulkSyncer
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseContext := deps.BaseContext
	if baseContext == nil {
		baseContext = context.Background()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))
	router.Use(corsMiddleware())

	handler := &httpHandler{
		athletes:      deps.Athletes,
		stats:         deps.Stats,
		queue:         deps.Queue,
		syncer:        deps.Syncer,
		authenticator: deps.Authenticator,
		baseContext:   baseContext,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/stats", handler.handleStatsByUser)
	router.GET("/stats/monthly", handler.handleStatsByMonth)
	router.GET("/stats/team", handler.handleTeamProgress)

	internal := router.Group("/internal")
	internal.Use(handler.authorizeRequest)
	internal.POST("/identities", handler.handleIdentity)
	internal.POST("/sync", handler.handleSyncAll)
	internal.POST("/athletes/:id/sync", handler.handleSyncAthlete)

	return router, nil
}

type httpHandler struct {
	athletes      AthleteService
	stats         StatsReader
	queue         SyncQueue
	syncer        BulkSyncer
	authenticator Authenticator
	baseContext   context.Context
	logger        *zap.Logger

	bulkRunning atomic.Bool
}

type identityRequestPayload struct {
	ProviderAccountID string `json:"provider_account_id"`
	Username          string `json:"username"`
	FirstName         string `json:"first_name"`
	AvatarURL         string `json:"avatar_url"`
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token"`
	ExpiresAt         int64  `json:"expires_at"`
}

type identityResponsePayload struct {
	AthleteID  uint   `json:"athlete_id"`
	SyncTaskID string `json:"sync_task_id,omitempty"`
}

type syncTaskResponsePayload struct {
	TaskID    string `json:"task_id"`
	AthleteID uint   `json:"athlete_id"`
	NotBefore int64  `json:"not_before"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatsByUser(c *gin.Context) {
	rows, err := h.stats.TeamStatsByUser(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load athlete stats", errorFields(err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_unavailable"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *httpHandler) handleStatsByMonth(c *gin.Context) {
	series, err := h.stats.TeamStatsByMonth(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load monthly stats", errorFields(err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_unavailable"})
		return
	}
	c.JSON(http.StatusOK, series)
}

func (h *httpHandler) handleTeamProgress(c *gin.Context) {
	progress, err := h.stats.TeamProgress(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load team progress", errorFields(err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_unavailable"})
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *httpHandler) handleIdentity(c *gin.Context) {
	var request identityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ProviderAccountID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.athletes.RecordSignIn(c.Request.Context(), athletes.SignIn{
		ProviderAccountID: request.ProviderAccountID,
		Username:          request.Username,
		FirstName:         request.FirstName,
		AvatarURL:         request.AvatarURL,
		AccessToken:       request.AccessToken,
		RefreshToken:      request.RefreshToken,
		ExpiresAt:         request.ExpiresAt,
	})
	if errors.Is(err, athletes.ErrInvalidIdentity) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err != nil {
		h.logger.Error("failed to record sign-in", errorFields(err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_in_failed"})
		return
	}

	response := identityResponsePayload{AthleteID: user.ID}
	task, err := h.queue.Enqueue(user.ID)
	if err != nil {
		h.logger.Warn("post sign-in sync not enqueued", zap.Uint("athlete_id", user.ID), zap.Error(err))
	} else {
		response.SyncTaskID = task.ID
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSyncAll(c *gin.Context) {
	if !h.bulkRunning.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
		return
	}
	go func() {
		defer h.bulkRunning.Store(false)
		report, err := h.syncer.SyncAll(h.baseContext)
		if err != nil {
			h.logger.Error("requested bulk sync failed", errorFields(err)...)
			return
		}
		h.logger.Info("requested bulk sync finished",
			zap.String("run_id", report.RunID),
			zap.Int("succeeded", len(report.Succeeded)),
			zap.Int("skipped", len(report.Skipped)),
			zap.Int("failed", len(report.Failed)))
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *httpHandler) handleSyncAthlete(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_athlete_id"})
		return
	}
	athleteID := uint(id)

	if _, err := h.athletes.Get(c.Request.Context(), athleteID); err != nil {
		if errors.Is(err, athletes.ErrAthleteNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "athlete_not_found"})
			return
		}
		h.logger.Error("failed to load athlete", errorFields(err, zap.Uint("athlete_id", athleteID))...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "athlete_lookup_failed"})
		return
	}

	task, err := h.queue.Enqueue(athleteID)
	if errors.Is(err, syncer.ErrQueueFull) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue_full"})
		return
	}
	if err != nil {
		h.logger.Error("failed to enqueue sync", zap.Uint("athlete_id", athleteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
		return
	}
	c.JSON(http.StatusAccepted, syncTaskResponsePayload{
		TaskID:    task.ID,
		AthleteID: task.UserID,
		NotBefore: task.NotBefore.Unix(),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.authenticator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredServiceToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(callerContextKey, claims.Subject)
	c.Next()
}

// errorFields attaches the service error code, when present, so log queries can group failures.
func errorFields(err error, fields ...zap.Field) []zap.Field {
	attrs := append([]zap.Field{zap.Error(err)}, fields...)
	if code := serviceerr.CodeOf(err); code != "" {
		attrs = append(attrs, zap.String("code", code))
	}
	return attrs
}
