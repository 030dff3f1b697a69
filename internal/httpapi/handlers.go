package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/audit"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/auth"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/mutation"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/scope"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/subscription"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Subscriptions *subscription.Service
	Intake        *mutation.Intake
	Trail         *audit.Trail

	// IngestTimeout bounds how long an HTTP ingest waits for queue space
	// before answering 503.
	IngestTimeout time.Duration
}

// --- Health ---

// Healthz reports liveness plus the audit degraded signal. The service
// keeps matching and delivering while degraded; operators must still see it.
func (h Handlers) Healthz(c *gin.Context) {
	status := "ok"
	auditStatus := "ok"
	if h.Trail != nil && h.Trail.Degraded() {
		status = "degraded"
		auditStatus = "buffering"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "audit": auditStatus})
}

// --- Subscriptions ---

type createSubscriptionRequest struct {
	OwnerScope string                 `json:"owner_scope"`
	Filter     subscription.Predicate `json:"filter"`
	Target     struct {
		URL     string `json:"url"`
		AuthRef string `json:"auth_ref"`
	} `json:"delivery_target"`
	EndDate *time.Time `json:"end_date"`
}

func (h Handlers) CreateSubscription(c *gin.Context) {
	app, granted, ok := callerIdentity(c)
	if !ok {
		return
	}

	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.OwnerScope == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "owner_scope required"})
		return
	}
	// A caller can only bind matches to a scope it actually holds.
	if !scope.Has(granted, req.OwnerScope) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "owner_scope not granted to caller"})
		return
	}

	sub, err := h.Subscriptions.Create(c.Request.Context(), subscription.CreateRequest{
		ApplicationID: app,
		OwnerScope:    req.OwnerScope,
		Filter:        req.Filter,
		Target:        subscription.DeliveryTarget{URL: req.Target.URL, AuthRef: req.Target.AuthRef},
		EndDate:       req.EndDate,
	})
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h Handlers) ListSubscriptions(c *gin.Context) {
	app, _, ok := callerIdentity(c)
	if !ok {
		return
	}
	subs, err := h.Subscriptions.ListByApplication(c.Request.Context(), app)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if subs == nil {
		subs = []subscription.Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h Handlers) GetSubscription(c *gin.Context) {
	app, _, ok := callerIdentity(c)
	if !ok {
		return
	}
	sub, err := h.Subscriptions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	// Existence of another application's subscription is not disclosed.
	if sub.ApplicationID != app {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

type updateStatusRequest struct {
	Status subscription.Status `json:"status"`
}

func (h Handlers) UpdateSubscriptionStatus(c *gin.Context) {
	app, _, ok := callerIdentity(c)
	if !ok {
		return
	}
	id := c.Param("id")

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	if !h.ownsSubscription(c, app, id) {
		return
	}
	sub, err := h.Subscriptions.UpdateStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

type endSubscriptionRequest struct {
	EndDate time.Time `json:"end_date"`
}

// EndSubscription sets an end date, the register's way of closing a
// volgindicatie without revoking it.
func (h Handlers) EndSubscription(c *gin.Context) {
	app, _, ok := callerIdentity(c)
	if !ok {
		return
	}
	id := c.Param("id")

	var req endSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	if !h.ownsSubscription(c, app, id) {
		return
	}
	sub, err := h.Subscriptions.End(c.Request.Context(), id, req.EndDate)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h Handlers) ownsSubscription(c *gin.Context, app, id string) bool {
	sub, err := h.Subscriptions.Get(c.Request.Context(), id)
	if err != nil {
		abortWithServiceError(c, err)
		return false
	}
	if sub.ApplicationID != app {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return false
	}
	return true
}

// --- Event intake (HTTP feed variant) ---

func (h Handlers) IngestEvent(c *gin.Context) {
	var raw mutation.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	timeout := h.IngestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	status, err := h.Intake.Ingest(ctx, raw)
	switch {
	case errors.Is(err, mutation.ErrMalformed):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, mutation.ErrBusy):
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "intake saturated, retry later"})
	case err != nil:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingest failed"})
	case status == mutation.IngestDuplicate:
		c.JSON(http.StatusOK, gin.H{"status": string(status)})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": string(status)})
	}
}

// --- Audit query ---

func (h Handlers) QueryAudit(c *gin.Context) {
	q := audit.Query{
		SubscriptionID: c.Query("subscription_id"),
		EventID:        c.Query("event_id"),
		Cursor:         c.Query("cursor"),
	}
	if v := c.Query("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		q.From = ts
	}
	if v := c.Query("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		q.To = ts
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		q.Limit = n
	}

	page, err := h.Trail.Query(c.Request.Context(), q)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if page.Records == nil {
		page.Records = []audit.Record{}
	}
	c.JSON(http.StatusOK, page)
}

// --- shared helpers ---

func callerIdentity(c *gin.Context) (app string, granted []string, ok bool) {
	app, err := auth.ApplicationID(c.Request.Context())
	if err != nil || app == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "application identity required"})
		return "", nil, false
	}
	granted, err = auth.Scopes(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "scopes required"})
		return "", nil, false
	}
	return app, granted, true
}

func abortWithServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
	case errors.Is(err, subscription.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, subscription.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
