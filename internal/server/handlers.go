package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/perimetra/riskgate/internal/audit"
	"github.com/perimetra/riskgate/internal/bizrules"
	"github.com/perimetra/riskgate/internal/engine"
	"github.com/perimetra/riskgate/internal/identifier"
	"github.com/perimetra/riskgate/internal/logging"
	"github.com/perimetra/riskgate/internal/pagination"
	"github.com/perimetra/riskgate/internal/ratelimit"
	"github.com/perimetra/riskgate/internal/rules"
	"github.com/perimetra/riskgate/internal/validation"
)

// -----------------------------------------------------------------------------
// Assessments
// -----------------------------------------------------------------------------

// assessmentRequest is the wire form of one evaluation request.
type assessmentRequest struct {
	IdentifierKind  string                `json:"identifierKind" binding:"required"`
	IdentifierValue string                `json:"identifierValue" binding:"required"`
	Action          string                `json:"action" binding:"required"`
	Amount          float64               `json:"amount"`
	Currency        string                `json:"currency"`
	Tier            string                `json:"tier"`
	Verified        bool                  `json:"verified"`
	Country         string                `json:"country"`
	IPCountry       string                `json:"ipCountry"`
	PaymentMethod   string                `json:"paymentMethod"`
	NewDevice       bool                  `json:"newDevice"`
	NewLocation     bool                  `json:"newLocation"`
	NewCustomer     bool                  `json:"newCustomer"`
	Blacklisted     map[string]bool       `json:"blacklisted"`
	Attributes      map[string]string     `json:"attributes"`
	Transaction     *bizrules.Transaction `json:"transaction"`
}

func (s *Server) createAssessment(c *gin.Context) {
	var req assessmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.ValidAction("action", req.Action),
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidCountry("country", req.Country),
		validation.NonNegative("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": errs})
		return
	}

	id, err := identifier.New(identifier.Kind(req.IdentifierKind), req.IdentifierValue)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identifier", "message": err.Error()})
		return
	}

	tier := ratelimit.TierBasic
	if req.Tier != "" {
		tier = ratelimit.Tier(req.Tier)
		if !ratelimit.ValidTier(tier, ratelimit.DefaultTiers()) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier"})
			return
		}
	}

	decision, err := s.engine.Evaluate(c.Request.Context(), &engine.Request{
		Identifier:    id,
		Action:        req.Action,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Tier:          tier,
		Verified:      req.Verified,
		Transaction:   req.Transaction,
		Country:       req.Country,
		IPCountry:     req.IPCountry,
		PaymentMethod: req.PaymentMethod,
		NewDevice:     req.NewDevice,
		NewLocation:   req.NewLocation,
		NewCustomer:   req.NewCustomer,
		Blacklisted:   req.Blacklisted,
		Attributes:    req.Attributes,
		RequestID:     logging.RequestID(c.Request.Context()),
	})
	if err != nil {
		var se *bizrules.StructuralError
		if errors.As(err, &se) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "malformed_transaction", "field": se.Field, "message": se.Detail,
			})
			return
		}
		if errors.Is(err, engine.ErrSystem) {
			// Fail closed: an unavailable store never silently allows traffic.
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evaluation_unavailable"})
			return
		}
		logging.L(c.Request.Context()).Error("evaluation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, decision)
}

func (s *Server) listAssessments(c *gin.Context) {
	key := c.Param("identifier")
	limit := intQuery(c, "limit", 50)

	list, err := s.assessments.ListByIdentifier(c.Request.Context(), key, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("assessment lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": list, "count": len(list)})
}

// -----------------------------------------------------------------------------
// Validations
// -----------------------------------------------------------------------------

func (s *Server) validateTransaction(c *gin.Context) {
	var tx bizrules.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	violations, err := s.validator.Validate(&tx)
	if err != nil {
		var se *bizrules.StructuralError
		if errors.As(err, &se) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "malformed_transaction", "field": se.Field, "message": se.Detail,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":      len(violations) == 0,
		"violations": violations,
	})
}

// -----------------------------------------------------------------------------
// Rate limiting
// -----------------------------------------------------------------------------

type rateLimitRequest struct {
	IdentifierKind  string  `json:"identifierKind" binding:"required"`
	IdentifierValue string  `json:"identifierValue" binding:"required"`
	Action          string  `json:"action" binding:"required"`
	Amount          float64 `json:"amount"`
	Tier            string  `json:"tier"`
	Verified        bool    `json:"verified"`
}

func (r *rateLimitRequest) parse() (identifier.Identifier, ratelimit.Tier, error) {
	id, err := identifier.New(identifier.Kind(r.IdentifierKind), r.IdentifierValue)
	if err != nil {
		return identifier.Identifier{}, "", err
	}
	tier := ratelimit.TierBasic
	if r.Tier != "" {
		tier = ratelimit.Tier(r.Tier)
	}
	return id, tier, nil
}

// checkRateLimit runs a check without consuming quota. The caller commits the
// attempt separately through an assessment.
func (s *Server) checkRateLimit(c *gin.Context) {
	var req rateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	id, tier, err := req.parse()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identifier", "message": err.Error()})
		return
	}

	status, err := s.limiter.Check(c.Request.Context(), ratelimit.CheckRequest{
		Identifier: id,
		Action:     req.Action,
		Amount:     req.Amount,
		Tier:       tier,
		Verified:   req.Verified,
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("rate limit check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evaluation_unavailable"})
		return
	}

	code := http.StatusOK
	if !status.Allowed {
		code = http.StatusTooManyRequests
		c.Header("Retry-After", strconv.FormatInt(int64(status.RetryAfter.Seconds()+0.5), 10))
	}
	c.JSON(code, status)
}

func (s *Server) recordSuccess(c *gin.Context) {
	var req rateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	id, _, err := req.parse()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identifier", "message": err.Error()})
		return
	}

	if err := s.limiter.RecordSuccess(c.Request.Context(), id, req.Action); err != nil {
		logging.L(c.Request.Context()).Error("record success failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

func (s *Server) recordViolation(c *gin.Context) {
	var req rateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	id, _, err := req.parse()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identifier", "message": err.Error()})
		return
	}

	state, err := s.limiter.RecordViolation(c.Request.Context(), id, req.Action)
	if err != nil {
		logging.L(c.Request.Context()).Error("record violation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// -----------------------------------------------------------------------------
// Velocity
// -----------------------------------------------------------------------------

func (s *Server) getVelocity(c *gin.Context) {
	id, err := identifier.New(identifier.Kind(c.Param("kind")), c.Param("value"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identifier", "message": err.Error()})
		return
	}
	action := c.DefaultQuery("action", "payment")

	usage, err := s.velocity.QueryAll(c.Request.Context(), id, action)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evaluation_unavailable"})
		return
	}

	windows := make(map[string]any, len(usage))
	for size, u := range usage {
		windows[size.String()] = gin.H{"count": u.Count, "sum": u.Sum}
	}
	c.JSON(http.StatusOK, gin.H{
		"identifier": id.Key(),
		"action":     action,
		"windows":    windows,
	})
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

func (s *Server) listAuditEvents(c *gin.Context) {
	key := c.Query("identifier")
	limit := intQuery(c, "limit", 100)

	var from, to time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_from"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_to"})
			return
		}
		to = t
	}

	// Cursor pagination: the cursor carries the timestamp of the last event
	// seen, and List returns events strictly before it.
	if cur, err := pagination.Decode(c.Query("cursor")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	} else if cur != nil {
		to = cur.CreatedAt
	}

	events, err := s.auditSink.List(c.Request.Context(), key, from, to, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("audit lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	events, next, hasMore := pagination.ComputePage(events, limit, func(e *audit.Event) (time.Time, string) {
		return e.Timestamp, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"count":      len(events),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// -----------------------------------------------------------------------------
// Rules
// -----------------------------------------------------------------------------

func (s *Server) listRules(c *gin.Context) {
	list, err := s.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": list, "count": len(list)})
}

func (s *Server) getRule(c *gin.Context) {
	r, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) upsertRule(c *gin.Context) {
	var r rules.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	r.ID = c.Param("id")

	if err := s.registry.Save(c.Request.Context(), &r); err != nil {
		if errors.Is(err, rules.ErrInvalidRule) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rule", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("rule save failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	s.streamHub.BroadcastRuleChanged(r.ID, "upserted")
	c.JSON(http.StatusOK, &r)
}

func (s *Server) enableRule(c *gin.Context)  { s.setRuleEnabled(c, true) }
func (s *Server) disableRule(c *gin.Context) { s.setRuleEnabled(c, false) }

func (s *Server) setRuleEnabled(c *gin.Context, enabled bool) {
	id := c.Param("id")
	if err := s.registry.SetEnabled(c.Request.Context(), id, enabled); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	change := "disabled"
	if enabled {
		change = "enabled"
	}
	s.streamHub.BroadcastRuleChanged(id, change)
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
}

func (s *Server) deleteRule(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	s.streamHub.BroadcastRuleChanged(id, "deleted")
	c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true})
}

// -----------------------------------------------------------------------------
// Exemptions
// -----------------------------------------------------------------------------

type exemptionRequest struct {
	Action    string    `json:"action"`
	Reason    string    `json:"reason" binding:"required"`
	ExpiresAt time.Time `json:"expiresAt" binding:"required"`
}

func (s *Server) putExemption(c *gin.Context) {
	id, err := identifier.New(identifier.Kind(c.Param("kind")), c.Param("value"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identifier", "message": err.Error()})
		return
	}

	var req exemptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !req.ExpiresAt.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expiry_in_past"})
		return
	}

	e := &ratelimit.Exemption{
		Identifier: id.Key(),
		Action:     req.Action,
		Reason:     req.Reason,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  time.Now(),
	}
	if err := s.limiter.Exempt(c.Request.Context(), e); err != nil {
		logging.L(c.Request.Context()).Error("exemption save failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, e)
}

// -----------------------------------------------------------------------------
// Stream
// -----------------------------------------------------------------------------

func (s *Server) streamHandler(c *gin.Context) {
	s.streamHub.HandleWebSocket(c.Writer, c.Request)
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.streamHub.Stats())
}

func intQuery(c *gin.Context, name string, def int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
