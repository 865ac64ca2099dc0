package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pagelens/pagelens/internal/common"
	"github.com/pagelens/pagelens/internal/httpapi/middleware"
	"github.com/pagelens/pagelens/internal/query"
	"github.com/pagelens/pagelens/internal/session"
)

// failForQueryErr maps core errors onto the response envelope. Internal
// details never reach the client; the anon-limit case gets its own code so
// the extension can show the sign-in prompt.
func failForQueryErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrInvalidInput):
		common.Fail(c, http.StatusBadRequest, 10002, "invalid request")
	case errors.Is(err, common.ErrAnonQueryLimit):
		common.Fail(c, http.StatusTooManyRequests, 42901, "free query limit reached, please sign in")
	case errors.Is(err, common.ErrUnauthorized), errors.Is(err, common.ErrSessionNotFound):
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	case errors.Is(err, common.ErrExternalService):
		common.Fail(c, http.StatusBadGateway, 50201, "generation failed, please retry later")
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func (h *Handler) sessionFromContext(c *gin.Context) (string, session.Kind, bool) {
	sid, ok := middleware.SessionIDFromContext(c)
	if !ok {
		return "", "", false
	}
	kind, ok := middleware.SessionKindFromContext(c)
	if !ok {
		return "", "", false
	}
	return sid, kind, true
}

type askReq struct {
	PageURL     string `json:"page_url" binding:"required"`
	PageContent string `json:"page_content"`
	Question    string `json:"question" binding:"required"`
}

func (h *Handler) Ask(c *gin.Context) {
	sid, kind, ok := h.sessionFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()

	// first fingerprint-based request creates the durable anon row
	if kind == session.KindAnon {
		if _, err := h.QuerySvc.EnsureAnonSession(ctx, sid); err != nil {
			log.Printf("[Ask] ensure anon session failed sid=%s err=%v", sid, err)
			failForQueryErr(c, err)
			return
		}
	}

	res, err := h.QuerySvc.Answer(ctx, query.Request{
		SessionID:   sid,
		Kind:        kind,
		PageURL:     req.PageURL,
		PageContent: req.PageContent,
		Question:    req.Question,
	})
	if err != nil {
		failForQueryErr(c, err)
		return
	}

	common.OK(c, res)
}

// GetSession lets the extension check whether its session is still alive
// and how much anonymous quota is left.
func (h *Handler) GetSession(c *gin.Context) {
	sid, kind, ok := h.sessionFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	rec, err := h.QuerySvc.ResolveSession(c.Request.Context(), sid, kind)
	if err != nil {
		failForQueryErr(c, err)
		return
	}

	common.OK(c, rec)
}

func (h *Handler) AskAsync(c *gin.Context) {
	sid, kind, ok := h.sessionFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	ctx := c.Request.Context()

	if kind == session.KindAnon {
		if _, err := h.QuerySvc.EnsureAnonSession(ctx, sid); err != nil {
			failForQueryErr(c, err)
			return
		}
	} else if _, err := h.QuerySvc.ResolveSession(ctx, sid, kind); err != nil {
		failForQueryErr(c, err)
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &query.Job{
		ID:             jobID,
		SessionID:      sid,
		SessionKind:    string(kind),
		PageURL:        req.PageURL,
		PageContent:    req.PageContent,
		Question:       req.Question,
		IdempotencyKey: idempoKeyPtr,
		Status:         query.JobQueued,
	}

	j, created, err := h.QuerySvc.CreateJobOrGetExisting(ctx, j)
	if err != nil {
		log.Printf("[AskAsync] create job failed sid=%s err=%v", sid, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(ctx, j.ID); err != nil {
			log.Printf("[AskAsync] publish failed sid=%s job=%s err=%v", sid, j.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": j.ID})
}

func (h *Handler) GetQueryJob(c *gin.Context) {
	sid, _, ok := h.sessionFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.QuerySvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}
	if j.SessionID != sid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":         j.ID,
			"status":     j.Status,
			"response":   j.Response,
			"model":      j.Model,
			"error":      j.Error,
			"created_at": j.CreatedAt,
			"updated_at": j.UpdatedAt,
		},
	})
}
