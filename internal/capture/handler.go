package capture

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"inspection-sync/internal/answers"
	"inspection-sync/internal/conflicts"
	"inspection-sync/internal/drafts"
	"inspection-sync/internal/media"
	"inspection-sync/internal/shared/server/respond"
)

const (
	maxMediaSize      = 25 << 20 // 25MB
	heartbeatInterval = 15 * time.Second
)

// Handler wires the capture UI API to the service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches capture routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	insp := rg.Group("/inspections/:templateId/:subjectId", h.scope)
	insp.GET("/draft", h.load)
	insp.PUT("/draft", h.save)
	insp.DELETE("/draft", h.discard)
	insp.POST("/submit", h.submit)
	insp.POST("/conflict/resolve", h.resolve)
	insp.GET("/candidates", h.candidates)
	insp.POST("/candidates/:candidateId/resume", h.resume)
	insp.POST("/start-new", h.startNew)
	insp.POST("/media", h.stageMedia)
	insp.POST("/media/retry", h.retryMedia)

	rg.GET("/media/signed-url", h.signedURL)
	rg.GET("/queue", h.queueStatus)
	rg.POST("/sync", h.syncNow)
	rg.POST("/connectivity", h.connectivity)
	rg.GET("/events", h.events)
}

// scope tags the request with the inspection it belongs to for logging.
func (h *Handler) scope(c *gin.Context) {
	c.Set("templateId", c.Param("templateId"))
	c.Set("subjectId", c.Param("subjectId"))
	c.Next()
}

func (h *Handler) load(c *gin.Context) {
	refresh := c.Query("refresh") == "true"
	res, err := h.Svc.LoadDraft(c.Request.Context(), c.Param("templateId"), c.Param("subjectId"), refresh)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, res)
}

type saveRequest struct {
	Answers         json.RawMessage `json:"answers"`
	Status          string          `json:"status"`
	TemplateVersion *time.Time      `json:"templateVersion"`
}

func (h *Handler) save(c *gin.Context) {
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	m, err := answers.FromJSON(req.Answers)
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "answers must be a JSON object", nil)
		return
	}
	status := drafts.Status(strings.TrimSpace(req.Status))
	if status != "" && status != drafts.StatusDraft && status != drafts.StatusInProgress {
		respond.Error(c, http.StatusBadRequest, "validation_error", "status must be draft or in_progress", nil)
		return
	}
	in := SaveInput{
		TemplateID: c.Param("templateId"),
		SubjectID:  c.Param("subjectId"),
		Answers:    m,
		Status:     status,
	}
	if req.TemplateVersion != nil {
		in.TemplateVersion = req.TemplateVersion.UTC()
	}

	res, err := h.Svc.SaveDraft(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	if res.Queued {
		c.Set("syncOutcome", "queued")
	}
	respond.JSON(c, http.StatusOK, res)
}

func (h *Handler) discard(c *gin.Context) {
	if err := h.Svc.Discard(c.Request.Context(), c.Param("templateId"), c.Param("subjectId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type submitRequest struct {
	Answers json.RawMessage `json:"answers"`
}

func (h *Handler) submit(c *gin.Context) {
	var req submitRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
			return
		}
	}
	in := SubmitInput{TemplateID: c.Param("templateId"), SubjectID: c.Param("subjectId")}
	if len(req.Answers) > 0 && string(req.Answers) != "null" {
		m, err := answers.FromJSON(req.Answers)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "answers must be a JSON object", nil)
			return
		}
		in.Answers = m
	}

	res, err := h.Svc.Submit(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Set("syncOutcome", res.Status)
	switch res.Status {
	case SubmitSubmitted:
		respond.JSON(c, http.StatusOK, res)
	case SubmitRejected:
		respond.JSON(c, http.StatusUnprocessableEntity, res)
	default:
		respond.JSON(c, http.StatusAccepted, res)
	}
}

type resolveRequest struct {
	Strategy string `json:"strategy"`
}

func (h *Handler) resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	strategy, err := conflicts.ParseStrategy(req.Strategy)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.Svc.ResolveConflict(c.Request.Context(), c.Param("templateId"), c.Param("subjectId"), strategy)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{
		"strategy":        res.Strategy,
		"answers":         res.Answers,
		"templateVersion": res.TemplateVersion,
		"kept":            res.Kept,
		"dropped":         res.Dropped,
	})
}

func (h *Handler) candidates(c *gin.Context) {
	listing, err := h.Svc.Candidates(c.Request.Context(), c.Param("templateId"), c.Param("subjectId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	body := gin.H{
		"candidates":  listing.Candidates,
		"needsChoice": listing.NeedsChoice,
	}
	if listing.RemoteErr != nil {
		body["remoteWarning"] = listing.RemoteErr.Error()
	}
	respond.JSON(c, http.StatusOK, body)
}

func (h *Handler) resume(c *gin.Context) {
	m, cand, err := h.Svc.Resume(c.Request.Context(), c.Param("templateId"), c.Param("subjectId"), c.Param("candidateId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{"candidate": cand, "answers": m})
}

func (h *Handler) startNew(c *gin.Context) {
	m, err := h.Svc.StartNew(c.Request.Context(), c.Param("templateId"), c.Param("subjectId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{"answers": m})
}

func (h *Handler) stageMedia(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxMediaSize)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "file is required", nil)
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}
	defer file.Close()

	ref, err := h.Svc.StageMedia(c.Request.Context(), c.Param("templateId"), c.Param("subjectId"),
		c.PostForm("questionId"), fileHeader.Filename, file)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.JSON(c, http.StatusCreated, ref)
}

func (h *Handler) retryMedia(c *gin.Context) {
	n, err := h.Svc.RetryMedia(c.Request.Context(), c.Param("templateId"), c.Param("subjectId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{"restarted": n})
}

func (h *Handler) signedURL(c *gin.Context) {
	link, err := h.Svc.SignedURL(c.Request.Context(), c.Query("key"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, link)
}

func (h *Handler) queueStatus(c *gin.Context) {
	st, err := h.Svc.QueueStatus(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, st)
}

func (h *Handler) syncNow(c *gin.Context) {
	online := h.Svc.SyncNow()
	if !online {
		c.Set("syncOutcome", "offline")
	}
	respond.JSON(c, http.StatusAccepted, gin.H{"triggered": true, "online": online})
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (h *Handler) connectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "online is required", nil)
		return
	}
	changed := h.Svc.SetOnline(*req.Online)
	respond.JSON(c, http.StatusOK, gin.H{"online": *req.Online, "changed": changed})
}

// events streams Service events as Server-Sent Events until the client
// goes away.
func (h *Handler) events(c *gin.Context) {
	ch, cancel := h.Svc.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(EventPhase, map[string]Phase{"phase": h.Svc.Phase()})
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		}
	})
}

func (h *Handler) fail(c *gin.Context, err error) {
	var storageErr *StorageError
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, conflicts.ErrUnknownStrategy):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, ErrConflictUnresolved):
		respond.Error(c, http.StatusConflict, "template_conflict", "resolve the template change before submitting", nil)
	case errors.Is(err, conflicts.ErrNoConflict), errors.Is(err, conflicts.ErrAlreadyResolved):
		respond.Error(c, http.StatusConflict, "no_conflict", err.Error(), nil)
	case errors.Is(err, drafts.ErrCandidateNotFound), errors.Is(err, media.ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ErrTemplateUnavailable):
		respond.Error(c, http.StatusServiceUnavailable, "template_unavailable", err.Error(), nil)
	case errors.Is(err, ErrMediaDisabled):
		respond.Error(c, http.StatusNotImplemented, "media_disabled", err.Error(), nil)
	case errors.As(err, &storageErr):
		respond.Error(c, http.StatusInternalServerError, "storage_error", "local storage unavailable", gin.H{"op": storageErr.Op})
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", err.Error(), nil)
	}
}
