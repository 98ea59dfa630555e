package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rollcall/internal/session"
)

type startSessionRequest struct {
	ClassID           string     `json:"classId" binding:"required"`
	Title             string     `json:"title"`
	ScheduledAt       *time.Time `json:"scheduledAt"`
	Method            string     `json:"method"`
	LateWindowMinutes int        `json:"lateWindowMinutes"`
	TTLMinutes        int        `json:"ttlMinutes"`
}

// StartSession opens a session immediately and returns its token.
func (h *Handler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := actorFrom(c)

	res, err := h.sessions.Open(c.Request.Context(), session.OpenParams{
		ClassID:           req.ClassID,
		TeacherID:         actor.ID,
		Title:             req.Title,
		ScheduledAt:       req.ScheduledAt,
		Method:            req.Method,
		LateWindowMinutes: req.LateWindowMinutes,
		TTL:               time.Duration(req.TTLMinutes) * time.Minute,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":        res.Session.ID,
		"token":            res.Token,
		"expiresAt":        res.ExpiresAt,
		"expiresInSeconds": res.ExpiresInSeconds,
		"qrPayload":        res.QRPayload,
	})
}

// EndSession closes an open session and returns the tally.
func (h *Handler) EndSession(c *gin.Context) {
	res, err := h.sessions.Close(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "endedAt": res.EndedAt, "summary": res.Tally})
}

type extendSessionRequest struct {
	AdditionalMinutes int `json:"additionalMinutes"`
}

// ExtendSession pushes an open session's expiry forward.
func (h *Handler) ExtendSession(c *gin.Context) {
	var req extendSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AdditionalMinutes <= 0 {
		req.AdditionalMinutes = 30
	}

	newExpiry, err := h.sessions.Extend(c.Request.Context(), c.Param("id"), actorFrom(c), req.AdditionalMinutes)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":               true,
		"newEndTime":       newExpiry,
		"expiresInSeconds": int(time.Until(newExpiry) / time.Second),
	})
}

// CancelSession moves a draft or open session to cancelled.
func (h *Handler) CancelSession(c *gin.Context) {
	if err := h.sessions.Cancel(c.Request.Context(), c.Param("id"), actorFrom(c)); err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListSessions returns sessions visible to the caller.
func (h *Handler) ListSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	sessions, err := h.sessions.List(c.Request.Context(), actorFrom(c), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	views := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// SessionLogs returns a session's attendance records.
func (h *Handler) SessionLogs(c *gin.Context) {
	logs, err := h.sessions.Logs(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(logs), "logs": logs})
}

// SessionSummary returns the per-status tally for a session.
func (h *Handler) SessionSummary(c *gin.Context) {
	id := c.Param("id")
	actor := actorFrom(c)

	sess, err := h.sessions.Get(c.Request.Context(), id, actor)
	if err != nil {
		sessionError(c, err)
		return
	}
	tally, err := h.sessions.Summary(c.Request.Context(), id, actor)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionView(sess), "summary": tally})
}

// Subscribe streams started/ended transitions for one session over SSE.
// The bus is at-most-once: subscribers connected after a transition never
// see it.
func (h *Handler) Subscribe(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.sessions.Get(c.Request.Context(), id, actorFrom(c)); err != nil {
		sessionError(c, err)
		return
	}

	ch, cancel := h.events.Subscribe(id)
	defer cancel()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(evt.Name, evt)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func sessionView(s session.Session) gin.H {
	view := gin.H{
		"id":                s.ID,
		"classId":           s.ClassID,
		"teacherId":         s.TeacherID,
		"title":             s.Title,
		"status":            s.State.Status(),
		"method":            s.Method,
		"lateWindowMinutes": s.LateWindowMinutes,
		"scheduledAt":       s.ScheduledAt,
		"startAt":           s.StartAt,
		"endAt":             s.EndAt,
		"createdAt":         s.CreatedAt,
	}
	if open, ok := s.State.(session.Open); ok {
		view["tokenExpiresAt"] = open.ExpiresAt
	}
	return view
}

func sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, session.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, session.ErrAlreadyClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_closed"})
	case errors.Is(err, session.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}
