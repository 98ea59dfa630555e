package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rollcall/internal/audit"
	"rollcall/internal/checkin"
)

type qrCheckInRequest struct {
	SessionToken   string `json:"sessionToken" binding:"required"`
	StudentQRToken string `json:"studentQrToken" binding:"required"`
	DeviceID       string `json:"deviceId"`
	ClientEventID  string `json:"clientEventId"`
}

// CheckInQR records a QR scan against an open session.
func (h *Handler) CheckInQR(c *gin.Context) {
	var req qrCheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.engine.RecordQR(c.Request.Context(), checkin.QRCheckIn{
		SessionToken:   req.SessionToken,
		StudentQRToken: req.StudentQRToken,
		DeviceID:       req.DeviceID,
		ClientEventID:  req.ClientEventID,
	})
	if err != nil {
		checkinError(c, err)
		return
	}
	if res.Duplicate {
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"studentId": res.Record.StudentID,
		"status":    res.Record.Status,
		"timestamp": res.Record.Timestamp,
	})
}

type faceCheckInRequest struct {
	SessionToken  string    `json:"sessionToken" binding:"required"`
	Embedding     []float64 `json:"embedding"`
	StudentID     string    `json:"studentId"`
	Score         *float64  `json:"score"`
	DeviceID      string    `json:"deviceId"`
	ClientEventID string    `json:"clientEventId"`
}

// CheckInFace records a face check-in. The caller supplies either a raw
// embedding, forwarded to the external matcher, or a pre-resolved
// studentId plus score.
func (h *Handler) CheckInFace(c *gin.Context) {
	var req faceCheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var match *checkin.Match
	switch {
	case req.StudentID != "" && req.Score != nil:
		match = &checkin.Match{StudentID: req.StudentID, Score: *req.Score}
	case len(req.Embedding) > 0:
		if h.face == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "face_service_unconfigured"})
			return
		}
		found, err := h.face.Verify(c.Request.Context(), req.Embedding)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "face_service_unavailable"})
			return
		}
		if found != nil {
			match = &checkin.Match{StudentID: found.StudentID, Score: found.Score}
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "embedding or studentId+score required"})
		return
	}

	res, err := h.engine.RecordFace(c.Request.Context(), checkin.FaceCheckIn{
		SessionToken:  req.SessionToken,
		Match:         match,
		DeviceID:      req.DeviceID,
		ClientEventID: req.ClientEventID,
	})
	if err != nil {
		checkinError(c, err)
		return
	}

	switch res.Outcome {
	case checkin.FaceOutcomeFailed:
		c.JSON(http.StatusOK, gin.H{"status": "failed"})
	case checkin.FaceOutcomePending:
		c.JSON(http.StatusOK, gin.H{"status": "pending", "score": res.Score})
	default:
		if res.Result.Duplicate {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_event"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "present",
			"studentId": res.Result.Record.StudentID,
			"score":     res.Score,
			"timestamp": res.Result.Record.Timestamp,
		})
	}
}

type overrideRequest struct {
	StudentID string `json:"studentId" binding:"required"`
	Status    string `json:"status" binding:"required"`
	Reason    string `json:"reason"`
}

// Override records a teacher decision for one student in a session the
// caller owns.
func (h *Handler) Override(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := actorFrom(c)

	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		sessionError(c, err)
		return
	}

	res, err := h.engine.Override(c.Request.Context(), sess, actor.ID, req.StudentID, req.Status, req.Reason)
	if err != nil {
		checkinError(c, err)
		return
	}

	h.audit.Record(c.Request.Context(), audit.Entry{
		Action:  "attendance.override",
		ActorID: actor.ID,
		Subject: req.StudentID,
		Detail:  map[string]string{"sessionId": sess.ID, "status": req.Status, "reason": req.Reason},
	})

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"studentId": res.Record.StudentID,
		"status":    res.Record.Status,
		"timestamp": res.Record.Timestamp,
	})
}

func checkinError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, checkin.ErrInvalidOrExpiredSession), errors.Is(err, checkin.ErrSessionExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_or_expired_session"})
	case errors.Is(err, checkin.ErrStudentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "student_not_found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}
