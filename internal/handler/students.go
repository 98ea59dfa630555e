package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rollcall/internal/audit"
	"rollcall/internal/claim"
	"rollcall/internal/roster"
)

// IssueClaim mints a claim code for an unclaimed roster entry. The
// plaintext is delivered out-of-band in production.
func (h *Handler) IssueClaim(c *gin.Context) {
	h.issueClaim(c, "claim.issue")
}

// RegenerateClaim reissues a code, invalidating the previous one.
func (h *Handler) RegenerateClaim(c *gin.Context) {
	h.issueClaim(c, "claim.regenerate")
}

func (h *Handler) issueClaim(c *gin.Context, action string) {
	studentID := c.Param("id")
	actor := actorFrom(c)

	res, err := h.claims.Issue(c.Request.Context(), studentID)
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "student_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	h.audit.Record(c.Request.Context(), audit.Entry{
		Action:  action,
		ActorID: actor.ID,
		Subject: studentID,
	})

	out := gin.H{"ok": true, "expiresAt": res.ExpiresAt}
	if h.devReturnSecrets {
		out["claimCode"] = res.Code
	}
	c.JSON(http.StatusOK, out)
}

// GenerateQR rotates a student's QR token.
func (h *Handler) GenerateQR(c *gin.Context) {
	studentID := c.Param("id")

	token, err := h.students.RotateQRToken(c.Request.Context(), studentID)
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "student_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "qrToken": token})
}

type redeemClaimRequest struct {
	ClaimCode string `json:"claimCode" binding:"required"`
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=8"`
	Name      string `json:"name"`
}

// RedeemClaim exchanges a claim code plus new credentials for a linked
// login identity and a fresh access token.
func (h *Handler) RedeemClaim(c *gin.Context) {
	var req redeemClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.claims.Redeem(c.Request.Context(), req.ClaimCode, req.Email, req.Password, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, claim.ErrInvalidOrExpiredClaim):
			c.JSON(http.StatusNotFound, gin.H{"error": "invalid_or_expired_claim"})
		case errors.Is(err, claim.ErrTooManyAttempts):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts"})
		case errors.Is(err, claim.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "email_already_in_use"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"token":     res.Token,
		"expiresAt": res.ExpiresAt,
		"userId":    res.UserID,
		"studentId": res.StudentID,
	})
}
