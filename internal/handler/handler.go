package handler

import (
	"github.com/gin-gonic/gin"

	"rollcall/internal/audit"
	"rollcall/internal/auth"
	"rollcall/internal/bus"
	"rollcall/internal/checkin"
	"rollcall/internal/claim"
	"rollcall/internal/device"
	"rollcall/internal/faceclient"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/roster"
	"rollcall/internal/session"
)

// Handler binds the core services to the HTTP surface.
type Handler struct {
	sessions *session.Service
	engine   *checkin.Service
	devices  *device.Service
	claims   *claim.Service
	students *roster.Repository
	face     *faceclient.Client
	events   *bus.Bus
	audit    *audit.Sink

	jwtKey    string
	jwtIssuer string

	// devReturnSecrets echoes plaintext claim codes in responses; dev
	// setups only, production delivers them out-of-band.
	devReturnSecrets bool
}

// New creates a handler.
func New(sessions *session.Service, engine *checkin.Service, devices *device.Service,
	claims *claim.Service, students *roster.Repository, face *faceclient.Client,
	events *bus.Bus, sink *audit.Sink, jwtKey, jwtIssuer string, devReturnSecrets bool) *Handler {
	return &Handler{
		sessions:         sessions,
		engine:           engine,
		devices:          devices,
		claims:           claims,
		students:         students,
		face:             face,
		events:           events,
		audit:            sink,
		jwtKey:           jwtKey,
		jwtIssuer:        jwtIssuer,
		devReturnSecrets: devReturnSecrets,
	}
}

// Register mounts all routes under /v1. claimLimiter throttles the public
// claim redemption endpoint per client IP.
func (h *Handler) Register(r *gin.Engine, claimLimiter httpmiddleware.KeyedLimiter) {
	userAuth := auth.UserAuth(h.jwtKey, h.jwtIssuer)
	staff := auth.RequireRole("teacher", "admin")

	v1 := r.Group("/v1")

	sessions := v1.Group("/sessions", userAuth, staff)
	sessions.GET("", h.ListSessions)
	sessions.POST("/start", h.StartSession)
	sessions.POST("/:id/end", h.EndSession)
	sessions.PUT("/:id/extend", h.ExtendSession)
	sessions.POST("/:id/cancel", h.CancelSession)
	sessions.GET("/:id/logs", h.SessionLogs)
	sessions.GET("/:id/summary", h.SessionSummary)
	sessions.POST("/:id/override", h.Override)
	sessions.GET("/:id/subscribe", h.Subscribe)

	v1.POST("/checkin/qr", h.CheckInQR)
	v1.POST("/checkin/face", h.CheckInFace)

	v1.POST("/devices/register", userAuth, staff, h.RegisterDevice)
	v1.POST("/devices/:id/sync", h.SyncDevice)

	students := v1.Group("/students", userAuth, staff)
	students.POST("/:id/claim-code", h.IssueClaim)
	students.POST("/:id/regenerate-claim", h.RegenerateClaim)
	students.POST("/:id/generate-qr", h.GenerateQR)

	v1.POST("/claim", httpmiddleware.KeyedGinMiddleware(claimLimiter), h.RedeemClaim)
}

func actorFrom(c *gin.Context) session.Actor {
	claims := auth.FromContext(c)
	return session.Actor{ID: claims.Subject, Role: claims.Role}
}
