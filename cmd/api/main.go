package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/audit"
	"rollcall/internal/auth"
	"rollcall/internal/bus"
	"rollcall/internal/checkin"
	"rollcall/internal/claim"
	"rollcall/internal/config"
	"rollcall/internal/device"
	"rollcall/internal/faceclient"
	"rollcall/internal/handler"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/roster"
	"rollcall/internal/session"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.EnsureSchema(context.Background()); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	events := bus.New()

	var auditQueue audit.Queue
	var syncLimiter httpmiddleware.KeyedLimiter
	var claimLimiter httpmiddleware.KeyedLimiter
	if cfg.QueueBackend == "memory" {
		auditQueue = audit.NewInMemory(256)
		syncLimiter = httpmiddleware.NewMemoryFixedWindow(cfg.DeviceSyncRateMax, cfg.DeviceSyncRateWindow)
		claimLimiter = httpmiddleware.NewMemoryFixedWindow(cfg.ClaimRatePerHour, time.Hour)
	} else {
		auditQueue = audit.NewRedisQueue(redisClient.Client, "rollcall:audit")
		syncLimiter = httpmiddleware.NewRedisFixedWindow(redisClient.Client, "rollcall:sync", cfg.DeviceSyncRateMax, cfg.DeviceSyncRateWindow)
		claimLimiter = httpmiddleware.NewRedisFixedWindow(redisClient.Client, "rollcall:claim", cfg.ClaimRatePerHour, time.Hour)
	}
	sink := audit.NewSink(auditQueue)

	sessionRepo := session.NewRepository(db.Client)
	sessions := session.NewService(sessionRepo, events, cfg.SessionTTL)

	students := roster.NewRepository(db.Client)

	checkinRepo := checkin.NewRepository(db.Client)
	engine := checkin.NewService(sessions, checkinRepo, students, cfg.FaceMatchThreshold)

	deviceRepo := device.NewRepository(db.Client)
	devices := device.NewService(deviceRepo, engine, syncLimiter)

	claimRepo := claim.NewRepository(db.Client)
	claims := claim.NewService(claimRepo, cfg.ClaimSecret, cfg.ClaimTTL, cfg.ClaimMaxAttempts, cfg.ClaimLockDuration,
		func(userID, role string) (string, time.Time, error) {
			return auth.Issue(userID, role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		})

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if err := face.Health(context.Background()); err != nil {
		log.Printf("warning: face service not available: %v", err)
	}

	sweeper := session.NewSweeper(sessions, cfg.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	h := handler.New(sessions, engine, devices, claims, students, face, events, sink,
		cfg.JWTSigningKey, cfg.JWTIssuer, cfg.DevReturnSecrets)
	h.Register(r, claimLimiter)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout: 15 * time.Second,
		// no write timeout: SSE subscribers hold their response open
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
