// Package api serves the admin HTTP API: verdict lookup and removal, the
// lockdown switch, live statistics, prometheus metrics and the WebRTC offer
// endpoint. It is meant to be bound to a private address.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/limbo/internal/fallback"
	"github.com/1ureka/limbo/internal/metrics"
	"github.com/1ureka/limbo/internal/util"
	"github.com/1ureka/limbo/internal/verdict"
)

// OfferFunc answers a WebRTC offer from a client.
type OfferFunc func(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)

// Options selects what the router serves. Engine is required.
type Options struct {
	Engine  *fallback.Engine
	Metrics *metrics.Metrics // nil disables /metrics
	Offer   OfferFunc        // nil disables /webrtc/offer
}

// VerdictResponse describes a cached verdict.
type VerdictResponse struct {
	Addr     string    `json:"addr"`
	Outcome  string    `json:"outcome"`
	Expiry   time.Time `json:"expiry"`
	Offenses int       `json:"offenses"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	util.Snapshot
	Verifying   int  `json:"verifying"`
	Trusted     int  `json:"trusted"`
	Blacklisted int  `json:"blacklisted"`
	Lockdown    bool `json:"lockdown"`
}

type lockdownRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// NewRouter builds the admin API.
func NewRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logRequests())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/verdicts/:addr", handleLookup(opts.Engine))
		api.DELETE("/verdicts/:addr", handleForget(opts.Engine))
		api.GET("/lockdown", handleGetLockdown(opts.Engine))
		api.POST("/lockdown", handleSetLockdown(opts.Engine))
		api.GET("/stats", handleStats(opts.Engine))
		api.GET("/sessions", func(c *gin.Context) {
			c.JSON(http.StatusOK, opts.Engine.Sessions())
		})
	}

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	if opts.Offer != nil {
		r.POST("/webrtc/offer", handleOffer(opts.Offer))
	}

	return r
}

// logRequests logs every request at debug level.
func logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		util.LogDebug("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start).Round(time.Microsecond))
	}
}

func handleLookup(e *fallback.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, err := verdict.ParseAddr(c.Param("addr"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
			return
		}

		entry, ok := e.Lookup(addr)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no verdict for " + addr.String()})
			return
		}
		c.JSON(http.StatusOK, VerdictResponse{
			Addr:     addr.String(),
			Outcome:  entry.Outcome.String(),
			Expiry:   entry.Expiry,
			Offenses: entry.Offenses,
		})
	}
}

func handleForget(e *fallback.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, err := verdict.ParseAddr(c.Param("addr"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
			return
		}

		removed := e.Forget(addr)
		util.LogInfo("Verdict of %s removed through the admin API", addr)
		c.JSON(http.StatusOK, gin.H{"addr": addr.String(), "removed": removed})
	}
}

func handleGetLockdown(e *fallback.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"enabled": e.Lockdown()})
	}
}

func handleSetLockdown(e *fallback.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req lockdownRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expected {\"enabled\": bool}"})
			return
		}
		e.SetLockdown(*req.Enabled)
		c.JSON(http.StatusOK, gin.H{"enabled": e.Lockdown()})
	}
}

func handleStats(e *fallback.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		trusted, blacklisted := e.CacheCounts()
		c.JSON(http.StatusOK, StatsResponse{
			Snapshot:    util.Stats.Snapshot(),
			Verifying:   e.Active(),
			Trusted:     trusted,
			Blacklisted: blacklisted,
			Lockdown:    e.Lockdown(),
		})
	}
}

func handleOffer(answer OfferFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var offer webrtc.SessionDescription
		if err := c.ShouldBindJSON(&offer); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session description"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		desc, err := answer(ctx, offer)
		if err != nil {
			util.LogDebug("WebRTC offer from %s failed: %v", c.ClientIP(), err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, desc)
	}
}

// Serve runs h on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return errors.Join(err, serveErr)
		}
		return err
	}
}
