// Package web serves the federation endpoints: the inboxes, the actor
// documents remote servers fetch keys from, webfinger and metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/activitypub"
	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxActivitySize = 1 << 20
	shutdownTimeout = 10 * time.Second
)

type LocalActors interface {
	LoadLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error)
}

type Router struct {
	conf     *util.AppConfig
	inbox    *activitypub.Inbox
	actors   LocalActors
	gatherer prometheus.Gatherer
	global   *RateLimiter
	ap       *RateLimiter
	logger   *zap.Logger
}

// NewRouter builds the router. A nil gatherer serves the default registry
// on /metrics.
func NewRouter(conf *util.AppConfig, inbox *activitypub.Inbox, actors LocalActors, gatherer prometheus.Gatherer, logger *zap.Logger) *Router {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Router{
		conf:     conf,
		inbox:    inbox,
		actors:   actors,
		gatherer: gatherer,
		// 10 requests per second per IP, burst of 20
		global: NewRateLimiter(rate.Limit(10), 20),
		// inboxes are stricter
		ap:     NewRateLimiter(rate.Limit(5), 10),
		logger: util.OrNop(logger),
	}
}

func (rt *Router) Handler() http.Handler {
	if rt.conf.IsTest() {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	g := gin.New()
	g.Use(gin.Recovery(), LoggerMiddleware(rt.logger))
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	g.Use(RateLimitMiddleware(rt.global))

	maxBodySize := MaxBytesMiddleware(maxActivitySize)

	g.POST("/inbox", RateLimitMiddleware(rt.ap), maxBodySize, rt.handleInbox)
	g.POST("/accounts/:name/inbox", RateLimitMiddleware(rt.ap), maxBodySize, rt.handleActorInbox)
	g.GET("/accounts/:name", rt.handleActor)
	g.GET("/.well-known/webfinger", rt.handleWebfinger)
	g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{})))

	return g
}

// Serve listens on the configured port until ctx is done, then shuts down
// gracefully.
func (rt *Router) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", rt.conf.Conf.Host, rt.conf.Conf.HttpPort),
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go rt.global.Run(ctx)
	go rt.ap.Run(ctx)

	errs := make(chan error, 1)
	go func() {
		rt.logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (rt *Router) handleInbox(c *gin.Context) {
	rt.receive(c)
}

func (rt *Router) handleActorInbox(c *gin.Context) {
	name := c.Param("name")
	if _, err := rt.actors.LoadLocalActorByUsername(c.Request.Context(), name); err != nil {
		rt.notFoundOr(c, err)
		return
	}
	rt.receive(c)
}

// receive authenticates and processes one posted activity. Any verification
// failure is a 403 whatever its kind. A body that authenticates but is not a
// usable activity is a 400.
func (rt *Router) receive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	ctx := c.Request.Context()
	va, err := rt.inbox.Verify(ctx, c.Request, body)
	if errors.Is(err, activitypub.ErrMalformedActivity) {
		rt.logger.Info("Inbox: malformed activity",
			zap.String("path", c.Request.URL.Path), zap.String("ip", c.ClientIP()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		rt.logger.Info("Inbox: rejected request",
			zap.String("path", c.Request.URL.Path), zap.String("ip", c.ClientIP()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Signature verification failed"})
		return
	}

	err = rt.inbox.Process(ctx, va)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, activitypub.ErrMalformedActivity):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, activitypub.ErrNotLocalActor), errors.Is(err, domain.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		rt.logger.Error("Inbox: failed to process activity",
			zap.String("type", va.Activity.Type), zap.String("actor", va.Activity.ActorURL()), zap.Error(err))
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func (rt *Router) notFoundOr(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}
