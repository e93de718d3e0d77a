package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/websteadhq/webstead/activitypub"
	"github.com/websteadhq/webstead/util"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 30 * time.Second

// Handler serves the federation endpoints of every webstead. The webstead
// is resolved per request from the host or the handle in the path.
type Handler struct {
	conf  *util.AppConfig
	store Store
	fed   *activitypub.Federation
	log   *zap.Logger
}

func NewRouter(conf *util.AppConfig, store Store, fed *activitypub.Federation, logger *zap.Logger, gatherer prometheus.Gatherer) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &Handler{conf: conf, store: store, fed: fed, log: logger.Named("web")}

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(h.log))

	reads := g.Group("/", gzip.Gzip(gzip.DefaultCompression))
	reads.GET("/actor", h.HandleActor)
	reads.GET("/u/:handle", h.HandleActorByHandle)
	reads.GET("/.well-known/webfinger", h.HandleWebfinger)
	reads.GET("/actor/outbox", h.HandleOutbox)
	reads.GET("/@:handle/outbox", h.HandleOutboxByHandle)
	reads.GET("/@:handle/feed.rss", h.HandleFeed)

	// Inbound activities are rate limited per IP and size capped
	limiter := NewRateLimiter(rate.Limit(conf.Conf.RateLimit), conf.Conf.RateBurst)
	inbox := g.Group("/", RateLimitMiddleware(limiter), MaxBytesMiddleware(conf.Conf.MaxBodyBytes))
	inbox.POST("/actor/inbox", h.HandleInbox)
	inbox.POST("/users/:handle/inbox", h.HandleInboxByHandle)

	g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	g.GET("/up", h.HandleUp)

	return g
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func Serve(ctx context.Context, conf *util.AppConfig, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP: listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("HTTP: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (h *Handler) HandleUp(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.log.Error("Health: database unreachable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
