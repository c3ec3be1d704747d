// Package webhook exposes the payment notification endpoints and keeps the
// TonAPI account subscriptions in sync with the ledger.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/beton-ads/beton/internal/gateway"
	"github.com/beton-ads/beton/internal/metrics"
	"github.com/beton-ads/beton/internal/reconcile"
)

const maxPayloadBytes = 1 << 20

// Reconciler applies a normalized notification
type Reconciler interface {
	Reconcile(ctx context.Context, ev gateway.Event) reconcile.Outcome
}

// Pinger reports whether the ledger is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server handles incoming payment notifications
type Server struct {
	reconciler Reconciler
	ledger     Pinger
	log        *zap.Logger

	server *http.Server
}

// NewServer creates a new webhook server. ledger may be nil.
func NewServer(reconciler Reconciler, ledger Pinger, log *zap.Logger) *Server {
	return &Server{
		reconciler: reconciler,
		ledger:     ledger,
		log:        log,
	}
}

// Router builds the gin engine with all routes and middleware
func (s *Server) Router(serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(LoggerMiddleware(s.log))
	router.Use(metrics.MetricsMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", metrics.PrometheusHandler())

	router.POST("/ipn/:provider", s.handleNotification)
	// Electrum merchant setups predating provider routing post here
	router.POST("/ipn", s.handleLegacy)

	return router
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context, port int, serviceName string) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Info("starting webhook server", zap.Int("port", port))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server forced to shutdown", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.ledger != nil {
		if err := s.ledger.Ping(c.Request.Context()); err != nil {
			s.log.Warn("health check: ledger unreachable", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleLegacy(c *gin.Context) {
	s.handle(c, gateway.ProviderElectrum)
}

func (s *Server) handleNotification(c *gin.Context) {
	provider, err := gateway.ParseProvider(c.Param("provider"))
	if err != nil {
		metrics.RecordNotification(c.Param("provider"), "rejected", "unknown-provider")
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.handle(c, provider)
}

func (s *Server) handle(c *gin.Context, provider gateway.Provider) {
	log := s.log.With(zap.String("provider", string(provider)), zap.String("trace_id", traceID(c)))

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		log.Warn("read notification body", zap.Error(err))
		metrics.RecordNotification(string(provider), "rejected", "malformed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	log.Debug("notification received", zap.ByteString("payload", raw))

	ev, err := gateway.Normalize(raw, provider)
	if err != nil {
		log.Warn("invalid notification payload", zap.Error(err))
		metrics.RecordNotification(string(provider), "rejected", "malformed")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out := s.reconciler.Reconcile(c.Request.Context(), ev)
	c.JSON(StatusFor(out), gin.H{
		"key":      out.Key,
		"result":   out.Result.String(),
		"reason":   string(out.Reason),
		"warnings": out.Warnings,
	})
}

// StatusFor maps an outcome to the HTTP status returned to the provider.
// 5xx makes providers retry, so it is kept for failures a retry can fix.
func StatusFor(out reconcile.Outcome) int {
	switch out.Result {
	case reconcile.ResultApplied, reconcile.ResultNoOp:
		return http.StatusOK
	}
	switch out.Reason {
	case reconcile.ReasonVerificationFailed, reconcile.ReasonLedgerError:
		return http.StatusServiceUnavailable
	case reconcile.ReasonLinkFailed:
		// the payment itself was recorded
		return http.StatusOK
	}
	return http.StatusUnprocessableEntity
}

// LoggerMiddleware logs every request with its trace id
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP Request",
			zap.String("trace_id", traceID(c)),
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func traceID(c *gin.Context) string {
	span := trace.SpanFromContext(c.Request.Context())
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
