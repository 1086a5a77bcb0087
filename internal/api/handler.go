// Package api serves the operator and collaborator HTTP surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"execution-core/internal/audit"
	"execution-core/internal/control"
	"execution-core/internal/events"
	"execution-core/internal/heartbeat"
	"execution-core/internal/model"
	"execution-core/internal/monitor"
	"execution-core/internal/oco"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/clock"
)

// Signals accepts strategy signals.
type Signals interface {
	Handle(ctx context.Context, sig model.Signal) (model.Decision, error)
}

// Groups is the operator view of the lifecycle manager.
type Groups interface {
	Groups(openOnly bool) []oco.Group
	Group(groupID string) (oco.Group, bool)
	Cancel(ctx context.Context, groupID string) (oco.Group, error)
	ForceExit(ctx context.Context, groupID, reason string) (oco.Group, error)
}

type RiskView interface {
	Snapshot() risk.State
	Stats() risk.Stats
}

type Positions interface {
	Positions() []state.Position
}

type Readiness interface {
	Record(feed heartbeat.Feed, ts time.Time)
	Status() heartbeat.Status
}

type Reconciler interface {
	Scan(ctx context.Context) (*reconciliation.Report, error)
	Last() *reconciliation.Report
}

type AuditLog interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
	Incidents(ctx context.Context, limit int) ([]audit.Snapshot, error)
}

// Deps wires the server.
type Deps struct {
	Signals    Signals
	Control    *control.Controller
	Groups     Groups
	Risk       RiskView
	Positions  Positions
	Readiness  Readiness
	Reconciler Reconciler
	Audit      AuditLog
	Metrics    *monitor.Metrics
	Bus        *events.Bus
	Lease      func() model.LeaseState
	// OnTick receives mark prices posted to /ticks.
	OnTick func(symbol string, price float64, at time.Time)
	Clock  clock.Clock
	Logger *zap.Logger

	JWTSecret   string
	CORSOrigins []string
	InstanceID  string
	Version     string
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64
	RateBurst int
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router *gin.Engine
	d      Deps
	log    *zap.Logger
	clock  clock.Clock
	http   *http.Server
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(d.Logger))
	if d.RateLimit > 0 {
		burst := d.RateBurst
		if burst <= 0 {
			burst = int(d.RateLimit) * 2
		}
		r.Use(RateLimitMiddleware(rate.Limit(d.RateLimit), burst, d.Logger))
	}
	r.Use(TimeoutMiddleware(30 * time.Second))

	s := &Server{Router: r, d: d, log: d.Logger, clock: d.Clock}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.d.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.d.Metrics.Handler()))
	}

	feeds := s.Router.Group("")
	feeds.Use(AuthMiddleware(s.d.JWTSecret, RoleStrategy, RoleOperator))
	{
		feeds.POST("/signals", s.postSignal)
		feeds.POST("/heartbeat", s.postHeartbeat)
		feeds.POST("/ticks", s.postTick)
	}

	ops := s.Router.Group("")
	ops.Use(AuthMiddleware(s.d.JWTSecret, RoleOperator))
	{
		ops.GET("/state", s.getState)
		ops.GET("/risk", s.getRisk)
		ops.POST("/mode", s.postMode)
		ops.POST("/flatten", s.postFlatten)
		ops.POST("/pause", s.postPause)
		ops.POST("/resume", s.postResume)
		ops.POST("/reconcile", s.postReconcile)
		ops.POST("/config", s.postConfig)
		ops.GET("/incidents", s.getIncidents)
		ops.GET("/audit", s.getAudit)
		ops.GET("/groups", s.getGroups)
		ops.GET("/groups/:id", s.getGroup)
		ops.POST("/groups/:id/cancel", s.cancelGroup)
		ops.POST("/groups/:id/exit", s.exitGroup)
		ops.GET("/ws", s.websocket)
	}
}

// Handler returns the router behind the CORS policy.
func (s *Server) Handler() http.Handler {
	origins := s.d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(s.Router)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutCtx)
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok", "instance_id": s.d.InstanceID, "version": s.d.Version}
	if s.d.Lease != nil {
		resp["leader"] = s.d.Lease().Valid(s.clock.Now())
	}
	if s.d.Readiness != nil {
		resp["ready"] = s.d.Readiness.Status().Ready
	}
	if s.d.Control != nil {
		resp["mode"] = s.d.Control.Mode()
	}
	c.JSON(http.StatusOK, resp)
}
