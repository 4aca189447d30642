// Package httpapi exposes the core operations over HTTP (gin).
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token or AllowInsecure.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"genqueue/internal/core"
	"genqueue/internal/credential"
	"genqueue/internal/eventbus"
	"genqueue/internal/queue"
	logx "genqueue/pkg/logx"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const DefaultAddr = "127.0.0.1:8089"

func init() { gin.SetMode(gin.ReleaseMode) }

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	// CORSOrigins lists allowed browser origins; empty allows all.
	CORSOrigins []string
	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Service is the set of core operations the API calls.
type Service interface {
	Snapshot(ctx context.Context) (core.Snapshot, error)
	Enqueue(ctx context.Context, content string, options map[string]string) (string, error)
	Remove(ctx context.Context, id string) error
	Reorder(ctx context.Context, id string, dir queue.Direction) error
	Retry(ctx context.Context, id string) error
	SetAutomationEnabled(ctx context.Context, enabled bool) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SetCredential(ctx context.Context, value string, aux credential.Aux) error
	ClearCredential(ctx context.Context) error
}

type Server struct {
	cfg Config
	svc Service
	bus eventbus.Bus
	log logx.Logger
}

// New builds a server. bus may be nil, which disables the event stream.
func New(cfg Config, svc Service, bus eventbus.Bus, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, svc: svc, bus: bus, log: log}
}

// Handler returns the gin engine with every route mounted.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	cc := cors.DefaultConfig()
	if len(s.cfg.CORSOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = s.cfg.CORSOrigins
	}
	cc.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cc.AddAllowHeaders("Authorization", "Content-Type")
	r.Use(cors.New(cc))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/api", s.auth())
	api.GET("/snapshot", s.snapshot)
	api.GET("/events", s.events)
	api.POST("/queue", s.enqueue)
	api.DELETE("/queue/:id", s.remove)
	api.POST("/queue/:id/move", s.move)
	api.POST("/queue/:id/retry", s.retry)
	api.PUT("/automation", s.setAutomation)
	api.POST("/automation/pause", s.pause)
	api.POST("/automation/resume", s.resume)
	api.PUT("/credential", s.setCredential)
	api.DELETE("/credential", s.clearCredential)

	if s.cfg.Pprof {
		pp := r.Group("/debug/pprof", s.auth())
		pp.GET("/", gin.WrapF(hpprof.Index))
		pp.GET("/:name", pprofHandler)
	}
	return r
}

// Run serves until ctx is cancelled. It returns an error if the listener
// cannot be opened or the server stops on its own.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("http api refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errors.New("http api refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http api exited unexpectedly")
	}
	return err
}

// auth accepts "Authorization: Bearer <token>" or ?token=. An empty token
// disables the check.
func (s *Server) auth() gin.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		if got := c.Query("token"); got != "" && got == tok {
			c.Next()
			return
		}
		const p = "Bearer "
		if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			c.Next()
			return
		}
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			s.log.Warn("request failed", append(fields, logx.String("errors", c.Errors.String()))...)
			return
		}
		s.log.Debug("request", fields...)
	}
}

func pprofHandler(c *gin.Context) {
	switch name := c.Param("name"); name {
	case "cmdline":
		hpprof.Cmdline(c.Writer, c.Request)
	case "profile":
		hpprof.Profile(c.Writer, c.Request)
	case "symbol":
		hpprof.Symbol(c.Writer, c.Request)
	case "trace":
		hpprof.Trace(c.Writer, c.Request)
	default:
		hpprof.Handler(name).ServeHTTP(c.Writer, c.Request)
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
