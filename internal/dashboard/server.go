package dashboard

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"zapflow/config"
	"zapflow/internal/metrics"
	"zapflow/internal/session"
	"zapflow/logger"
	"zapflow/models"
)

//go:embed templates/*.tmpl assets/*
var embeddedFS embed.FS

// SessionSource resolves the tracked targets.
type SessionSource interface {
	List() []*session.Session
	Get(key string) (*session.Session, bool)
}

// Server hosts the Gin-powered dashboard and the target API.
type Server struct {
	cfg               config.DashboardConfig
	log               *logger.Log
	sessions          SessionSource
	metricStore       *metricStore
	logStore          *logStore
	metricHandler     metrics.MetricHandlerID
	httpServer        *http.Server
	refreshIntervalMs int
	resourceSampler   *resourceSampler
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, sessions SessionSource) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if sessions == nil {
		return nil, errors.New("dashboard requires a session source")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.Refresh <= 0 {
		cfg.Refresh = 5 * time.Second
	}

	if cfg.LogLimit <= 0 {
		cfg.LogLimit = 200
	}

	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}

	metricStore := newMetricStore(cfg.HistorySize)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogLimit)
	log.AddHook(logStore)

	sampler := newResourceSampler(cfg.HistorySize, cfg.Refresh, "/", relayTotals(sessions), log)

	server := &Server{
		cfg:               cfg,
		log:               log,
		sessions:          sessions,
		metricStore:       metricStore,
		logStore:          logStore,
		metricHandler:     handlerID,
		refreshIntervalMs: int(cfg.Refresh / time.Millisecond),
		resourceSampler:   sampler,
	}

	return server, nil
}

// Run starts the dashboard HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	if s.resourceSampler != nil {
		s.resourceSampler.start(ctx)
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	// Allow running behind load balancers and accessing the dashboard from
	// public networks by trusting all proxies by default. Users can
	// override Gin's trusted proxy list via the GIN_TRUSTED_PROXIES
	// environment variable if needed.
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	tmpl := template.Must(template.New("dashboard").ParseFS(embeddedFS, "templates/index.tmpl"))
	router.SetHTMLTemplate(tmpl)

	if assetsFS, err := fsSub("assets"); err == nil {
		router.StaticFS("/assets", http.FS(assetsFS))
	}

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.tmpl", gin.H{
			"AppName":           appName,
			"RefreshIntervalMs": s.refreshIntervalMs,
		})
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "targets": len(s.sessions.List())})
	})

	s.registerTargetRoutes(router.Group("/api/targets"))

	router.GET("/api/metrics", s.withScope(func(c *gin.Context, sc scope) {
		metricsSnapshot := s.metricStore.snapshot(sc)
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"relay":     m.Relay,
				"target":    m.Target,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	}))

	router.GET("/api/logs", s.withScope(func(c *gin.Context, sc scope) {
		logsSnapshot := s.logStore.snapshot(sc, c.Query("level"))
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"target":    l.Target,
				"relay":     l.Relay,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	}))

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.resourceSampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":        snap.Timestamp.Format(time.RFC3339Nano),
				"goroutines":       snap.Goroutines,
				"relays_connected": snap.RelaysConnected,
				"relays_total":     snap.RelaysTotal,
				"cpu_percent":      snap.CPUPercent,
				"memory_used":      snap.MemoryUsed,
				"memory_total":     snap.MemoryTotal,
				"memory_percent":   snap.MemoryPct,
				"disk_used":        snap.DiskUsed,
				"disk_total":       snap.DiskTotal,
				"disk_percent":     snap.DiskPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router, nil
}

func (s *Server) registerTargetRoutes(api *gin.RouterGroup) {
	api.GET("", func(c *gin.Context) {
		list := s.sessions.List()
		payload := make([]gin.H, 0, len(list))
		for _, sess := range list {
			v := sess.View()
			payload = append(payload, gin.H{
				"name":             v.Name,
				"note_id":          v.NoteID,
				"loading":          v.Loading,
				"error":            v.Error,
				"stats":            v.Stats,
				"relays_connected": connectedCount(v.Relays),
				"relays_total":     len(v.Relays),
			})
		}
		c.JSON(http.StatusOK, gin.H{"targets": payload})
	})

	api.GET("/:id", s.withSession(func(c *gin.Context, sess *session.Session) {
		c.JSON(http.StatusOK, sess.View())
	}))

	api.GET("/:id/payments", s.withSession(func(c *gin.Context, sess *session.Session) {
		v := sess.View()
		c.JSON(http.StatusOK, gin.H{"payments": v.Payments, "stats": v.Stats})
	}))

	api.GET("/:id/relays", s.withSession(func(c *gin.Context, sess *session.Session) {
		v := sess.View()
		payload := make([]gin.H, 0, len(v.Relays))
		for _, r := range v.Relays {
			payload = append(payload, gin.H{
				"url":         r.URL,
				"connected":   r.Connected,
				"state":       r.State,
				"latency_ms":  r.LatencyMs,
				"event_count": r.EventCount,
				"error_count": r.ErrorCount,
				"last_error":  r.LastError,
				"metrics":     s.metricStore.relay(r.URL, v.Name, v.NoteID),
			})
		}
		c.JSON(http.StatusOK, gin.H{"relays": payload})
	}))

	api.POST("/:id/reconnect", s.withSession(func(c *gin.Context, sess *session.Session) {
		err := sess.Reconnect(c.Request.Context())
		switch {
		case err == nil, errors.Is(err, session.ErrNoRelays):
			// the view carries the no-relay error
			c.JSON(http.StatusOK, sess.View())
		case errors.Is(err, session.ErrInvalidNoteID):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			s.log.WithComponent("dashboard").WithTarget(sess.Name()).WithError(err).Warn("reconnect failed")
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		}
	}))
}

func (s *Server) withSession(h func(*gin.Context, *session.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.sessions.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown target"})
			return
		}
		h(c, sess)
	}
}

// withScope resolves the optional target and relay query parameters. An
// unknown target is a 404 rather than an empty result.
func (s *Server) withScope(h func(*gin.Context, scope)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc := scope{relay: c.Query("relay")}
		if id := c.Query("target"); id != "" {
			sess, ok := s.sessions.Get(id)
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown target"})
				return
			}
			sc.keys = []string{sess.Name(), sess.NoteID()}
		}
		h(c, sc)
	}
}

func relayTotals(sessions SessionSource) relayCounter {
	return func() (connected, total int) {
		for _, sess := range sessions.List() {
			relays := sess.View().Relays
			connected += connectedCount(relays)
			total += len(relays)
		}
		return connected, total
	}
}

func connectedCount(relays []models.RelayStatus) int {
	n := 0
	for _, r := range relays {
		if r.Connected {
			n++
		}
	}
	return n
}

func fsSub(path string) (fs.FS, error) {
	sub, err := fs.Sub(embeddedFS, path)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
