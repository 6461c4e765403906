package controlcenter

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/daohu527/vlink/pkg/protocol"
)

const (
	streamBuffer    = 64
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

type commandRequest struct {
	Action string `json:"action" binding:"required"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// RouterOption customises the HTTP API.
type RouterOption func(*routerOptions)

type routerOptions struct {
	commands bool
}

// WithCommands mounts the command endpoint. Only enable it on a listener
// that authenticates its clients: every accepted request is signed and
// sent to the fleet.
func WithCommands(enabled bool) RouterOption {
	return func(o *routerOptions) { o.commands = enabled }
}

// MutualTLS reports whether cfg requires and verifies client certificates.
func MutualTLS(cfg *tls.Config) bool {
	return cfg != nil && cfg.ClientAuth == tls.RequireAndVerifyClientCert
}

// Router builds the HTTP API. gatherer may be nil, which disables /metrics.
// Without WithCommands(true) the command endpoint answers 403.
func (s *Server) Router(gatherer prometheus.Gatherer, opts ...RouterOption) *gin.Engine {
	var o routerOptions
	for _, fn := range opts {
		fn(&o)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/health", s.health)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/vehicles", s.listVehicles)
	v1.GET("/vehicles/:id", s.getVehicle)
	if o.commands {
		v1.POST("/vehicles/:id/commands", s.postCommand)
	} else {
		v1.POST("/vehicles/:id/commands", commandsDisabled)
	}
	v1.GET("/alerts", s.listAlerts)
	v1.GET("/alerts/stream", s.streamAlerts)
	v1.GET("/security/status", s.securityStatus)
	v1.GET("/security/report", s.securityReport)
	return r
}

func requestLogger(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugw("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"id":             s.guard.Identity().VehicleID(),
		"security_score": s.guard.Monitor().ComputeScore(),
		"vehicles":       s.shadows.Len(),
	})
}

func (s *Server) listVehicles(c *gin.Context) {
	c.JSON(http.StatusOK, s.Vehicles())
}

func (s *Server) getVehicle(c *gin.Context) {
	id := c.Param("id")
	row := VehicleSummary{VehicleID: id}
	found := false
	if e, ok := s.shadows.Get(id); ok {
		row.LastSeen = e.UpdatedAt.UnixMilli()
		row.State = e.State
		found = true
	}
	if r, ok := s.VehicleStatus(id); ok {
		row.Status = r
		found = true
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "vehicle_not_found"})
		return
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) postCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !protocol.ValidAction(req.Action) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_action"})
		return
	}
	if req.Action == protocol.ActionBan && req.Target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_required"})
		return
	}

	cmd := &protocol.SecurityCommand{
		VehicleID: c.Param("id"),
		Action:    req.Action,
		Target:    req.Target,
		Reason:    req.Reason,
	}
	if err := s.SendControl(cmd); err != nil {
		s.log.Warnf("control-center: command to %s failed: %v", cmd.VehicleID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "publish_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"command_id": cmd.CommandID})
}

func commandsDisabled(c *gin.Context) {
	c.JSON(http.StatusForbidden, gin.H{"error": "commands_disabled"})
}

func (s *Server) listAlerts(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, s.Alerts(limit))
}

func (s *Server) securityStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.guard.Status())
}

func (s *Server) securityReport(c *gin.Context) {
	c.String(http.StatusOK, s.guard.Report())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// streamAlerts pushes every new alert to a websocket client. Alerts are
// dropped for a client that falls behind.
func (s *Server) streamAlerts(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ch := make(chan *protocol.SecurityAlert, streamBuffer)
	unregister := s.alerter.Register(func(a *protocol.SecurityAlert) {
		select {
		case ch <- a:
		default:
		}
	})
	defer unregister()

	// The reader only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case a := <-ch:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(a); err != nil {
				return
			}
		}
	}
}

// Serve runs handler on addr until ctx is cancelled. At most maxConns
// connections are accepted at once; tlsCfg enables HTTPS.
func Serve(ctx context.Context, addr string, maxConns int, tlsCfg *tls.Config, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	hs := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
