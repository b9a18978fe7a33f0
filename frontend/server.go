// Package frontend implements the gateway's HTTP surface: the WebSocket
// handshake/upgrade endpoint and the administrative control plane
// (spec.md §4.E).
package frontend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/collabmesh/gateway/auth"
	"github.com/collabmesh/gateway/manager"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_serverPortKey    = "server.port"
	_productIDKey     = "product.id"
	_modelVersionKey  = "model.version"
	_compressionKey   = "compression.enabled"
	_defaultPort      = "8080"
)

// Server is the gateway's single HTTP listener, serving both the
// connection-upgrade endpoint and the control plane on one port.
type Server struct {
	addr       string
	productID  string
	version    string
	compress   bool
	verifier   auth.Verifier
	manager    *manager.Manager
	logger     *zap.SugaredLogger
	scope      tally.Scope
	upgrader   websocket.Upgrader
	httpServer *http.Server
	shutdowner fx.Shutdowner
}

// Params are the fx-injected dependencies for New.
type Params struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Config     config.Provider
	Logger     *zap.SugaredLogger
	Verifier   auth.Verifier
	Manager    *manager.Manager
	Scope      tally.Scope
	Shutdowner fx.Shutdowner
}

// Module provides the HTTP *Server and registers its fx lifecycle hooks.
var Module = fx.Options(fx.Provide(New), fx.Invoke(registerLifecycle))

// New constructs a Server from configuration.
func New(p Params) (*Server, error) {
	var port, productID, version string
	var compress bool

	if err := p.Config.Get(_serverPortKey).Populate(&port); err != nil || port == "" {
		port = _defaultPort
	}
	if err := p.Config.Get(_productIDKey).Populate(&productID); err != nil {
		return nil, fmt.Errorf("reading %s: %w", _productIDKey, err)
	}
	_ = p.Config.Get(_modelVersionKey).Populate(&version)
	_ = p.Config.Get(_compressionKey).Populate(&compress)

	s := &Server{
		addr:      ":" + port,
		productID: productID,
		version:   version,
		compress:  compress,
		verifier:   p.Verifier,
		manager:    p.Manager,
		logger:     p.Logger,
		scope:      p.Scope,
		shutdowner: p.Shutdowner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	return s, nil
}

func registerLifecycle(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
}

// routes builds the listener's router. httprouter does not allow a
// wildcard segment beside static routes at the same depth, so the
// connection-upgrade endpoint is served from the NotFound handler: a GET
// on any other single-segment path is a handshake, and that segment is
// handed to handleSocket as the "token" parameter.
func (s *Server) routes() *httprouter.Router {
	router := httprouter.New()
	router.GET("/api/v1/version", s.handleVersion)
	router.GET("/api/v1/statistics", s.handleStatistics)
	router.PUT("/api/v1/manage", s.handleManage)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, "/")
		if r.Method != http.MethodGet || token == "" || strings.Contains(token, "/") {
			http.NotFound(w, r)
			return
		}
		s.handleSocket(w, r, httprouter.Params{{Key: "token", Value: token}})
	})
	return router
}

// Start begins serving on s.addr in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
