// Package api is the HTTP surface: gin routes, JWT auth, the response
// envelope and the user event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"broker-core/internal/engine"
	"broker-core/internal/events"
	"broker-core/internal/monitor"
	"broker-core/pkg/db"
)

// Server holds handler dependencies.
type Server struct {
	Engine      engine.Service
	DB          *db.Database
	Bus         *events.Bus
	Metrics     *monitor.SystemMetrics
	JWTSecret   string
	InitialCash float64
}

// NewServer builds the server.
func NewServer(svc engine.Service, database *db.Database, bus *events.Bus,
	metrics *monitor.SystemMetrics, jwtSecret string, initialCash float64) *Server {
	return &Server{
		Engine:      svc,
		DB:          database,
		Bus:         bus,
		Metrics:     metrics,
		JWTSecret:   jwtSecret,
		InitialCash: initialCash,
	}
}

// Router assembles the middleware chain and routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.Metrics))
	r.Use(CORSMiddleware())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))

	r.GET("/health", s.health)
	r.GET("/ws", s.websocket)

	auth := r.Group("/api/auth")
	{
		auth.POST("/register", s.registerUser)
		auth.POST("/login", s.loginUser)
	}

	apiGroup := r.Group("/api", AuthMiddleware(s.JWTSecret))
	{
		apiGroup.POST("/orders", s.submitOrder)
		apiGroup.DELETE("/orders/:id", s.cancelOrder)
		apiGroup.GET("/orders/:id", s.getOrder)
		apiGroup.GET("/orders", s.listOrders)
		apiGroup.GET("/fills", s.listFills)
		apiGroup.GET("/accounts/me", s.getAccount)
		apiGroup.GET("/positions", s.listPositions)
		apiGroup.GET("/book/:symbol", s.getDepth)
		apiGroup.GET("/system/status", s.systemStatus)
	}

	return r
}

// HTTPServer wraps the router with sane timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
