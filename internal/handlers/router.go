package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/support-signaling/internal/iceconfig"
	"github.com/mossy-p/support-signaling/internal/middleware"
)

// RouterConfig collects what the HTTP surface is built from
type RouterConfig struct {
	AllowedOrigins []string
	JWTSecret      string
	Relay          *Relay
	History        CallHistory // nil disables the history endpoints
	ICEServers     func() []iceconfig.Server
}

// NewRouter builds the relay's gin engine
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		// ICE servers for peer connections (public)
		apiGroup.GET("/ice-servers", GetICEServers(cfg.ICEServers))

		// Queue snapshot for staff
		apiGroup.GET("/queue", auth,
			middleware.RequireRole(middleware.RoleTechnician, middleware.RoleAdmin),
			GetQueue(cfg.Relay.Queue()))

		// Post-call rating (public, keyed by session id)
		apiGroup.POST("/call/sessions/:sessionId/rating", RateSession(cfg.History))

		// Call history by day range (admin)
		apiGroup.GET("/call/session-range", auth,
			middleware.RequireRole(middleware.RoleAdmin),
			SessionRange(cfg.History))
	}

	// WebSocket signaling endpoint
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/support", cfg.Relay.HandleSignaling)
	}

	return router
}
