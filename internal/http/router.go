package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-relay/internal/service"
)

// NewRouter configura el router de Gin con middlewares y rutas.
func NewRouter(
	logger *zap.Logger,
	jwtSvc *service.JWTService,
	authH *AuthHandler,
	relayH *RelayHandler,
	uploadH *UploadHandler,
	convH *ConversationHandler,
) *gin.Engine {
	r := gin.New()

	r.Use(zapLoggerMiddleware(logger), gin.Recovery())

	auth := r.Group("/auth")
	auth.POST("/register", authH.Register)
	auth.POST("/login", authH.Login)
	auth.POST("/refresh", authH.Refresh)
	auth.POST("/logout", authH.Logout)

	authorized := r.Group("/", JWTAuthMiddleware(jwtSvc))
	authorized.POST("/ask", relayH.Ask)
	authorized.POST("/upload", uploadH.Upload)
	authorized.POST("/conversations", convH.CreateConversation)
	authorized.GET("/conversations", convH.ListConversations)
	authorized.GET("/conversations/:id/messages", convH.ListMessages)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
