package main

import (
	"log"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Vitch01/Fields-Inspection-System-sub001/config"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/handlers"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/middleware"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/redis"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/registry"
)

func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.Environment == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Connect to Redis
	if err := redis.Connect(cfg.Redis); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	logger.Info("redis connection established")

	// Session registry: one actor per call room
	reg := registry.New(cfg.Signaling, logger)
	defer reg.Close()

	signaling := handlers.NewSignalingHandler(reg, logger)
	calls := handlers.NewCallHandler(reg, logger)
	socket := handlers.NewSocketHandler(reg, handlers.ValidateCallExists, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Call management API (authenticated)
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))
		apiGroup.POST("/calls", middleware.JWTAuth(cfg.JWTSecret), calls.CreateCall)
		apiGroup.GET("/calls/:callId", calls.GetCall)
		apiGroup.DELETE("/calls/:callId", middleware.JWTAuth(cfg.JWTSecret), calls.DeleteCall)
	}

	// HTTP signaling surface for polling clients
	sigGroup := router.Group("/signaling")
	{
		sigGroup.POST("/send", signaling.Send)
		sigGroup.GET("/poll/:callId/:userId", signaling.Poll)
		sigGroup.GET("/status", signaling.Status)
	}

	// WebSocket signaling endpoint - accepts call id or join code
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal/:callId", socket.HandleSignaling)
	}

	logger.Info("starting signaling server", zap.String("port", cfg.Port))
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
