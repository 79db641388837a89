package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/denhq/go-den-backend/internal/backend"
	"github.com/denhq/go-den-backend/internal/service"
	"github.com/denhq/go-den-backend/pkg/config"
)

// NewRouter builds the gin engine with all middleware and routes
func NewRouter(cfg *config.Config, store backend.Backend, services *service.Services, logger *zap.Logger) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(Logger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     services.Allowlist.Origins(),
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(CanonicalOriginRedirect(services.Allowlist, logger))

	handlers := NewHandlers(services, store, cfg, logger)

	api := router.Group("/api")
	{
		api.GET("/health", handlers.Health)

		auth := api.Group("/auth")
		{
			// Registration resolves the session itself: the first ceremony
			// is open, later ones must be authenticated.
			ceremonies := auth.Group("")
			ceremonies.Use(MaybeAuth(services.Session))
			{
				ceremonies.POST("/register/begin", handlers.BeginRegistration)
				ceremonies.POST("/register/complete", handlers.CompleteRegistration)
			}

			auth.POST("/login/begin", handlers.BeginLogin)
			auth.POST("/login/complete", handlers.CompleteLogin)
			auth.POST("/logout", handlers.Logout)

			// Arrives by browser navigation on the alternate origin
			auth.GET("/redirect/complete", handlers.CompleteRedirect)

			protected := auth.Group("")
			protected.Use(RequireAuth(services.Session))
			{
				protected.GET("/passkeys", handlers.ListPasskeys)
				protected.PATCH("/passkeys/:id/name", handlers.RenamePasskey)
				protected.DELETE("/passkeys/:id", handlers.DeletePasskey)
				protected.POST("/redirect/start", handlers.StartRedirect)
				protected.GET("/redirect/qr", handlers.RedirectQR)
			}
		}
	}

	return router
}
