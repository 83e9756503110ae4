package v1

import (
	authapi "go_commitfest/api/v1/auth"
	cfbotapi "go_commitfest/api/v1/cfbot"
	"go_commitfest/api/v1/cycles"
	"go_commitfest/api/v1/middleware"
	"go_commitfest/api/v1/patches"
	threadsapi "go_commitfest/api/v1/threads"
	"go_commitfest/internal/archive"
	"go_commitfest/internal/cache"
	"go_commitfest/internal/cfbot"
	"go_commitfest/internal/config"
	"go_commitfest/internal/httpx"
	"go_commitfest/internal/ledger"
	"go_commitfest/internal/policy"
	"go_commitfest/internal/service"
	"go_commitfest/internal/thread"
	"go_commitfest/internal/workflow"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, db *gorm.DB, cfg *config.Config) {
	archiveClient := archive.NewClient(&archive.Config{
		Server:     cfg.Archives.Server,
		Port:       cfg.Archives.Port,
		Host:       cfg.Archives.Host,
		TimeoutSec: cfg.Archives.TimeoutSec,
		Cache:      cache.Client,
		CacheSec:   cfg.Archives.CacheSec,
	})
	engine := workflow.NewEngine()
	threadSvc := thread.NewService(archiveClient)
	movePolicy := policy.New(engine, cfg.AutoMove.EmailActivityDays, cfg.AutoMove.MaxFailingDays,
		cfg.NotificationFrom, cfg.BaseURL)
	cycleLedger := ledger.New(db, movePolicy, cfg.AutoCreateCycles)
	patchSvc := service.NewPatchService(engine, cycleLedger, threadSvc)

	authHandler := authapi.NewHandler(db, cfg)
	cyclesHandler := cycles.NewHandler(db, cycleLedger)
	patchesHandler := patches.NewHandler(db, engine, patchSvc)
	threadsHandler := threadsapi.NewHandler(db, threadSvc, archiveClient)
	cfbotHandler := cfbotapi.NewHandler(db, cfbot.NewIngester(), cfg)

	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", authHandler.Login)
		}

		// The CI bot authenticates with its shared secret, not a token.
		v1.POST("/cfbot/ingest", cfbotHandler.Ingest)

		// Protected routes (authentication required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired())
		{
			protected.GET("/me", meHandler)

			cyclesGroup := protected.Group("/cycles")
			{
				cyclesGroup.GET("", cyclesHandler.History)
				cyclesGroup.GET("/relevant", cyclesHandler.Relevant)
				cyclesGroup.GET("/:id", cyclesHandler.Get)
				cyclesGroup.POST("/:id/patches", patchesHandler.Create)
			}

			patchesGroup := protected.Group("/patches")
			{
				patchesGroup.GET("/:id", patchesHandler.Get)
				patchesGroup.POST("/:id/status", patchesHandler.Status)
				patchesGroup.POST("/:id/close", patchesHandler.Close)
				patchesGroup.POST("/:id/move", patchesHandler.Move)
				patchesGroup.POST("/:id/reviewer", patchesHandler.Reviewer)
				patchesGroup.POST("/:id/committer", patchesHandler.Committer)
				patchesGroup.POST("/:id/subscribe", patchesHandler.Subscribe)
				patchesGroup.POST("/:id/threads", threadsHandler.Attach)
				patchesGroup.DELETE("/:id/threads/:threadId", threadsHandler.Detach)
			}

			threadsGroup := protected.Group("/threads")
			{
				threadsGroup.GET("/latest", threadsHandler.Latest)
				threadsGroup.GET("/:messageId/messages", threadsHandler.Messages)
			}
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

// meHandler returns current user information
func meHandler(c *gin.Context) {
	uid, _ := c.Get("uid")
	username, _ := c.Get("username")
	isStaff, _ := c.Get("is_staff")

	httpx.OK(c, gin.H{
		"uid":      uid,
		"username": username,
		"is_staff": isStaff,
	})
}
