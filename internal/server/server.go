package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/claudegate/internal/account"
	"github.com/poemonsense/claudegate/internal/cloudcode"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/format"
	"github.com/poemonsense/claudegate/internal/server/handlers"
	"github.com/poemonsense/claudegate/internal/utils"
)

// Server owns the gin engine and the handler wiring.
type Server struct {
	engine           *gin.Engine
	accountManager   *account.Manager
	cloudCodeClient  *cloudcode.Client
	cfg              *config.Config
	fallbackEnabled  bool
	strategyOverride string

	initOnce    sync.Once
	initError   error
	initialized bool
}

// Options holds server configuration options
type Options struct {
	FallbackEnabled  bool
	StrategyOverride string
	Debug            bool
}

// New creates a new Server instance
func New(cfg *config.Config, accountManager *account.Manager, opts Options) *Server {
	if opts.Debug || cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	return &Server{
		engine:           engine,
		accountManager:   accountManager,
		cfg:              cfg,
		fallbackEnabled:  opts.FallbackEnabled,
		strategyOverride: opts.StrategyOverride,
	}
}

// Initialize loads the account pool and builds the upstream client. Safe to
// call more than once; only the first call does work.
func (s *Server) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		if err := s.accountManager.Initialize(ctx, s.strategyOverride); err != nil {
			s.initError = err
			utils.Error("[Server] Failed to initialize account manager: %v", err)
			return
		}

		s.cloudCodeClient = cloudcode.NewClient(s.accountManager, s.cfg)
		s.cloudCodeClient.StartCleanup()

		status := s.accountManager.GetStatus()
		utils.Success("[Server] Account pool initialized: %s", status.Summary())

		s.initialized = true
	})

	return s.initError
}

// Shutdown stops background work owned by the server.
func (s *Server) Shutdown() {
	if s.cloudCodeClient != nil {
		s.cloudCodeClient.StopCleanup()
	}
	if err := s.accountManager.Flush(); err != nil {
		utils.Warn("[Server] Failed to flush account state: %v", err)
	}
}

// ensureInitialized lazily initializes on first request when startup skipped it.
func (s *Server) ensureInitialized(c *gin.Context) bool {
	if s.initialized {
		return true
	}

	if err := s.Initialize(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": "Server not initialized: " + err.Error(),
			},
		})
		return false
	}

	return true
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware())

	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	})

	healthHandler := handlers.NewHealthHandler(s.accountManager)
	modelsHandler := handlers.NewModelsHandler(s.accountManager, s.cfg)
	accountsHandler := handlers.NewAccountsHandler(s.accountManager, s.cfg)
	configHandler := handlers.NewConfigHandler(s.cfg, s.accountManager)
	messagesHandler := handlers.NewMessagesHandler(s.accountManager, s.cloudCodeClient, s.cfg, s.fallbackEnabled)
	chatHandler := handlers.NewChatHandler(s.cloudCodeClient, s.cfg, s.fallbackEnabled)
	refreshHandler := handlers.NewRefreshTokenHandler(s.accountManager)

	s.engine.POST("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.POST("/test/clear-signature-cache", func(c *gin.Context) {
		format.ClearThinkingSignatureCache()
		utils.Debug("[Test] Cleared thinking signature cache")
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Thinking signature cache cleared",
		})
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if !s.ensureInitialized(c) {
			return
		}
		healthHandler.Health(c)
	})

	s.engine.GET("/account-limits", func(c *gin.Context) {
		if !s.ensureInitialized(c) {
			return
		}
		accountsHandler.AccountLimits(c)
	})

	s.engine.POST("/refresh-token", func(c *gin.Context) {
		if !s.ensureInitialized(c) {
			return
		}
		refreshHandler.RefreshToken(c)
	})

	// Public API surface
	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	{
		v1.GET("/models", func(c *gin.Context) {
			if !s.ensureInitialized(c) {
				return
			}
			modelsHandler.ListModels(c)
		})

		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)

		v1.POST("/messages", func(c *gin.Context) {
			if !s.ensureInitialized(c) {
				return
			}
			messagesHandler.Messages(c)
		})

		v1.POST("/chat/completions", func(c *gin.Context) {
			if !s.ensureInitialized(c) {
				return
			}
			chatHandler.ChatCompletions(c)
		})
	}

	// Management surface used by the enrollment tooling
	api := s.engine.Group("/api")
	api.Use(APIKeyAuthMiddleware(s.cfg))
	{
		api.GET("/accounts", accountsHandler.ListAccounts)
		api.POST("/accounts", accountsHandler.AddAccount)
		api.DELETE("/accounts/:email", accountsHandler.RemoveAccount)
		api.POST("/accounts/:email/enabled", accountsHandler.SetAccountEnabled)
		api.POST("/accounts/reset-limits", accountsHandler.ResetRateLimits)
		api.POST("/accounts/reload", accountsHandler.ReloadAccounts)

		api.GET("/config", configHandler.GetConfig)
		api.PUT("/config", configHandler.UpdateConfig)
		api.GET("/config/strategy", configHandler.GetStrategy)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		if utils.IsDebug() {
			utils.Debug("[API] 404 Not Found: %s %s", c.Request.Method, c.Request.URL.Path)
		}
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})
}

// Run starts the HTTP server
func (s *Server) Run(addr string) error {
	s.SetupRoutes()

	utils.Info("[Server] Starting on %s", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-lived SSE responses
		IdleTimeout:  120 * time.Second,
	}

	return srv.ListenAndServe()
}

// Engine returns the Gin engine for testing or custom configuration
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// GetAccountManager returns the account manager
func (s *Server) GetAccountManager() *account.Manager {
	return s.accountManager
}
