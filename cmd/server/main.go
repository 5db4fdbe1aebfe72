// Command server runs the claudegate proxy: an Anthropic- and
// OpenAI-compatible HTTP front over the Cloud Code upstream, multiplexing a
// pool of Google accounts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poemonsense/claudegate/internal/account"
	"github.com/poemonsense/claudegate/internal/account/strategies"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/format"
	"github.com/poemonsense/claudegate/internal/modules"
	"github.com/poemonsense/claudegate/internal/server"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/redis"
)

const version = "1.0.0"

func main() {
	var (
		debugMode    bool
		devMode      bool
		fallback     bool
		strategyName string
		port         int
		host         string
	)

	flag.BoolVar(&debugMode, "debug", false, "Enable debug mode (alias for dev-mode)")
	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode")
	flag.BoolVar(&fallback, "fallback", false, "Enable model fallback on quota exhaust")
	flag.StringVar(&strategyName, "strategy", "", "Account selection strategy (sticky/round-robin/hybrid)")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		devMode = true
	}
	if os.Getenv("FALLBACK") == "true" {
		fallback = true
	}
	if debugMode {
		devMode = true
	}

	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			fmt.Sscanf(envPort, "%d", &port)
		}
	}

	if host == "" {
		host = os.Getenv("HOST")
	}

	if strategyName != "" {
		valid := false
		for _, s := range []string{strategies.StrategySticky, strategies.StrategyRoundRobin, strategies.StrategyHybrid} {
			if strings.EqualFold(strategyName, s) {
				valid = true
				strategyName = s
				break
			}
		}
		if !valid {
			utils.Warn("[Startup] Invalid strategy %q. Valid options: sticky, round-robin, hybrid. Using default.", strategyName)
			strategyName = ""
		}
	}

	utils.SetDebug(devMode)

	cfg := config.GetConfig()
	if devMode {
		cfg.DevMode = true
		utils.SetDebug(true)
		utils.Debug("Developer mode enabled")
	}
	if fallback {
		utils.Info("Model fallback mode enabled")
	}
	if port == 0 {
		port = cfg.Port
	}
	if host == "" {
		host = cfg.Host
	}
	if host == "" {
		host = "0.0.0.0"
	}

	// Redis is optional; without it all state stays in JSON files.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		var err error
		redisClient, err = redis.NewClient(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			utils.Warn("[Startup] Redis unavailable (%v) - continuing with file-only state", err)
			redisClient = nil
		}
	}

	var sigStore *redis.SignatureStore
	if redisClient != nil {
		sigStore = redis.NewSignatureStore(redisClient)
	}
	format.InitGlobalSignatureCache(config.SignatureCachePath, sigStore)
	format.GetGlobalSignatureCache().StartSweep()

	accountManager := account.NewManager(cfg, redisClient)

	usageStats := modules.NewUsageStats(redisClient)
	usageStats.Initialize()

	srv := server.New(cfg, accountManager, server.Options{
		FallbackEnabled:  fallback,
		StrategyOverride: strategyName,
		Debug:            devMode,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := srv.Initialize(ctx); err != nil {
		utils.Error("[Startup] Failed to initialize server: %v", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	srv.SetupRoutes()

	engine := srv.Engine()
	engine.Use(usageStats.Middleware())

	apiGroup := engine.Group("/api")
	usageStats.SetupRoutes(apiGroup)

	printBanner(port, host, devMode, fallback, accountManager, cfg)

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-lived SSE responses
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		utils.Info("[Server] Starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	utils.Success("Server started successfully on port %d", port)
	if devMode {
		utils.Warn("Running in DEVELOPER mode - verbose logs enabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	usageStats.Shutdown()
	srv.Shutdown()
	format.GetGlobalSignatureCache().StopSweep()
	if err := format.GetGlobalSignatureCache().Flush(); err != nil {
		utils.Warn("Failed to flush signature cache: %v", err)
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		utils.Error("Server forced to shutdown: %v", err)
		os.Exit(1)
	}

	if redisClient != nil {
		redisClient.Close()
	}

	utils.Success("Server stopped")
}

// printBanner prints the startup banner
func printBanner(port int, host string, devMode, fallback bool, am *account.Manager, cfg *config.Config) {
	status := am.GetStatus()
	strategyLabel := strategies.GetStrategyLabel(am.GetStrategyName())

	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	fmt.Println()
	fmt.Printf("claudegate v%s\n", version)
	fmt.Printf("  Listening on http://%s:%d (bound to %s)\n", displayHost, port, host)
	fmt.Printf("  Strategy: %s\n", strategyLabel)
	fmt.Printf("  Accounts: %s\n", status.Summary())
	if devMode {
		fmt.Println("  Developer mode: on")
	}
	if fallback {
		fmt.Println("  Model fallback: on")
	}
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /v1/messages          Anthropic Messages API")
	fmt.Println("    POST /v1/chat/completions  OpenAI-compatible chat")
	fmt.Println("    GET  /v1/models            List available models")
	fmt.Println("    GET  /health               Health check")
	fmt.Println("    GET  /account-limits       Account status and quotas")
	fmt.Println()
	fmt.Println("  Usage with an Anthropic client:")
	fmt.Printf("    export ANTHROPIC_BASE_URL=http://localhost:%d\n", port)
	if cfg.APIKey != "" {
		fmt.Println("    export ANTHROPIC_API_KEY=<configured apiKey>")
	}
	fmt.Println()
	fmt.Println("  Add Google accounts:  claudegate-accounts add")
	fmt.Println()
}
