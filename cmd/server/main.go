package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lumora/leadgate/internal/api"
	"github.com/lumora/leadgate/internal/config"
	"github.com/lumora/leadgate/internal/drip"
	"github.com/lumora/leadgate/internal/leads"
	"github.com/lumora/leadgate/internal/pkg/distlock"
	"github.com/lumora/leadgate/internal/security"
	"github.com/lumora/leadgate/internal/sender"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	slash := strings.Index(rest, "/")
	if slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("Lumora lead capture server starting")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	if cfg.Database.URL == "" {
		log.Fatal("database url not configured (set DATABASE_URL or database.url)")
	}
	log.Printf("DB URL host portion: ...@%s/...", extractHost(cfg.Database.URL))
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifeMins) * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database unreachable: %v", err)
	}
	pingCancel()
	log.Println("Database connection established")

	// Rate limiter: Redis-backed when configured and reachable so state is
	// shared across instances, otherwise in-process counters.
	limitCfg := security.LimitConfig{
		Max:           cfg.Security.RateLimitMax,
		Window:        cfg.Security.RateWindow(),
		BlockDuration: cfg.Security.BlockDuration(),
	}
	var limiter security.Limiter
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
		} else {
			redisClient = redis.NewClient(opts)
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v - falling back to in-memory rate limiting", cfg.Redis.URL, err)
			redisClient = nil
		} else {
			limiter = security.NewRedisLimiter(redisClient, limitCfg)
			log.Println("Redis-backed rate limiter active")
		}
		pingCancel()
	}
	if limiter == nil {
		mem := security.NewMemoryLimiter(limitCfg)
		mem.StartSweeper(ctx, time.Duration(cfg.Security.CleanupMins)*time.Minute)
		limiter = mem
		log.Println("In-memory rate limiter active")
	}

	events := security.NewEventLog(cfg.Security.EventLogCapacity)
	guard := security.NewGuard(limiter, events, cfg.Security.MaxBodyBytes)
	leadStore := leads.NewStore(db)

	server := api.NewServer(cfg, guard, leadStore)
	server.Handlers().SetDB(db)

	// Drip sequencer
	if cfg.Drip.Enabled {
		var emailSender drip.EmailSender
		var waSender drip.WhatsAppSender
		if cfg.Email.APIKey != "" {
			emailSender = sender.NewEmailClient(cfg.Email)
		} else {
			log.Println("No email API key configured - drip email steps will be skipped")
		}
		if cfg.WhatsApp.AccessToken != "" {
			waSender = sender.NewWhatsAppClient(cfg.WhatsApp)
		} else {
			log.Println("No WhatsApp token configured - drip WhatsApp steps will be skipped")
		}

		dripStore := drip.NewStore(db)
		engine := drip.NewEngine(dripStore, emailSender, waSender, drip.DefaultSequence())
		engine.SetInterval(cfg.Drip.TickInterval())
		engine.SetBatchSize(cfg.Drip.DispatchBatchSize)
		// One sweeper across all instances; redis lock when available,
		// otherwise a postgres advisory lock.
		engine.SetLock(distlock.NewLock(redisClient, db, "drip-sweep", 2*cfg.Drip.TickInterval()))
		engine.Start()
		defer engine.Stop()

		server.Handlers().SetEngine(engine)
		server.Handlers().SetDripStore(dripStore)
		log.Printf("Drip sequencer started (%d steps, tick %s)", len(engine.Steps()), cfg.Drip.TickInterval())
	} else {
		log.Println("Drip sequencer disabled")
	}

	if cfg.Admin.BearerToken == "" {
		log.Println("Warning: no admin bearer token configured - admin API disabled")
	}

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
