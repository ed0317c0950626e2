package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/quickchat/chat-app/internal/hub"
	"github.com/quickchat/chat-app/internal/messaging"
	"github.com/quickchat/chat-app/internal/ratelimit"
	"github.com/quickchat/chat-app/internal/report"
	"github.com/quickchat/chat-app/internal/session"
	"github.com/quickchat/chat-app/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	hubConfig := hub.Config{}

	// --- Redis (sessions + rate limiting) ---
	// The hub runs fully in-memory without Redis; session bookkeeping and
	// rate limiting are simply disabled.
	var sessionStore *session.Store
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		serverName, _ := os.Hostname()
		if v := os.Getenv("SERVER_NAME"); v != "" {
			serverName = v
		}
		if serverName == "" {
			serverName = "hub-1"
		}

		var err error
		sessionStore, err = session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		hubConfig.Sessions = sessionStore
		hubConfig.Limiter = ratelimit.NewLimiter(sessionStore.Client())
		log.Printf("redis enabled addr=%s server=%s", redisAddr, serverName)
	} else {
		log.Printf("REDIS_ADDR not set, sessions and rate limiting disabled")
	}

	// --- NATS (outbound event stream) ---
	var natsClient *messaging.NATSClient
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL

		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		hubConfig.Events = natsClient
	} else {
		log.Printf("NATS_URL not set, event stream disabled")
	}

	// --- Postgres (abuse reports) ---
	var db *sql.DB
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open Postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to ping Postgres: %v", err)
		}
		if err := report.Migrate(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		hubConfig.Reports = report.NewStore(db)
		log.Printf("postgres enabled, reports persisted")
	} else {
		log.Printf("POSTGRES_DSN not set, abuse reports disabled")
	}

	log.Printf("QuickChat hub starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)

	server := ws.NewServer(config, nil)
	h := hub.New(server.Connections(), hubConfig)
	server.SetHandler(h)

	// Gate new connections on the per-IP connect rate limit when Redis is
	// available.
	if hubConfig.Limiter != nil {
		limiter := hubConfig.Limiter
		server.SetConnectGate(func(remoteIP string) bool {
			ctx, cancel := limiterContext()
			defer cancel()
			allowed, _ := limiter.Allow(ctx, remoteIP, ratelimit.RuleConnect)
			return allowed
		})
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// limiterContext bounds how long a connect-gate Redis check may take.
func limiterContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}
