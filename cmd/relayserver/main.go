// Command relayserver runs one instance of the E2EE relay: the untrusted
// envelope-forwarding server described in spec.md §1 as an external
// collaborator to the two peers' cryptographic session layer. It never
// sees plaintext — it persists only MessageMeta (§3) and routes sealed
// Envelopes (§3, §6) between WebSocket connections, falling back to an
// offline inbox and a cross-instance pubsub fabric when the recipient
// isn't connected here.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/silentrelay/e2ee-core/internal/config"
	"github.com/silentrelay/e2ee-core/internal/db"
	"github.com/silentrelay/e2ee-core/internal/identity"
	"github.com/silentrelay/e2ee-core/internal/metrics"
	"github.com/silentrelay/e2ee-core/internal/middleware"
	"github.com/silentrelay/e2ee-core/internal/registry"
	"github.com/silentrelay/e2ee-core/internal/serverapi"
	"github.com/silentrelay/e2ee-core/internal/transport"
)

func main() {
	cfg := config.Load()

	log.Printf("starting relay server: %s", cfg.ServerID)

	database, err := db.NewPostgresDB(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("warning: failed to close Postgres: %v", err)
		}
	}()

	pubsub, err := transport.NewPubSub(cfg.RedisURL, cfg.ServerID)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("warning: failed to close Redis pubsub: %v", err)
		}
	}()

	redisInboxClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	if err := redisInboxClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to Redis inbox: %v", err)
	}
	defer func() {
		if err := redisInboxClient.Close(); err != nil {
			log.Printf("warning: failed to close Redis inbox client: %v", err)
		}
	}()
	inbox := transport.NewOfflineInbox(redisInboxClient)

	blobs, err := transport.NewBlobStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to connect to MinIO: %v", err)
	}

	registryStore := identity.NewPostgresStore(database.DB())
	keyRegistry := identity.NewRegistry(registryStore)

	sessionDirectory, err := serverapi.NewSessionDirectory(database.DB())
	if err != nil {
		log.Fatalf("failed to open session directory: %v", err)
	}

	metaStore, err := serverapi.NewMessageMetaStore(database.DB())
	if err != nil {
		log.Fatalf("failed to open message-meta store: %v", err)
	}

	verifier, err := middleware.NewTokenVerifier(cfg.JWTVerificationKey)
	if err != nil {
		log.Fatalf("failed to initialize token verifier: %v", err)
	}

	hub := transport.NewHub(cfg.ServerID, pubsub, inbox)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	var consulRegistry *registry.ConsulRegistry
	if cfg.ConsulURL != "" {
		consulRegistry, err = registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, cfg.ServerPort)
		if err != nil {
			log.Printf("warning: Consul registration unavailable: %v", err)
		} else if err := consulRegistry.Register(); err != nil {
			log.Printf("warning: Consul registration failed: %v", err)
		} else {
			defer func() {
				if err := consulRegistry.Deregister(); err != nil {
					log.Printf("warning: Consul deregistration failed: %v", err)
				}
			}()
		}
	}

	router := serverapi.NewRouter(serverapi.Deps{
		Registry:  keyRegistry,
		Sessions:  sessionDirectory,
		MetaStore: metaStore,
		Blobs:     blobs,
		Hub:       hub,
		Verifier:  verifier,

		RequireHTTPS: cfg.RequireHTTPS,
	}, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      metrics.Middleware(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on :%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down relay server")
	cancel()
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
