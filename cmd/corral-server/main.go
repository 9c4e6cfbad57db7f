package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/corralhq/corral/internal/auth"
	"github.com/corralhq/corral/internal/deviceflow"
	"github.com/corralhq/corral/internal/entitle"
	"github.com/corralhq/corral/internal/store"
	"github.com/corralhq/corral/internal/token"
	"github.com/corralhq/corral/internal/usage"
)

// Version is set by the build process
var Version = "dev"

func main() {
	var cfg Config
	if err := envconfig.Process("CORRAL", &cfg); err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	backend, db, redisClient, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("Error opening store backend: %v", err)
	}

	// Identity comes from the external auth system's database when one
	// is available; the memory backend runs fully self-contained.
	var sessions auth.SessionValidator
	var users auth.Directory
	if db != nil {
		dbAuth := auth.NewDB(db)
		sessions, users = dbAuth, dbAuth
	} else {
		mem := auth.NewMemory()
		sessions, users = mem, mem
	}

	catalog, err := loadCatalog(cfg.PlansFile)
	if err != nil {
		log.Fatalf("Error loading plan catalogue: %v", err)
	}

	flow := deviceflow.NewFlow(backend, cfg.VerificationURL,
		deviceflow.WithExpiry(cfg.CodeExpiry),
		deviceflow.WithPollInterval(cfg.PollInterval),
	)
	tokens := token.NewManager(backend,
		token.WithTokenTTL(cfg.TokenTTL),
		token.WithRefreshTTL(cfg.RefreshTTL),
	)
	meter := usage.NewMeter(backend, catalog)

	srv := newServer(cfg, flow, tokens, meter, catalog, sessions, users)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Printf("Server listening on port %d (backend %s, base path %s)",
			cfg.Port, cfg.StoreBackend, cfg.BasePath)
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("Error starting server: %v", err)

	case <-shutdown:
		log.Println("Starting shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down server: %v", err)
			if err := httpServer.Close(); err != nil {
				log.Printf("Error closing server: %v", err)
			}
		}

		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Printf("Error closing Redis connection: %v", err)
			}
		}
	}
}

// openBackend selects and opens the store backend named by the
// configuration. The auth database is opened alongside redis so session
// validation keeps working when credentials live in redis.
func openBackend(cfg Config) (store.Store, *gorm.DB, *redis.Client, error) {
	switch cfg.StoreBackend {
	case "memory":
		// Single-process only: state is lost on restart and not shared
		// across instances.
		return store.NewMemoryStore(), nil, nil, nil

	case "sqlite":
		db, err := openDatabase(cfg.DatabasePath)
		if err != nil {
			return nil, nil, nil, err
		}
		sqlStore, err := store.NewSQLStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		return sqlStore, db, nil, nil

	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}

		db, err := openDatabase(cfg.DatabasePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return store.NewRedisStore(client), db, client, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func openDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// loadCatalog reads the plan catalogue; a missing file yields an empty
// catalogue, which leaves every feature public and every meter
// unlimited.
func loadCatalog(path string) (*entitle.Catalog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("Plan catalogue %s not found; all features public", path)
		return entitle.NewCatalog(nil, nil), nil
	}
	return entitle.LoadCatalog(path)
}
