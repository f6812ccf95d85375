// Command ingestiond runs the ingestion engine, hybrid search, graph
// expansion, context building, and GraphRAG service behind one Echo
// HTTP server, fronted by the control-plane API.
//
// Grounded on docker/example-service/main.go's shape: load config from
// the environment, wire collaborators, mount middleware, start the
// server in a goroutine, and block.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nucleus-metadata/ingestiond/blobstore"
	"github.com/nucleus-metadata/ingestiond/config"
	"github.com/nucleus-metadata/ingestiond/controlplane"
	"github.com/nucleus-metadata/ingestiond/drivers"
	"github.com/nucleus-metadata/ingestiond/drivers/gitea"
	"github.com/nucleus-metadata/ingestiond/drivers/gitlab"
	"github.com/nucleus-metadata/ingestiond/drivers/msgraph"
	"github.com/nucleus-metadata/ingestiond/graphexpand"
	"github.com/nucleus-metadata/ingestiond/graphrag"
	"github.com/nucleus-metadata/ingestiond/graphstore"
	"github.com/nucleus-metadata/ingestiond/ingest"
	"github.com/nucleus-metadata/ingestiond/kvstore"
	"github.com/nucleus-metadata/ingestiond/llm"
	"github.com/nucleus-metadata/ingestiond/logging"
	"github.com/nucleus-metadata/ingestiond/metadatastore"
	"github.com/nucleus-metadata/ingestiond/ragcontext"
	"github.com/nucleus-metadata/ingestiond/search"
	"github.com/nucleus-metadata/ingestiond/sinks"
	"github.com/nucleus-metadata/ingestiond/sinks/graphsink"
	"github.com/nucleus-metadata/ingestiond/sinks/stagingsink"
)

var log = logging.Component("ingestiond")

type appConfig struct {
	Port  int
	Debug bool

	MetadataDatabaseURL string
	GraphBackend        string // postgres | neo4j
	GraphDatabaseURL    string
	GraphNeo4jUsername  string
	GraphNeo4jPassword  string

	RedisURL string
	BoltPath string
	UseBbolt bool

	BlobEndpoint     string
	BlobRegion       string
	BlobAccessKey    string
	BlobSecretKey    string
	BlobBucket       string
	BlobUsePathStyle bool

	AnthropicAPIKey string
	AnthropicModel  string

	ControlPlaneAPIKey string

	TenantJWTSecret string
	TenantJWTIssuer string

	ContextCacheCapacity int
	ShutdownTimeout      time.Duration
	EnabledDrivers       []string
}

func loadConfig() (appConfig, error) {
	env := config.NewEnvConfig("INGESTIOND")
	cfg := appConfig{
		Port:  env.GetInt("PORT", 8080),
		Debug: env.GetBool("DEBUG", false),

		MetadataDatabaseURL: env.GetString("METADATA_DATABASE_URL", ""),
		GraphBackend:        env.GetString("GRAPH_BACKEND", "postgres"),
		GraphDatabaseURL:    env.GetString("GRAPH_DATABASE_URL", ""),
		GraphNeo4jUsername:  env.GetString("GRAPH_NEO4J_USERNAME", "neo4j"),
		GraphNeo4jPassword:  env.GetString("GRAPH_NEO4J_PASSWORD", ""),

		RedisURL: env.GetString("REDIS_URL", ""),
		BoltPath: env.GetString("BOLT_PATH", "./ingestiond-checkpoints.db"),
		UseBbolt: env.GetBool("USE_BBOLT", false),

		BlobEndpoint:     env.GetString("BLOB_ENDPOINT", ""),
		BlobRegion:       env.GetString("BLOB_REGION", "us-east-1"),
		BlobAccessKey:    env.GetString("BLOB_ACCESS_KEY", ""),
		BlobSecretKey:    env.GetString("BLOB_SECRET_KEY", ""),
		BlobBucket:       env.GetString("BLOB_BUCKET", "ingestiond-staging"),
		BlobUsePathStyle: env.GetBool("BLOB_USE_PATH_STYLE", true),

		AnthropicAPIKey: env.GetString("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  env.GetString("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),

		ControlPlaneAPIKey: env.GetString("CONTROL_PLANE_API_KEY", ""),

		TenantJWTSecret: env.GetString("TENANT_JWT_SECRET", ""),
		TenantJWTIssuer: env.GetString("TENANT_JWT_ISSUER", "ingestiond"),

		ContextCacheCapacity: env.GetInt("CONTEXT_CACHE_CAPACITY", 256),
		ShutdownTimeout:      env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		EnabledDrivers:       env.GetStringSlice("ENABLED_DRIVERS", []string{gitea.DriverID, gitlab.DriverID, msgraph.DriverID}),
	}

	v := config.NewValidator()
	v.RequireString("METADATA_DATABASE_URL", cfg.MetadataDatabaseURL)
	v.RequireOneOf("GRAPH_BACKEND", cfg.GraphBackend, []string{"postgres", "neo4j"})
	v.RequireString("GRAPH_DATABASE_URL", cfg.GraphDatabaseURL)
	v.RequireString("CONTROL_PLANE_API_KEY", cfg.ControlPlaneAPIKey)
	v.RequirePositiveInt("CONTEXT_CACHE_CAPACITY", cfg.ContextCacheCapacity)
	if err := v.Validate(); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}

func newKVStore(cfg appConfig) (kvstore.Store, error) {
	if cfg.UseBbolt {
		return kvstore.NewBoltStore(cfg.BoltPath)
	}
	return kvstore.NewRedisStore(cfg.RedisURL)
}

// newGraphStore builds the configured graph backend and returns a
// close func the caller can defer regardless of which one was chosen.
func newGraphStore(ctx context.Context, cfg appConfig) (graphstore.Store, func(), error) {
	if cfg.GraphBackend == "neo4j" {
		store, err := graphstore.NewNeo4jStore(ctx, cfg.GraphDatabaseURL, cfg.GraphNeo4jUsername, cfg.GraphNeo4jPassword)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close(ctx) }, nil
	}
	pool, err := pgxpool.New(ctx, cfg.GraphDatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return graphstore.NewPostgresStore(pool), pool.Close, nil
}

// newDriverRegistry registers only the drivers named in cfg.EnabledDrivers,
// so a deployment with no Azure tenant configured, say, doesn't pay for a
// registered msgraph driver it will never point an endpoint at.
func newDriverRegistry(cfg appConfig) *drivers.Registry {
	enabled := make(map[string]bool, len(cfg.EnabledDrivers))
	for _, id := range cfg.EnabledDrivers {
		enabled[id] = true
	}
	registry := drivers.NewRegistry()
	if enabled[gitea.DriverID] {
		registry.Register(gitea.New())
	}
	if enabled[gitlab.DriverID] {
		registry.Register(gitlab.New())
	}
	if enabled[msgraph.DriverID] {
		registry.Register(msgraph.New())
	}
	return registry
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.Debug {
		logging.SetLevel("debug")
		logging.SetTextFormat()
	} else {
		logging.SetLevel("info")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metadataPool, err := pgxpool.New(ctx, cfg.MetadataDatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to metadata database")
	}
	defer metadataPool.Close()
	metadata := metadatastore.New(metadataPool)

	graph, closeGraph, err := newGraphStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to graph database")
	}
	defer closeGraph()

	kv, err := newKVStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open checkpoint store")
	}

	staging, err := blobstore.New(ctx, blobstore.Config{
		Endpoint:     cfg.BlobEndpoint,
		Region:       cfg.BlobRegion,
		AccessKey:    cfg.BlobAccessKey,
		SecretKey:    cfg.BlobSecretKey,
		Bucket:       cfg.BlobBucket,
		UsePathStyle: cfg.BlobUsePathStyle,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to connect to blob storage")
	}

	driverRegistry := newDriverRegistry(cfg)

	sinkRegistry := sinks.NewRegistry()
	sinkRegistry.Register(graphsink.New(graph))
	sinkRegistry.Register(stagingsink.New(staging))

	engine := ingest.New(metadata, kv, driverRegistry, sinkRegistry)

	var provider llm.Provider
	if cfg.AnthropicAPIKey != "" {
		provider = llm.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	} else {
		log.Warn("ANTHROPIC_API_KEY not set, GraphRAG answers will use deterministic mock mode")
	}

	searcher := search.New(graph)
	expander := graphexpand.New(graph)
	contextBuilder := ragcontext.New(searcher, expander, nil, cfg.ContextCacheCapacity)
	ragService := graphrag.New(contextBuilder, expander, nil, provider)

	handlers := controlplane.NewHandlers(metadata, engine, ragService)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	var tenantJWT *controlplane.TenantJWT
	if cfg.TenantJWTSecret != "" {
		tenantJWT = controlplane.NewTenantJWT(cfg.TenantJWTSecret, cfg.TenantJWTIssuer)
	} else {
		log.Warn("TENANT_JWT_SECRET not set, GraphRAG routes authenticate with the control-plane API key instead of per-tenant tokens")
	}
	controlplane.RegisterRoutes(e, handlers, ragService, cfg.ControlPlaneAPIKey, tenantJWT)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.WithField("addr", addr).Info("starting ingestiond")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
