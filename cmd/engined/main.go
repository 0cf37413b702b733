package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/careloop/careloop-engine/internal/alerts"
	"github.com/careloop/careloop-engine/internal/billing"
	"github.com/careloop/careloop-engine/internal/cache"
	"github.com/careloop/careloop-engine/internal/config"
	"github.com/careloop/careloop-engine/internal/engine"
	"github.com/careloop/careloop-engine/internal/httpserver"
	"github.com/careloop/careloop-engine/internal/llm"
	"github.com/careloop/careloop-engine/internal/logging"
	"github.com/careloop/careloop-engine/internal/retrieval"
	"github.com/careloop/careloop-engine/internal/safety"
	storesqlite "github.com/careloop/careloop-engine/internal/storage/sqlite"
	"github.com/careloop/careloop-engine/internal/transcript"
	"github.com/careloop/careloop-engine/internal/validate"
	"github.com/careloop/careloop-engine/internal/version"
)

func main() {
	cfg, err := config.LoadEngineConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging, mirrored to stdout for foreground runs
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[engined] ")
		defer rot.Close()
	}
	logger := log.New(log.Writer(), "[engined] ", log.LstdFlags|log.Lmicroseconds)

	store, err := storesqlite.New(cfg.StorePath)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	defer store.Close()

	var billingStore billing.Store
	switch cfg.BillingBackend {
	case "postgres":
		pg, err := billing.NewPostgresStore(cfg.BillingDSN)
		if err != nil {
			log.Fatalf("open billing store (postgres): %v", err)
		}
		defer pg.Close()
		billingStore = pg
		log.Printf("billing backend: postgres")
	default:
		sq, err := billing.NewSQLiteStore(cfg.BillingPath)
		if err != nil {
			log.Fatalf("open billing store (sqlite): %v", err)
		}
		defer sq.Close()
		billingStore = sq
		log.Printf("billing backend: sqlite path=%s", cfg.BillingPath)
	}
	billingSvc := billing.NewService(billingStore, billing.Pricer{
		CreditsPerThousandTokens: cfg.CreditsPer1KTokens,
		CachedDiscountPercent:    cfg.CachedDiscountPercent,
		MinimumCredits:           cfg.MinimumCredits,
	}, logger)

	// Provider: loopback unless OpenAI is configured with a key
	var client llm.Client
	if cfg.Provider == "openai" && strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		oa, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Organization:   cfg.OpenAIOrg,
			RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			log.Fatalf("openai client init failed: %v", err)
		}
		client = oa
		log.Printf("provider: openai quick=%s deep=%s", cfg.QuickModel, cfg.DeepModel)
	} else {
		client = llm.NewLoopbackClient()
		log.Printf("provider: loopback (no upstream calls)")
	}
	client = llm.NewRetryClient(client, llm.RetryConfig{
		Timeout:      cfg.ProviderTimeout,
		RetryTimeout: cfg.RetryTimeout,
		Logger:       logger,
	})

	// Knowledge retrieval is optional; both halves must be configured
	var retrievalSvc *retrieval.Service
	if cfg.EmbeddingBaseURL != "" && cfg.QdrantBaseURL != "" {
		embedder, err := retrieval.NewEmbeddingClient(retrieval.EmbeddingConfig{
			APIKey:         cfg.EmbeddingAPIKey,
			BaseURL:        cfg.EmbeddingBaseURL,
			Model:          cfg.EmbeddingModel,
			RequestTimeout: cfg.RetrievalTimeout,
		})
		if err != nil {
			log.Fatalf("embedding client init failed: %v", err)
		}
		retrievalSvc = retrieval.NewService(retrieval.ServiceConfig{
			Embedder:   embedder,
			Searcher:   retrieval.NewQdrantClient(cfg.QdrantBaseURL, cfg.QdrantAPIKey, cfg.RetrievalTimeout),
			Collection: cfg.QdrantCollection,
			Timeout:    cfg.RetrievalTimeout,
			Logger:     logger,
		})
		log.Printf("retrieval enabled collection=%s", cfg.QdrantCollection)
	} else {
		log.Printf("retrieval disabled; deep analyses run without knowledge snippets")
	}

	var analysisCache cache.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		analysisCache = cache.NewRedis(rdb, "")
		log.Printf("cache: redis addr=%s", cfg.RedisAddr)
	} else {
		analysisCache = cache.NewMemory()
	}

	var alertPublisher alerts.Publisher
	if cfg.AMQPURL != "" {
		pub, err := alerts.NewAMQPPublisher(cfg.AMQPURL, cfg.AlertQueue)
		if err != nil {
			log.Fatalf("amqp publisher init failed: %v", err)
		}
		defer pub.Close()
		alertPublisher = pub
		log.Printf("alerts: amqp queue=%s", cfg.AlertQueue)
	} else {
		alertPublisher = alerts.NewLogPublisher(logger)
		log.Printf("alerts: log-only (no broker configured)")
	}

	playbook, err := config.LoadPlaybook(cfg.PlaybookPath)
	if err != nil {
		log.Fatalf("load playbook: %v", err)
	}

	agg := transcript.NewAggregator(store, store, logger)
	eng := engine.New(engine.Deps{
		Sessions:    store,
		Transcripts: agg,
		LogStore:    store,
		Machine:     safety.NewMachine(),
		Billing:     billingSvc,
		Retrieval:   retrievalSvc,
		Client:      client,
		Validator:   validate.New(logger),
		Estimator:   llm.NewTokenEstimator(),
		Cache:       analysisCache,
		Alerts:      alertPublisher,
		Playbook:    playbook,
		Logger:      logger,
	}, engine.Options{
		QuickModel:           cfg.QuickModel,
		DeepModel:            cfg.DeepModel,
		QuickWindowSeconds:   cfg.QuickWindowSeconds,
		DeepWindowSeconds:    cfg.DeepWindowSeconds,
		CacheTTL:             cfg.CacheTTL,
		RetrievalTopK:        cfg.RetrievalTopK,
		ScoreThreshold:       cfg.ScoreThreshold,
		QuickCostPer1KTokens: cfg.QuickCostPer1K,
		DeepCostPer1KTokens:  cfg.DeepCostPer1K,
	})

	httpSrv := httpserver.New(httpserver.Config{
		Engine:           eng,
		Sessions:         store,
		Transcripts:      agg,
		LogStore:         store,
		Billing:          billingSvc,
		Logger:           logger,
		LogLevel:         cfg.LogLevel,
		DefaultAccountID: cfg.DefaultAccountID,
		MaxStreamClients: cfg.MaxStreamClients,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("careloop engine %s listening on %s env=%s", version.String(), cfg.ListenAddr, cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
