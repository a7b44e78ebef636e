// Command receptionist boots the Kumon WhatsApp receptionist engine: the
// inbound webhook surface, the turn orchestrator, and the outbox delivery
// worker, wired together by internal/bootstrap's phased registry.
// Generalizes the teacher's LoadConfig-then-explicit-wiring main style
// (config validation failures are fatal, matching LoadConfig's own error
// convention) into named, ordered bootstrap steps instead of one flat
// sequence of constructor calls.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/kumon/receptionist/internal/bootstrap"
	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/handlers"
	"github.com/kumon/receptionist/internal/intent"
	"github.com/kumon/receptionist/internal/llm"
	"github.com/kumon/receptionist/internal/orchestrator"
	"github.com/kumon/receptionist/internal/outbox"
	"github.com/kumon/receptionist/internal/preprocess"
	"github.com/kumon/receptionist/internal/rag"
	"github.com/kumon/receptionist/internal/rules"
	"github.com/kumon/receptionist/internal/state"
	"github.com/kumon/receptionist/internal/telemetry"
	"github.com/kumon/receptionist/internal/template"
	"github.com/kumon/receptionist/internal/validator"
	"github.com/kumon/receptionist/pkg/calendar"
	"github.com/kumon/receptionist/pkg/gateway"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(os.Getenv("RECEPTIONIST_ENV"))
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	reg := bootstrap.NewRegistry(logger)

	var (
		db             *sql.DB
		gatewayClient  *gateway.Client
		redisClient    *redis.Client
		llmGateway     *llm.Gateway
		templates      *template.Resolver
		ob             *outbox.Outbox
		retriever      rag.Retriever              = rag.NullRetriever{}
		calendarClient orchestrator.CalendarClient = orchestrator.NullCalendar{}
	)

	reg.Register(bootstrap.Step{
		Name: "state-store", Phase: bootstrap.Critical,
		Fn: func(ctx context.Context) error {
			dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
				cfg.Database.Host, cfg.Database.Port, cfg.Database.Name,
				cfg.Database.User, cfg.Database.Password, cfg.Database.SSLMode)
			opened, err := sql.Open("postgres", dsn)
			if err != nil {
				return err
			}
			if err := opened.PingContext(ctx); err != nil {
				return err
			}
			if err := state.Migrate(opened); err != nil {
				return err
			}
			db = opened
			return nil
		},
	})

	reg.Register(bootstrap.Step{
		Name: "redis", Phase: bootstrap.Critical,
		Fn: func(ctx context.Context) error {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				PoolSize: cfg.Redis.PoolSize,
			})
			return redisClient.Ping(ctx).Err()
		},
	})

	reg.Register(bootstrap.Step{
		Name: "gateway-adapter", Phase: bootstrap.Critical,
		Fn: func(ctx context.Context) error {
			client, err := gateway.NewClient(cfg.Gateway.APIKey, cfg.Gateway.APIEndpoint, cfg.Gateway.Timeout)
			if err != nil {
				return err
			}
			gatewayClient = client
			return nil
		},
	})

	reg.Register(bootstrap.Step{
		Name: "llm-gateway", Phase: bootstrap.High,
		Fn: func(ctx context.Context) error {
			adapters := make([]llm.Adapter, 0, 2)
			if cfg.LLM.AnthropicAPIKey != "" {
				adapters = append(adapters, llm.NewAnthropicAdapter(cfg.LLM.AnthropicAPIKey, cfg.LLM.AnthropicModel))
			}
			if cfg.LLM.LangchainAPIKey != "" {
				lc, err := llm.NewLangchainAdapter(cfg.LLM.LangchainAPIKey, cfg.LLM.LangchainBaseURL, cfg.LLM.LangchainModel)
				if err != nil {
					return err
				}
				adapters = append(adapters, lc)
			}
			if len(adapters) == 0 {
				return fmt.Errorf("no LLM adapter configured")
			}
			llmGateway = llm.New(cfg, logger, adapters...)
			return nil
		},
	})

	reg.Register(bootstrap.Step{
		Name: "template-resolver", Phase: bootstrap.High,
		Fn: func(ctx context.Context) error {
			resolver, err := template.New(redisClient)
			if err != nil {
				return err
			}
			templates = resolver
			return nil
		},
	})

	reg.Register(bootstrap.Step{
		Name: "outbox-worker", Phase: bootstrap.High,
		Fn: func(ctx context.Context) error {
			ob = outbox.New(db, gatewayClient, cfg, logger)
			go ob.StartWorker(context.Background())
			return nil
		},
	})

	reg.Register(bootstrap.Step{
		Name: "rag-retriever", Phase: bootstrap.Medium,
		Condition: func() bool { return cfg.Features.RAGEnabled },
		Fn: func(ctx context.Context) error {
			retriever = rag.NewHTTPRetriever(cfg.Gateway.APIEndpoint, cfg.Gateway.Timeout, logger)
			return nil
		},
	})

	reg.Register(bootstrap.Step{
		Name: "calendar-adapter", Phase: bootstrap.Medium,
		Condition: func() bool { return cfg.Features.CalendarEnabled },
		Fn: func(ctx context.Context) error {
			client, err := calendar.NewClient(cfg.Gateway.APIKey, cfg.Gateway.APIEndpoint, cfg.Gateway.Timeout)
			if err != nil {
				return err
			}
			calendarClient = client
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.Run(ctx, cfg.Deadlines.Startup); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	reg.RegisterHealthCheck(bootstrap.HealthCheck{Name: "database", Fn: func(ctx context.Context) error {
		return db.PingContext(ctx)
	}})
	reg.RegisterHealthCheck(bootstrap.HealthCheck{Name: "redis", Fn: func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}})

	store, err := state.New(db, cfg)
	if err != nil {
		log.Fatalf("failed to build state store: %v", err)
	}

	deps := &orchestrator.Deps{
		Templates: templates,
		Gateway:   llmGateway,
		Retriever: retriever,
		Calendar:  calendarClient,
		Hours:     rules.NewHoursRule(cfg.Hours),
		Logger:    logger,
		Cfg:       cfg,
	}
	orch := orchestrator.New(
		store,
		intent.New(llmGateway, logger, cfg),
		validator.New(llmGateway, logger),
		ob,
		deps,
		cfg,
		logger,
	)

	preprocessor := preprocess.New(redisClient, cfg, logger)

	webhookHandler, err := handlers.NewWebhookHandler(preprocessor, orch, cfg)
	if err != nil {
		log.Fatalf("failed to build webhook handler: %v", err)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST("/webhook/whatsapp", webhookHandler.HandleWebhook)
	reg.RegisterHealthRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("receptionist engine listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	reg.RunDeferred(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	_ = server.Shutdown(shutdownCtx)
	ob.Stop()
	llmGateway.Close()
}
