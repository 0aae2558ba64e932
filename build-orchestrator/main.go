package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"buildops/auth"
	"buildops/builder"
	"buildops/notification"
	"buildops/shared/kafka"
	"buildops/shared/metrics"
	"buildops/shared/store"
)

const tokenIssuer = "buildops"

type config struct {
	Port         string
	RedisAddr    string
	KafkaBrokers string
	DataDir      string
	JWTSecret    string
	LogLevel     string
}

// loadConfig reads flags and their environment overrides: --redis-addr is
// REDIS_ADDR and so on.
func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Port:         v.GetString("port"),
		RedisAddr:    v.GetString("redis-addr"),
		KafkaBrokers: v.GetString("kafka-brokers"),
		DataDir:      v.GetString("data-dir"),
		JWTSecret:    v.GetString("jwt-secret"),
		LogLevel:     v.GetString("log-level"),
	}
	if cfg.JWTSecret == "" {
		return cfg, errors.New("JWT_SECRET environment variable is required")
	}
	if cfg.DataDir == "" {
		return cfg, errors.New("data directory is required")
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "build-orchestrator",
		Short:        "Runs builds of registered targets and serves their status, logs and artifacts",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("port", "8082", "HTTP listen port")
	flags.String("redis-addr", "redis:6379", "Redis address")
	flags.String("kafka-brokers", "kafka:29092", "Kafka bootstrap servers, empty disables Kafka")
	flags.String("data-dir", "/app/data", "directory holding sources, history and build logs")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.String("log-level", "info", "logrus level")

	if err := bindConfig(v, flags); err != nil {
		log.Fatalf("❌ Failed to bind flags: %v", err)
	}
	return cmd
}

var envReplacer = strings.NewReplacer("-", "_")

// bindConfig makes every flag readable from v and overridable by its
// upper-cased environment variable. An empty variable counts as set, so
// KAFKA_BROKERS= disables Kafka.
func bindConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvKeyReplacer(envReplacer)
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	return nil
}

func run(ctx context.Context, cfg config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)

	log.Println("🚀 Starting Build Orchestrator...")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	log.Println("✅ Redis connection verified")

	st := store.NewRedis(redisClient)
	hub := notification.NewHub()
	recorder := metrics.NewRecorder()
	notifiers := builder.Notifiers{hub, recorder}

	if cfg.KafkaBrokers != "" {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		defer producer.Close()
		notifiers = append(notifiers, kafka.NewEventPublisher(producer))
		log.Println("✅ Kafka producer created")
	}

	engine := builder.NewEngine(ctx, st, builder.NewLayout(cfg.DataDir), builder.WithNotifier(notifiers))
	// a cancelled ctx kills the running commands, wait for the runs to settle
	defer engine.Wait()

	if cfg.KafkaBrokers != "" {
		consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, "build-orchestrator")
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		defer consumer.Close()
		if err := consumer.Subscribe([]string{kafka.TopicBuildRequests}); err != nil {
			return fmt.Errorf("subscribe to %s: %w", kafka.TopicBuildRequests, err)
		}
		go func() {
			log.Println("🎧 Starting to consume build requests...")
			consumer.ConsumeMessages(ctx, buildRequestHandler(ctx, engine))
		}()
	}

	authn := auth.NewAuthenticator(cfg.JWTSecret, tokenIssuer)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newRouter(NewAPI(engine, st), hub, recorder, authn),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("🌐 Build Orchestrator Service is running on port %s...", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("👋 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(api *API, hub *notification.Hub, recorder *metrics.Recorder, authn *auth.Authenticator) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(authn.Middleware())
	api.Routes(apiRouter)

	r.HandleFunc("/ws", hub.HandleWebSocket)
	r.Handle("/metrics", recorder.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("❌ %v", err)
	}
}
