package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/charging-platform/cp-simulator/internal/config"
	"github.com/charging-platform/cp-simulator/internal/engine"
	"github.com/charging-platform/cp-simulator/internal/eventbus"
	"github.com/charging-platform/cp-simulator/internal/logger"
	"github.com/charging-platform/cp-simulator/internal/session"
	"github.com/charging-platform/cp-simulator/internal/store"
)

func main() {
	// 1. Load configuration.
	config.SetDefaults()
	viper.SetConfigName("simulator")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/cp-simulator")
	viper.SetEnvPrefix("SIM")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Failed to read configuration: %v\n", err)
			os.Exit(1)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logging.
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: time.RFC3339,
		Async:      cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	log.Info("Logger initialized")

	// 3. Initialize the session store. Redis when enabled, in-memory otherwise.
	var sessionStore store.SessionStore
	if cfg.Redis.Enabled {
		redisStore, err := store.NewRedisStore(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to initialize Redis store: %v", err)
		}
		sessionStore = redisStore
		log.Infof("Redis session store initialized at %s", cfg.Redis.Addr)
	} else {
		sessionStore = store.NewMemoryStore()
		log.Info("In-memory session store initialized")
	}

	// 4. Initialize the event bus. Kafka when enabled, in-memory otherwise.
	var bus eventbus.Bus
	if cfg.Kafka.Enabled {
		kafkaBus, err := eventbus.NewKafkaBus(cfg.Kafka)
		if err != nil {
			log.Fatalf("Failed to initialize Kafka event bus: %v", err)
		}
		bus = kafkaBus
		log.Infof("Kafka event bus initialized with brokers: %v, topic: %s",
			cfg.Kafka.Brokers, cfg.Kafka.EventTopic)
	} else {
		bus = eventbus.NewMemoryBus(eventbus.DefaultRingSize)
		log.Info("In-memory event bus initialized")
	}

	// 5. Start the engine.
	eng := engine.New(cfg, sessionStore, bus, log.WithComponent("engine"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	log.Infof("Engine started, session limit %d", cfg.Engine.MaxSessions)

	// 6. Restore persisted sessions, if any.
	if restored, err := eng.RestoreSessions(ctx); err != nil {
		log.Errorf("Session restore failed: %v", err)
	} else if restored > 0 {
		log.Infof("Restored %d sessions", restored)
	}

	// 7. Seed sessions from config and drive them online.
	if n := viper.GetInt("fleet.size"); n > 0 {
		template := session.Config{
			ChargePointID: viper.GetString("fleet.prefix"),
			VehicleID:     viper.GetString("fleet.vehicle"),
			InitialSocPct: viper.GetFloat64("fleet.initial_soc"),
			TargetSocPct:  viper.GetFloat64("fleet.target_soc"),
		}
		result, err := eng.CreateBatch(template, n)
		if err != nil {
			log.Errorf("Fleet creation stopped early: %v", err)
		}
		log.Infof("Fleet created: %d/%d sessions", result.Succeeded, result.Submitted)

		go func() {
			connect := eng.ConnectAll(ctx)
			log.Infof("Fleet connect: %d ok, %d failed", connect.Succeeded, connect.Failed)
			boot := eng.BootAll(ctx)
			log.Infof("Fleet boot: %d ok, %d failed", boot.Succeeded, boot.Failed)
		}()
	}

	// 8. Start the metrics endpoint.
	go startMetricsServer(cfg.GetMetricsAddr(), log)
	log.Infof("Metrics server starting on %s", cfg.GetMetricsAddr())

	log.Info("Charge point simulator started successfully")

	// 9. Wait for shutdown and clean up in order.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down simulator...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	disconnect := eng.DisconnectAll(shutdownCtx)
	log.Infof("Sessions disconnected: %d ok, %d failed", disconnect.Succeeded, disconnect.Failed)

	eng.Close()
	log.Info("Engine stopped")

	if err := bus.Close(); err != nil {
		log.Errorf("Error closing event bus: %v", err)
	}
	log.Info("Event bus closed")

	if err := sessionStore.Close(); err != nil {
		log.Errorf("Error closing session store: %v", err)
	}
	log.Info("Session store closed")

	log.Info("Simulator gracefully stopped.")
}

func startMetricsServer(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Metrics server failed: %v", err)
	}
}
