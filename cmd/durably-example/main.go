package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/durably/durably"
	"github.com/durably/durably/bus/redisbus"
	"github.com/durably/durably/durablyhttp"
	"github.com/durably/durably/internal/dlog"
	"github.com/durably/durably/internal/envconfig"
	"github.com/durably/durably/storage"
	"github.com/durably/durably/storage/litestore"
	"github.com/durably/durably/storage/pgstore"
)

// sumInput/sumOutput are the demo job's payload shapes. Durably jobs
// are ordinary Go types, marshaled to JSON at the storage boundary.
type sumInput struct {
	A int `json:"a"`
	B int `json:"b"`
}

type sumOutput struct {
	Total int `json:"total"`
}

func openStorage(log *dlog.Logger) (storage.Storage, error) {
	if dsn := envconfig.String("DURABLY_POSTGRES_DSN", "", log); dsn != "" {
		log.Info("opening postgres storage")
		return pgstore.Open(dsn)
	}
	path := envconfig.String("DURABLY_SQLITE_PATH", "durably-example.db", log)
	log.Info("opening sqlite storage", "path", path)
	return litestore.Open(path)
}

func main() {
	log, err := dlog.New(envconfig.String("DURABLY_LOG_MODE", "", nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	st, err := openStorage(log)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	inst, err := durably.New(durably.Config{
		Storage:           st,
		Logger:            log,
		PollingInterval:   envconfig.Duration("DURABLY_POLLING_INTERVAL", 0, log),
		HeartbeatInterval: envconfig.Duration("DURABLY_HEARTBEAT_INTERVAL", 0, log),
		StaleThreshold:    envconfig.Duration("DURABLY_STALE_THRESHOLD", 0, log),
	})
	if err != nil {
		log.Error("failed to build instance", "error", err)
		os.Exit(1)
	}

	sum := durably.Register(inst, durably.JobDefinition[sumInput, sumOutput]{
		Name: "sum",
		Run: func(ctx context.Context, sc *durably.StepContext, in sumInput) (sumOutput, error) {
			a, err := durably.StepRun(ctx, sc, "a", func(context.Context) (int, error) {
				return in.A, nil
			})
			if err != nil {
				return sumOutput{}, err
			}
			b, err := durably.StepRun(ctx, sc, "b", func(context.Context) (int, error) {
				return in.B, nil
			})
			if err != nil {
				return sumOutput{}, err
			}
			return sumOutput{Total: a + b}, nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if addr := envconfig.String("DURABLY_REDIS_ADDR", "", log); addr != "" {
		bridge, err := redisbus.New(ctx, inst.Bus(), addr, redisbus.WithLogger(log))
		if err != nil {
			log.Warn("redis event bridge disabled", "error", err)
		} else {
			defer bridge.Close()
			if err := bridge.StartForwarder(ctx); err != nil {
				log.Warn("redis event forwarder failed to start", "error", err)
			} else {
				go bridge.Forward(ctx)
				log.Info("forwarding events through redis", "addr", addr)
			}
		}
	}

	if err := inst.Init(ctx); err != nil {
		log.Error("failed to initialize instance", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = inst.Stop(stopCtx)
	}()

	if envconfig.Bool("DURABLY_TRIGGER_DEMO", true, log) {
		runID, err := sum.Trigger(ctx, sumInput{A: 1, B: 2}, durably.TriggerOptions{})
		if err != nil {
			log.Warn("demo trigger failed", "error", err)
		} else {
			log.Info("demo run triggered", "run_id", runID)
		}
	}

	if envconfig.Bool("RUN_SERVER", true, log) {
		var mw []gin.HandlerFunc
		if secret := envconfig.String("DURABLY_JWT_SECRET", "", log); secret != "" {
			mw = append(mw, durablyhttp.RequireBearerAuth(secret))
		}
		router := durablyhttp.NewRouter(inst, mw...)
		port := envconfig.String("PORT", "8080", log)
		fmt.Printf("durably example listening on :%s\n", port)
		if err := router.Run(":" + port); err != nil {
			log.Warn("server exited", "error", err)
		}
		return
	}

	<-ctx.Done()
}
