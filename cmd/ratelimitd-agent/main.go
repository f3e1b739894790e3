// ratelimitd-agent is a demo/reference process for pkg/ratelimiter: it
// registers one instance with a coordination backend, serves its stats
// and live availability events over HTTP, and drives a synthetic
// two-model job generator so the escalation/delegation path has
// something to exercise. Production embedders are expected to import
// pkg/ratelimiter directly rather than run this process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/aiserve/ratelimitd/internal/coordination"
	"github.com/aiserve/ratelimitd/internal/logging"
	"github.com/aiserve/ratelimitd/internal/metrics"
	"github.com/aiserve/ratelimitd/internal/middleware"
	"github.com/aiserve/ratelimitd/internal/resilience"
	"github.com/aiserve/ratelimitd/pkg/ratelimiter"
)

func main() {
	var (
		httpAddr   = flag.String("http", ":8090", "address to serve /stats, /healthz and /watch on")
		backend    = flag.String("backend", "mem", "coordination backend: mem, redis, sqlite")
		redisAddr  = flag.String("redis-addr", "localhost:6379", "redis address, when -backend=redis")
		sqlitePath = flag.String("sqlite-path", "ratelimitd-agent.db", "sqlite file path, when -backend=sqlite")
		instanceID = flag.String("instance-id", "", "instance id registered with the coordination backend (default: random)")
	)
	flag.Parse()

	if err := logging.Initialize(logging.SyslogConfig{Enabled: false}); err != nil {
		log.Printf("warning: failed to initialize logging: %v", err)
	}
	if *instanceID == "" {
		*instanceID = "agent-" + uuid.NewString()[:8]
	}

	models := []ratelimiter.ModelConfig{
		{ID: "fast-model", RPM: intPtr(60), TPM: intPtr(100000), PriceInputPer1M: 0.15, PriceOutputPer1M: 0.6},
		{ID: "strong-model", RPM: intPtr(20), TPM: intPtr(50000), PriceInputPer1M: 3, PriceOutputPer1M: 15},
	}
	jobTypes := []ratelimiter.JobTypeConfig{
		{ID: "chat", EstimatedTokens: 400, EstimatedRequests: 1, Ratio: 0.7, Flexible: true, MinCapacity: 2},
		{ID: "batch", EstimatedTokens: 2000, EstimatedRequests: 1, Ratio: 0.3, Flexible: true, MinCapacity: 1},
	}

	store, err := buildStore(*backend, *redisAddr, *sqlitePath, models, jobTypes)
	if err != nil {
		log.Fatalf("failed to build coordination backend %q: %v", *backend, err)
	}
	store = coordination.NewBreakerStore(store, coordination.DefaultBreakerSettings)

	lim, err := ratelimiter.New(ratelimiter.Config{
		Models:          models,
		JobTypes:        jobTypes,
		EscalationOrder: []string{"fast-model", "strong-model"},
		Store:           store,
		InstanceID:      *instanceID,
		MemoryTotalKB:   512 * 1024,
	})
	if err != nil {
		log.Fatalf("failed to build limiter: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := lim.Start(ctx); err != nil {
		log.Fatalf("failed to start limiter: %v", err)
	}
	defer lim.Stop(context.Background())

	broadcaster := newEventBroadcaster()
	watchCh, err := lim.Watch(ctx)
	if err != nil {
		log.Fatalf("failed to watch limiter: %v", err)
	}
	go func() {
		for ev := range watchCh {
			broadcaster.Publish(ev)
		}
	}()

	go runJobGenerator(ctx, lim)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(lim.GetStats())
	})
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(metrics.GetMetrics().ToPrometheus()))
	})
	router.HandleFunc("/watch", broadcaster.HandleConnection)

	handler := middleware.Logger(middleware.Recovery(middleware.CORS(router)))
	srv := &http.Server{Addr: *httpAddr, Handler: handler}
	go func() {
		logging.LogInfo("ratelimitd-agent", fmt.Sprintf("serving on %s (instance %s, backend %s)", *httpAddr, *instanceID, *backend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.LogInfo("ratelimitd-agent", "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	cancel()
}

// buildStore connects to the requested coordination backend, retrying
// with backoff since redis/sqlite may not be reachable the instant the
// process starts (e.g. a container orchestrator starting dependencies
// in parallel).
func buildStore(backend, redisAddr, sqlitePath string, models []ratelimiter.ModelConfig, jobTypes []ratelimiter.JobTypeConfig) (ratelimiter.Store, error) {
	// Both stores report connection failures as coordination.ErrUnavailable,
	// which resilience.IsRetryable does not recognize, so retry on it explicitly.
	retryUnavailable := func(_ struct{}, err error) bool { return errors.Is(err, coordination.ErrUnavailable) }
	switch backend {
	case "mem":
		return coordination.NewMemStore(models, jobTypes), nil
	case "redis":
		var store ratelimiter.Store
		_, err := resilience.RetryWithCondition(context.Background(), resilience.DefaultRetryConfig, func() (struct{}, error) {
			rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
			s, err := coordination.NewRedisStore(context.Background(), rdb, "ratelimitd:", models, jobTypes)
			if err != nil {
				rdb.Close()
				return struct{}{}, err
			}
			store = s
			return struct{}{}, nil
		}, retryUnavailable)
		return store, err
	case "sqlite":
		var store ratelimiter.Store
		_, err := resilience.RetryWithCondition(context.Background(), resilience.DefaultRetryConfig, func() (struct{}, error) {
			s, err := coordination.NewSqliteStore(sqlitePath, models, jobTypes)
			if err != nil {
				return struct{}{}, err
			}
			store = s
			return struct{}{}, nil
		}, retryUnavailable)
		return store, err
	default:
		return nil, fmt.Errorf("unknown backend %q (want mem, redis or sqlite)", backend)
	}
}

// runJobGenerator submits a steady stream of synthetic jobs so the
// escalation/delegation path and the availability events it produces
// have something to observe through /watch. It never calls log.Fatal —
// a failed job here is expected under load and just logged.
func runJobGenerator(ctx context.Context, lim *ratelimiter.Limiter) {
	jobTypes := []string{"chat", "batch"}
	var seq int
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jt := jobTypes[seq%len(jobTypes)]
		seq++
		jobCtx, cancel := context.WithTimeout(ctx, 5*time.Second)

		started := time.Now()
		hadCapacity := lim.HasCapacity()
		if hadCapacity {
			metrics.GetMetrics().RecordRateLimitHit()
		} else {
			metrics.GetMetrics().RecordRateLimitMiss()
		}

		_, err := lim.QueueJob(jobCtx, ratelimiter.JobOpts{
			ID:      fmt.Sprintf("synthetic-%d", seq),
			JobType: jt,
			Func: func(ctx context.Context, modelID string, args any, r *ratelimiter.Reporter) {
				time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
				r.Resolve(ratelimiter.UsageReport{InputTokens: 200 + rand.Intn(400), OutputTokens: 50 + rand.Intn(150), Requests: 1}, nil)
			},
		})
		cancel()
		metrics.GetMetrics().RecordRequest(time.Since(started), err == nil)
		if err != nil {
			logging.LogDebug("ratelimitd-agent", fmt.Sprintf("synthetic job %d failed: %v", seq, err))
		}

		time.Sleep(30 * time.Millisecond)
	}
}

func intPtr(n int) *int { return &n }
