// Command biomed-proxy exposes the resilient biomedical client over
// HTTP. It proxies upstream fetches through the cache, rate limiter,
// and circuit breaker stack, and serves Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tastyGranola/biomcp-sub001/pkg/client"
	"github.com/tastyGranola/biomcp-sub001/pkg/logging"
)

type serverConfig struct {
	Port      string `env:"PORT" envDefault:"8080"`
	RedisURL  string `env:"REDIS_URL"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY"`
}

func main() {
	root := &cobra.Command{
		Use:          "biomed-proxy",
		Short:        "HTTP proxy for biomedical data upstreams with caching and resilience",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var srvCfg serverConfig
	if err := env.Parse(&srvCfg); err != nil {
		return fmt.Errorf("parse server environment: %w", err)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(srvCfg.LogLevel),
		Pretty: srvCfg.LogPretty,
	})

	cfg, err := client.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}

	// Redis is optional. Without it, or when it is unreachable, the
	// client falls back to memory-only caching.
	if srvCfg.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: srvCfg.RedisURL})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn().Str("redis", srvCfg.RedisURL).Err(err).
				Msg("Redis unreachable, using memory-only cache")
			redisClient.Close()
		} else {
			logger.Info().Str("redis", srvCfg.RedisURL).Msg("Connected to Redis")
			cfg.Redis = redisClient
		}
	}

	c, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer c.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/fetch", fetchHandler(c))
	mux.HandleFunc("/v1/metrics", metricsHandler(c))
	mux.HandleFunc("/v1/offline", offlineHandler(c))
	mux.HandleFunc("/v1/cache", cacheHandler(c))

	server := &http.Server{
		Addr:              ":" + srvCfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Bool("offline", c.Offline()).
			Msg("Starting biomed proxy")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// fetchHandler proxies a single upstream fetch. The caller names the
// target with url= and attributes it to a domain with domain=; a
// registered endpoint key may be passed with key= for metrics
// attribution.
func fetchHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		target := q.Get("url")
		domain := q.Get("domain")
		if target == "" || domain == "" {
			http.Error(w, "url and domain query parameters are required", http.StatusBadRequest)
			return
		}

		var opts []client.RequestOption
		if key := q.Get("key"); key != "" {
			opts = append(opts, client.WithEndpointKey(key))
		}
		if ttl := q.Get("ttl"); ttl != "" {
			d, err := time.ParseDuration(ttl)
			if err != nil {
				http.Error(w, "invalid ttl", http.StatusBadRequest)
				return
			}
			opts = append(opts, client.WithCacheTTL(d))
		}

		params := url.Values{}
		for name, vals := range q {
			switch name {
			case "url", "domain", "key", "ttl":
			default:
				params[name] = vals
			}
		}

		data, err := c.Request(r.Context(), target, params, domain, opts...)
		if err != nil {
			writeClientError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// writeClientError translates the client error taxonomy to HTTP
// statuses for proxy callers.
func writeClientError(w http.ResponseWriter, err error) {
	var reqErr *client.Error
	if !errors.As(err, &reqErr) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := http.StatusBadGateway
	switch reqErr.Kind {
	case client.KindHTTPStatus:
		status = reqErr.Code
	case client.KindRateLimited:
		status = http.StatusTooManyRequests
	case client.KindCircuitOpen, client.KindOfflineBlocked:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": reqErr.Message,
		"kind":  string(reqErr.Kind),
	})
}

func metricsHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Metrics())
	}
}

func offlineHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]bool{"offline": c.Offline()})
		case http.MethodPut, http.MethodPost:
			c.SetOffline(r.URL.Query().Get("enabled") == "true")
			json.NewEncoder(w).Encode(map[string]bool{"offline": c.Offline()})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func cacheHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := c.ClearCache(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
