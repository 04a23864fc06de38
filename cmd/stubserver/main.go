package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"purchasekit/internal/backendstub"
	"purchasekit/internal/cache"
	"purchasekit/internal/middleware"
	"purchasekit/internal/tracing"
)

const (
	defaultPort       = "8080"
	defaultAPIKey     = "stub-api-key"
	defaultRateLimit  = 100 // requests per window
	defaultRateWindow = 60  // seconds
)

func main() {
	_ = godotenv.Load()

	port := flag.String("port", defaultPort, "Server port")
	apiKey := flag.String("api-key", defaultAPIKey, "API key the SDK must present")
	redisAddr := flag.String("redis", "", "Redis address for grant storage (empty = in-memory)")
	rateLimit := flag.Int("rate-limit", defaultRateLimit, "Rate limit (requests per window per device)")
	rateWindow := flag.Int("rate-window", defaultRateWindow, "Rate limit window in seconds")
	traceEndpoint := flag.String("trace-endpoint", "", "Jaeger collector endpoint (empty = tracing disabled)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     *traceEndpoint != "",
		Endpoint:    *traceEndpoint,
		ServiceName: "purchasekit-stubserver",
		Environment: "development",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	defer shutdownTracing(context.Background())

	var storage cache.Cache
	if *redisAddr != "" {
		rc, err := cache.NewRedisCache(*redisAddr, "", 0)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rc.Close()
		storage = rc
		log.Info().Str("addr", *redisAddr).Msg("using redis grant storage")
	} else {
		storage = cache.NewInMemoryCache()
		log.Info().Msg("using in-memory grant storage")
	}

	h := backendstub.NewHandler(storage, demoRules(), log)

	rateLimiter := middleware.NewRateLimiter(*rateLimit, time.Duration(*rateWindow)*time.Second)
	defer rateLimiter.Stop()

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Tracing())
	r.Use(middleware.RateLimit(rateLimiter))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-User-ID", "X-Device-ID"},
		MaxAge:         300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKey(*apiKey))
		h.Routes(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%s", *port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info().Msg("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("error shutting down server")
		}
	}()

	log.Info().Str("addr", addr).Int("rate_limit", *rateLimit).Msg("stub entitlement backend listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

// demoRules is the product catalog the stub grants against: a weekly /
// monthly / yearly premium group plus a product scripted to be rejected,
// for exercising the validation path.
func demoRules() map[string]backendstub.GrantRule {
	return map[string]backendstub.GrantRule{
		"premium.weekly": {
			GroupID:     "premium",
			Period:      7 * 24 * time.Hour,
			TrialPeriod: 7 * 24 * time.Hour,
		},
		"premium.monthly": {
			GroupID: "premium",
			Period:  30 * 24 * time.Hour,
		},
		"premium.yearly": {
			GroupID: "premium",
			Period:  365 * 24 * time.Hour,
		},
		"premium.flagged": {
			GroupID: "premium",
			Period:  30 * 24 * time.Hour,
			Reject:  true,
		},
	}
}
