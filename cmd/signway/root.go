package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/signway-gateway/signway/admission"
	"github.com/signway-gateway/signway/config"
	"github.com/signway-gateway/signway/forwarder"
	"github.com/signway-gateway/signway/metrics"
	"github.com/signway-gateway/signway/registry"
	"github.com/signway-gateway/signway/signer"
)

var rootCmd = &cobra.Command{
	Use:   "signway",
	Short: "Signway is an HTTPS gateway that verifies pre-signed URLs and forwards them upstream",
	RunE:  runServe,
}

var cfg = config.Default()

func init() {
	if err := config.ApplyEnv(&cfg); err != nil {
		logrus.WithError(err).Fatal("invalid SIGNWAY_* environment variable")
	}
	config.AddFlags(rootCmd.Flags(), &cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)

	watcher, err := registry.NewFileWatcher(cfg.RegistryFile, log.WithField("component", "registry"))
	if err != nil {
		return err
	}
	if cfg.RegistryReloadInterval > 0 {
		go watcher.Watch(cfg.RegistryReloadInterval)
		defer watcher.Close()
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metricsSink := metrics.New(promReg)

	fwd := forwarder.New(forwarder.Config{
		DialTimeout:           cfg.DialTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConnsPerHost:   16,
	}, log.WithField("component", "forwarder")).WithMetrics(metricsSink)

	handler := admission.NewHandler(watcher, fwd, log.WithField("component", "admission"), signer.WithSkew(cfg.Skew))
	handler.Metrics = metricsSink
	handler.UpstreamScheme = cfg.UpstreamScheme

	router := chi.NewRouter()
	router.Use(uuidRequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Get("/healthz", healthz)
	router.Handle("/metrics", promHandler(promReg))
	router.Handle("/*", handler)

	srv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.BindAddr).Info("signway: listening")
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("signway: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// uuidRequestID replaces chi's built-in sequential RequestID middleware
// with a UUID-based one, so correlation IDs in logs stay unique across
// restarts and across Signway instances behind the same load balancer.
// It stores the ID under chi's own context key so middleware.GetReqID
// keeps working unchanged.
func uuidRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func promHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func requestLogger(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"duration":    time.Since(start),
				"request_id":  middleware.GetReqID(r.Context()),
				"remote_addr": r.RemoteAddr,
			}).Debug("signway: request handled")
		})
	}
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return logrus.NewEntry(log)
}
