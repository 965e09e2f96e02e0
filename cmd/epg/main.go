// Command epg runs the Egress Policy Gateway: the TLS ClientHello
// filter and HTTP rewriter that sit between registered micro-VMs and
// the outside world.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"vmgate/internal/audit"
	"vmgate/internal/config"
	"vmgate/internal/controlapi"
	"vmgate/internal/gateway"
	"vmgate/internal/policy"
	"vmgate/internal/redaction"
	"vmgate/internal/registry"
	"vmgate/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/epg.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting vmgate egress policy gateway",
		"listen", cfg.Listen,
		"registry_path", cfg.RegistryPath,
		"api_url", cfg.APIURL,
	)

	registryCache := registry.NewCache(cfg.RegistryPath)
	if cfg.Mirror.RedisEnabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		registryCache = registryCache.WithMirror(registry.NewRedisMirror(client, cfg.Redis.KeyPrefix+"snapshot", cfg.Mirror.RedisTTL))
		slog.Info("registry mirror enabled", "addr", cfg.Redis.Addr)
	}

	var redactor redaction.Redactor = redaction.NewPatternRedactor()
	if !cfg.Redaction.Enabled {
		redactor = &redaction.NoopRedactor{}
	}
	auditLogger := audit.NewLogger(redactor)

	var sqliteMirror *audit.SQLiteMirror
	if cfg.Mirror.SQLitePath != "" {
		sqliteMirror, err = audit.NewSQLiteMirror(cfg.Mirror.SQLitePath)
		if err != nil {
			slog.Error("failed to open audit sqlite mirror", "error", err)
			os.Exit(1)
		}
		defer sqliteMirror.Close()
		slog.Info("audit sqlite mirror enabled", "path", cfg.Mirror.SQLitePath)
	}

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(cfg.Telemetry)
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	evaluator := policy.NewEvaluator(nil)

	gw := gateway.NewGateway(registryCache, evaluator, auditLogger, tp, gateway.RewriteConfig{
		APIURL:      cfg.APIURL,
		BypassToken: cfg.BypassToken,
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		slog.Error("failed to listen", "addr", cfg.Listen, "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("gateway listening", "addr", cfg.Listen)
		if err := gw.Serve(ln); err != nil {
			errChan <- err
		}
	}()

	controlHandler := controlapi.NewWithAuth(registryCache, sqliteMirror, cfg.Control.Auth.Enabled, cfg.Control.Auth.APIKey)
	var controlLn net.Listener
	if cfg.Control.Enabled {
		controlLn, err = net.Listen("tcp", cfg.Control.Listen)
		if err != nil {
			slog.Error("failed to listen on control address", "addr", cfg.Control.Listen, "error", err)
			os.Exit(1)
		}
		go func() {
			slog.Info("control api listening", "addr", cfg.Control.Listen)
			srv := &http.Server{Handler: controlHandler, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
			if err := srv.Serve(controlLn); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	ln.Close()
	if controlLn != nil {
		controlLn.Close()
	}

	if tp != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("vmgate stopped")
}
