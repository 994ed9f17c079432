// Command remotedbd serves generic record classes over the remotedb
// protocol.
//
// Usage:
//
//	remotedbd [-config remotedb.ini] [-section server] [key=value ...]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cyberinferno/go-remotedb/auth"
	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/config"
	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/db/memdb"
	"github.com/cyberinferno/go-remotedb/db/pgxdb"
	"github.com/cyberinferno/go-remotedb/delegate"
	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/metrics"
	"github.com/cyberinferno/go-remotedb/model"
	"github.com/cyberinferno/go-remotedb/policy"
	"github.com/cyberinferno/go-remotedb/serial"
	"github.com/cyberinferno/go-remotedb/server"
	"github.com/cyberinferno/go-remotedb/session"
)

const (
	serviceName     = "remotedbd"
	redisPrefix     = "remotedb:serials"
	defaultPoolSize = 8
)

func main() {
	configPath := flag.String("config", "", "ini file with the server options")
	section := flag.String("section", "server", "ini section holding the server options")
	flag.Parse()

	opts, err := loadOptions(*configPath, *section, flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := newLogger(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if c, ok := log.(io.Closer); ok {
		defer c.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, *configPath, log); err != nil {
		log.Error("remotedbd failed", logger.Err(err))
		os.Exit(1)
	}
}

// loadOptions merges the ini section with command line overrides.
func loadOptions(path, section string, args []string) (config.Options, error) {
	opts := config.New(nil)
	if path != "" {
		fileOpts, err := config.Load(path, section)
		if err != nil {
			return nil, err
		}
		opts = fileOpts
	}

	overrides, err := config.Parse(args)
	if err != nil {
		return nil, err
	}
	return opts.Merge(overrides), nil
}

func newLogger(opts config.Options) (logger.Logger, error) {
	level, err := logger.ParseLevel(opts.String(config.KeyLogLevel, "info"))
	if err != nil {
		return nil, err
	}
	if dir := opts.String(config.KeyLogDir, ""); dir != "" {
		return logger.NewZerologFileLogger(serviceName, dir, level)
	}
	return logger.NewZerologLogger(zerolog.New(os.Stdout).With().Timestamp().Logger(), serviceName, level), nil
}

func run(ctx context.Context, opts config.Options, configPath string, log logger.Logger) error {
	pol, err := policy.ResolveConnectionPolicy(opts)
	if err != nil {
		return err
	}
	sessionCfg, err := session.ConfigFromOptions(opts)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	tracker, err := newTracker(opts, log)
	if err != nil {
		return err
	}
	defer tracker.Close()

	source, closeSource, err := newSource(ctx, opts)
	if err != nil {
		return err
	}
	defer closeSource()

	authenticator, err := newAuthenticator(opts, configPath, log)
	if err != nil {
		return err
	}

	catalog, registry, err := newCatalog(opts.List(config.KeyClasses))
	if err != nil {
		return err
	}

	manager := session.NewManager(log, m)
	endpoint, err := session.NewEndpoint(session.EndpointConfig{
		Policy:        pol,
		Source:        source,
		Authenticator: authenticator,
		Catalog:       catalog,
		Registry:      registry,
		Serials:       tracker,
		Manager:       manager,
		Session:       sessionCfg,
		Logger:        log,
		Metrics:       m,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{Endpoint: endpoint, Logger: log})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	reaper := session.NewReaper(manager, sessionCfg.Interval, log, m)
	reaper.Start()

	var metricsServer *http.Server
	if addr := opts.String(config.KeyMetrics, ""); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", logger.Err(err))
			}
		}()
		log.Info("metrics server started", logger.Field{Key: "addr", Value: addr})
	}

	log.Info("remotedbd ready", logger.Field{Key: "service", Value: pol.Service.String()},
		logger.Field{Key: "ports", Value: srv.Ports()})
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reaper.Stop()
	err = srv.Stop(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return err
}

func newTracker(opts config.Options, log logger.Logger) (serial.Tracker, error) {
	interval, err := opts.Millis(config.KeySerialInterval, 0)
	if err != nil {
		return nil, err
	}

	var store serial.Store
	switch kind := opts.String(config.KeySerialStore, "memory"); kind {
	case "memory":
		store = serial.NewMemoryStore()
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: opts.String(config.KeyRedis, "localhost:6379")})
		store = serial.NewRedisStore(client, redisPrefix)
	default:
		return nil, fmt.Errorf("unknown serial store %q", kind)
	}
	return serial.New(store, interval, log), nil
}

func newSource(ctx context.Context, opts config.Options) (db.Source, func(), error) {
	poolSize, err := opts.Int(config.KeyPoolSize, defaultPoolSize)
	if err != nil {
		return nil, nil, err
	}

	if dsn := opts.String(config.KeyDatabase, ""); dsn != "" {
		src, err := pgxdb.Open(ctx, dsn, poolSize)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	}
	return memdb.NewSource(memdb.NewStore(), poolSize), func() {}, nil
}

func newAuthenticator(opts config.Options, configPath string, log logger.Logger) (session.Authenticator, error) {
	users := opts.String(config.KeyUsers, "")
	if users == "" {
		log.Warn("no users section configured, every login is accepted")
		return auth.AllowAll, nil
	}
	if configPath == "" {
		return nil, fmt.Errorf("option %s needs -config", config.KeyUsers)
	}
	return auth.LoadPasswordTable(configPath, users)
}

// newCatalog defines record classes from "class:table[:superclass]" entries
// and registers object delegates for the root classes; subclasses are served
// by their root's delegate.
func newCatalog(defs []string) (*classes.Catalog, *session.Registry, error) {
	catalog := classes.NewCatalog()
	registry := session.NewRegistry()

	for _, def := range defs {
		parts := strings.Split(def, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, nil, fmt.Errorf("malformed class definition %q, want class:table[:superclass]", def)
		}
		name, table, super := parts[0], parts[1], ""
		if len(parts) == 3 {
			super = parts[2]
		}

		class, err := catalog.Define(name, super, func() any { return model.NewRecord(name, table) })
		if err != nil {
			return nil, nil, err
		}
		if class.Super == nil {
			delegate.RegisterObjects(registry, class)
		}
	}
	return catalog, registry, nil
}
