package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wiremesh/internal/auth"
	"github.com/vovakirdan/wiremesh/internal/callengine/pion"
	"github.com/vovakirdan/wiremesh/internal/config"
	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/service/groups"
	"github.com/vovakirdan/wiremesh/internal/signaling"
	"github.com/vovakirdan/wiremesh/internal/store"
	"github.com/vovakirdan/wiremesh/internal/store/memory"
	"github.com/vovakirdan/wiremesh/internal/store/redis"
	"github.com/vovakirdan/wiremesh/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wiremesh/internal/transport/http"
)

// App wires together core, signaling and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	pruneInterval   time.Duration
	queue           *core.Queue
	relay           *signaling.Relay
	closer          io.Closer
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	blobs, closer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("driver", cfg.Storage.Driver).Msg("snapshot store initialized")

	engine, err := pion.New(pion.Config{STUNServers: cfg.Signaling.STUNServers}, logger)
	if err != nil {
		closeQuietly(closer, logger)
		return nil, fmt.Errorf("init call engine: %w", err)
	}

	var authService *auth.Service
	var oracle core.Oracle = core.AllowAll
	if cfg.JWT.Secret != "" {
		authService = auth.NewService(&auth.JWTConfig{
			Secret:   []byte(cfg.JWT.Secret),
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
			TTL:      cfg.JWT.TTL,
		})
		oracle = authService.Grants()
	} else {
		logger.Warn().Msg("jwt secret not set: clients name themselves and capability checks always pass")
	}

	presence := core.NewPresence(logger)
	queue := core.NewQueue(core.QueueConfig{
		MaxPerRecipient: cfg.Queue.MaxPerRecipient,
		TTL:             cfg.Queue.TTL,
	}, logger)
	router := core.NewRouter(core.RouterConfig{
		WriteTimeout:  cfg.Delivery.WriteTimeout,
		OracleTimeout: cfg.Oracle.Timeout,
		Retries:       cfg.Delivery.Retries,
		RetryBackoff:  cfg.Delivery.RetryBackoff,
		HistoryLimit:  cfg.Delivery.HistoryLimit,
	}, presence, queue, oracle, logger)
	relay := signaling.New(signaling.Config{
		MaxParticipants:    cfg.Signaling.MaxParticipants,
		NegotiationTimeout: cfg.Signaling.NegotiationTimeout,
		ConnectTimeout:     cfg.Signaling.ConnectTimeout,
		OracleTimeout:      cfg.Oracle.Timeout,
		WriteTimeout:       cfg.Delivery.WriteTimeout,
	}, presence, oracle, blobs, engine, logger)
	groupService := groups.New(router, oracle, cfg.Oracle.Timeout, cfg.Delivery.HistoryLimit, logger)

	server := transporthttp.NewServer(transporthttp.Deps{
		Router: router,
		Relay:  relay,
		Groups: groupService,
		Auth:   authService,
	}, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		pruneInterval:   cfg.Queue.PruneInterval,
		queue:           queue,
		relay:           relay,
		closer:          closer,
		log:             logger,
	}, nil
}

// openStore picks the snapshot backend. The closer is nil for memory.
func openStore(ctx context.Context, cfg *config.Config) (store.BlobStore, io.Closer, error) {
	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		st, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case config.StorageRedis:
		st, err := redis.New(ctx, cfg.Storage.RedisURL, cfg.Storage.RedisTTL)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	default:
		return memory.New(), nil, nil
	}
}

// Run starts the HTTP server and the queue pruner and blocks until context
// cancellation or a fatal error.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if a.pruneInterval > 0 {
		g.Go(func() error {
			a.prune(gctx)
			return nil
		})
	}

	return g.Wait()
}

// prune drops expired queue entries until ctx ends.
func (a *App) prune(ctx context.Context) {
	ticker := time.NewTicker(a.pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.queue.Prune(); n > 0 {
				a.log.Debug().Int("dropped", n).Msg("pruned offline queue")
			}
		}
	}
}

// cleanup tears down rooms and closes the snapshot store.
func (a *App) cleanup() {
	a.relay.Close()
	closeQuietly(a.closer, a.log)
}

func closeQuietly(c io.Closer, logger *zerolog.Logger) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close store")
		return
	}
	logger.Info().Msg("store closed")
}
