package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/blob"
	"github.com/example/helpdesk/backend/internal/config"
	"github.com/example/helpdesk/backend/internal/db"
	"github.com/example/helpdesk/backend/internal/docstore"
	"github.com/example/helpdesk/backend/internal/feed"
	httpserver "github.com/example/helpdesk/backend/internal/http"
	"github.com/example/helpdesk/backend/internal/identity"
	"github.com/example/helpdesk/backend/internal/logging"
	"github.com/example/helpdesk/backend/internal/mq"
	"github.com/example/helpdesk/backend/internal/repository"
	"github.com/example/helpdesk/backend/internal/roles"
	"github.com/example/helpdesk/backend/internal/service"
	"github.com/example/helpdesk/backend/internal/worker"
)

// tokenIssuer is the issuer claim of session tokens minted by the credential service.
const tokenIssuer = "helpdesk"

// documentStore is what the rest of the process needs from the configured backend.
type documentStore interface {
	backend.Facade
	backend.Pinger
}

func main() {
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	store, closers := openStore(cfg)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	blobs := openBlobs(cfg)

	feeds := feed.NewManager(store, cfg.FeedFailureThreshold)
	defer feeds.Close()
	monitor := worker.NewConnectivityMonitor(store, cfg.NetworkCheckInterval)
	ticketService := service.NewTicketService(repository.NewTicketRepository(store), repository.NewUserRepository(store), blobs)
	apiServer := httpserver.NewServer(httpserver.Deps{
		Tickets:  ticketService,
		Feeds:    feeds,
		Resolver: roles.NewResolver(store),
		Verifier: identity.NewTokenVerifier(cfg.JWTSecret, tokenIssuer),
		Monitor:  monitor,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           apiServer.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error {
		logging.Info().Str("addr", cfg.HTTPPort).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info().Msg("shutdown initiated")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Error().Err(err).Msg("server stopped with error")
	}
	logging.Info().Msg("bye")
}

// openStore connects the configured document store. The postgres store needs a change bus
// for live subscriptions; without one it still serves reads and writes and every feed
// degrades to manual refresh.
func openStore(cfg config.Config) (documentStore, []io.Closer) {
	if cfg.StoreDriver == "memory" {
		logging.Warn().Msg("using in-memory document store, data is not persisted")
		return backend.NewMemory(), nil
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logging.Error().Err(err).Msg("connect database")
		os.Exit(1)
	}
	if err := db.Migrate(database); err != nil {
		logging.Error().Err(err).Msg("migrate database")
		os.Exit(1)
	}

	var (
		bus     docstore.ChangeBus
		closers []io.Closer
	)
	switch cfg.ChangeBus {
	case "redis":
		rb, err := mq.NewRedisBus(cfg.RedisURL, "helpdesk")
		if err != nil {
			logging.Warn().Err(err).Msg("redis unavailable, live updates disabled")
			break
		}
		bus, closers = rb, append(closers, rb)
	default:
		rb, err := mq.NewRabbitBus(cfg.MQURL, cfg.MQChangeExchange)
		if err != nil {
			logging.Warn().Err(err).Msg("rabbitmq unavailable, live updates disabled")
			break
		}
		bus, closers = rb, append(closers, rb)
	}
	return docstore.New(database, bus), closers
}

func openBlobs(cfg config.Config) backend.BlobStore {
	if cfg.BlobDriver == "memory" {
		return blob.NewMemory()
	}
	return blob.NewHTTPStore(cfg.BlobEndpoint, cfg.BlobPublicURL, cfg.BlobToken)
}

func init() {
	if mode := os.Getenv("GIN_MODE"); mode == "" {
		gin.SetMode(gin.ReleaseMode)
	}
}
