// Package server initializes and runs the application server: storage and
// ledger backends, the encryption key, the ceremony and binding services,
// and the HTTP endpoint with graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/cryptox"
	"github.com/permamap/permamap/internal/ledger"
	"github.com/permamap/permamap/internal/logging"
	"github.com/permamap/permamap/internal/server/binding"
	"github.com/permamap/permamap/internal/server/ceremony"
	"github.com/permamap/permamap/internal/server/config"
	"github.com/permamap/permamap/internal/server/httpapi"
	"github.com/permamap/permamap/internal/server/repositories/repomanager"
)

type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	httpServer *httpapi.Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	key, err := resolveEncryptionKey(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	m, db, err := initStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	gateway, err := initLedger(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger init error: %w", err)
	}

	ceremonies, err := ceremony.NewService(db, m, cfg, logger)
	if err != nil {
		return nil, err
	}

	codec, err := cryptox.NewCodec(key)
	if err != nil {
		return nil, err
	}
	bindings := binding.NewService(codec, gateway, logger)

	httpServer := httpapi.NewServer(cfg.EndpointAddrHTTP, logger, ceremonies, bindings,
		cfg.SecretKey, cfg.AccessTokenValidityDuration)

	return &App{config: cfg, logger: logger, db: db, httpServer: httpServer}, nil
}

// resolveEncryptionKey loads the operator-supplied key. An absent key is
// fatal outside dev mode; in dev mode an ephemeral key is generated, which
// makes every previously written binding unrecoverable after restart.
func resolveEncryptionKey(ctx context.Context, cfg *config.Config, logger logging.Logger) ([]byte, error) {
	if cfg.EncryptionKey != "" {
		return cryptox.KeyFromHex(cfg.EncryptionKey)
	}
	if !cfg.DevMode {
		return nil, fmt.Errorf("no encryption key configured; set ENCRYPTION_KEY or enable dev mode")
	}

	key := common.GenerateRandByteArray(cryptox.KeySize)
	logger.Warn(ctx, "no encryption key configured, using an ephemeral dev-mode key; "+
		"previously stored bindings are unrecoverable and new ones will not survive a restart")
	return key, nil
}

func initStorage(ctx context.Context, cfg *config.Config) (repomanager.RepositoryManager, *sql.DB, error) {
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		m := repomanager.NewPostgresRepositoryManager()
		if err := m.RunMigrations(ctx, db); err != nil {
			return nil, nil, err
		}
		return m, db, nil
	case config.BackendMemory:
		return repomanager.NewMemoryRepositoryManager(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}

func initLedger(ctx context.Context, cfg *config.Config) (ledger.Gateway, error) {
	switch cfg.LedgerBackend {
	case config.BackendS3:
		return ledger.NewS3Gateway(ctx, ledger.S3Settings{
			RootUser:     cfg.S3RootUser,
			RootPassword: cfg.S3RootPassword,
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			BaseEndpoint: cfg.S3BaseEndpoint,
		})
	case config.BackendMemory:
		return ledger.NewMemoryGateway(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend: %s", cfg.LedgerBackend)
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.httpServer.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...",
		"storage", app.config.StorageBackend, "ledger", app.config.LedgerBackend)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error(ctx, "error closing database", "error", err)
		}
	}
}
