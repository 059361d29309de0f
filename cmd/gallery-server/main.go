// Command gallery-server is the composition root for the core: it wires
// storage routing, the migration engine, the AI task queue and dispatcher,
// the notification bus, and the HTTP/WebSocket API into one running process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelforge/gallery-core/db/migrations"
	"github.com/pixelforge/gallery-core/internal/aiqueue"
	"github.com/pixelforge/gallery-core/internal/api"
	"github.com/pixelforge/gallery-core/internal/catalog"
	"github.com/pixelforge/gallery-core/internal/config"
	"github.com/pixelforge/gallery-core/internal/dbx"
	"github.com/pixelforge/gallery-core/internal/dispatcher"
	"github.com/pixelforge/gallery-core/internal/distlock"
	"github.com/pixelforge/gallery-core/internal/logging"
	"github.com/pixelforge/gallery-core/internal/migration"
	"github.com/pixelforge/gallery-core/internal/modelclient"
	"github.com/pixelforge/gallery-core/internal/modelclient/anthropic"
	"github.com/pixelforge/gallery-core/internal/modelclient/generic"
	"github.com/pixelforge/gallery-core/internal/notify"
	"github.com/pixelforge/gallery-core/internal/notify/wsfanout"
	"github.com/pixelforge/gallery-core/internal/processor"
	"github.com/pixelforge/gallery-core/internal/storage"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewDefaultCLILogger().Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log := logging.New(os.Stdout, false).With().Str("service", "gallery-server").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("gallery-server exited")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	db, err := dbx.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := dbx.Migrate(db, migrations.FS, "."); err != nil {
		return err
	}

	settings := config.NewStore(db)
	catalogStore := catalog.NewSQLStore(db)
	bus := notify.NewBus(notify.DefaultBuffer)
	defer bus.Close()

	locker := buildLocker(ctx, settings, log)

	mgr := storage.NewManager()
	storage.RegisterDefaultBuilders(mgr, locker)
	if storageCfg, ok := loadStorageConfig(ctx, settings, log); ok {
		if err := mgr.ApplyConfig(ctx, storageCfg); err != nil {
			return err
		}
	}

	migrationStore := migration.NewSQLStore(db)
	engine := migration.New(migrationStore, catalogStore, mgr, bus, log)

	queueStore := aiqueue.NewStore(db)

	processors := []processor.Processor{
		&processor.ImageEmbedding{Catalog: catalogStore, Storage: mgr},
		&processor.TagEmbedding{Catalog: catalogStore},
		&processor.AestheticScore{Catalog: catalogStore, Storage: mgr},
		&processor.AlbumNaming{Catalog: catalogStore, Storage: mgr},
		&processor.SmartAlbum{Catalog: catalogStore, Bus: bus},
	}

	clients := loadModelClients(ctx, settings, log)
	pool := dispatcher.NewClientPoolWithLocker(clients, locker)
	registry := dispatcher.RegistryFromProcessors(processors...)
	disp := dispatcher.New(queueStore, pool, registry, bus, log, cfg.DispatcherPollInterval)

	bindings := buildModelBindings(processors, clients)
	if err := ensureQueues(ctx, queueStore, bindings); err != nil {
		return err
	}
	discoverer := aiqueue.NewDiscoverer(queueStore, bindings, log, cfg.DispatcherPollInterval*6, 50)

	if err := disp.Start(ctx); err != nil {
		return err
	}
	defer disp.Stop()
	go discoverer.Run(ctx)

	server := &api.Server{
		Migration:      engine,
		MigrationStore: migrationStore,
		Queue:          queueStore,
		Storage:        mgr,
		Log:            log,
	}

	mux := http.NewServeMux()
	mux.Handle("/", server.Routes())
	mux.Handle("/ws", wsfanout.NewHandler(bus))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildLocker wires a Redis-backed distlock.Lock when GALLERY_REDIS_ADDR (or
// the persisted "redis_addr" storage setting) names a server; both the
// cloud-drive backends' token refresh and the dispatcher's round-robin
// cursor share it, so a multi-replica deployment doesn't duplicate either.
func buildLocker(ctx context.Context, settings *config.Store, log zerolog.Logger) *distlock.Lock {
	addr := os.Getenv("GALLERY_REDIS_ADDR")
	if addr == "" {
		var stored string
		if err := settings.GetInto(ctx, config.CategoryStorage, "redis_addr", &stored); err == nil {
			addr = stored
		}
	}
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unreachable, running without distributed lock")
		return nil
	}
	return distlock.New(rdb, 30*time.Second)
}

// loadStorageConfig reads the persisted backend registry from the settings
// table (category storage, key "config"). Absence is not an error: the
// server starts with no backends until an operator applies one through the
// settings API.
func loadStorageConfig(ctx context.Context, settings *config.Store, log zerolog.Logger) (storage.Config, bool) {
	var cfg storage.Config
	err := settings.GetInto(ctx, config.CategoryStorage, "config", &cfg)
	if err != nil {
		if !config.IsNotFound(err) {
			log.Warn().Err(err).Msg("failed to load storage config, starting with no backends")
		}
		return storage.Config{}, false
	}
	return cfg, true
}

type modelClientConfig struct {
	Name         string                 `json:"name"`
	Type         string                 `json:"type"` // "anthropic" or "generic"
	APIKey       string                 `json:"api_key"`
	Model        string                 `json:"model"`
	BaseURL      string                 `json:"base_url"`
	Capabilities []modelclient.TaskKind `json:"capabilities"`
}

// loadModelClients reads the configured model-client roster (category ai,
// key "model_clients") and builds a concrete adapter per entry. An absent or
// malformed roster yields no clients; the dispatcher then simply has no
// queues to run, rather than failing startup.
func loadModelClients(ctx context.Context, settings *config.Store, log zerolog.Logger) []modelclient.Client {
	var entries []modelClientConfig
	if err := settings.GetInto(ctx, config.CategoryAI, "model_clients", &entries); err != nil {
		if !config.IsNotFound(err) {
			log.Warn().Err(err).Msg("failed to load model clients, starting with none configured")
		}
		return nil
	}

	clients := make([]modelclient.Client, 0, len(entries))
	for _, e := range entries {
		switch e.Type {
		case "anthropic":
			clients = append(clients, anthropic.New(e.Name, e.APIKey, anthropicsdk.Model(e.Model)))
		case "generic":
			clients = append(clients, generic.New(generic.Options{
				Name:         e.Name,
				BaseURL:      e.BaseURL,
				Capabilities: e.Capabilities,
			}))
		default:
			log.Warn().Str("name", e.Name).Str("type", e.Type).Msg("unknown model client type, skipping")
		}
	}
	return clients
}

// buildModelBindings pairs every processor with every configured client that
// supports its task kind, so the discoverer polls exactly the (task_kind,
// model_name) tuples the dispatcher will actually serve.
func buildModelBindings(processors []processor.Processor, clients []modelclient.Client) []aiqueue.ModelBinding {
	var bindings []aiqueue.ModelBinding
	for _, p := range processors {
		for _, c := range clients {
			if c.Supports(p.TaskKind()) {
				bindings = append(bindings, aiqueue.ModelBinding{Finder: p, ModelName: c.Name()})
			}
		}
	}
	return bindings
}

// ensureQueues lazily creates the ai_queues row for every binding up front,
// so Dispatcher.Start's initial EnabledQueues scan finds them even before
// the discoverer's first tick enqueues any items.
func ensureQueues(ctx context.Context, store *aiqueue.Store, bindings []aiqueue.ModelBinding) error {
	for _, b := range bindings {
		if _, err := store.EnsureQueue(ctx, string(b.Finder.TaskKind()), b.ModelName); err != nil {
			return err
		}
	}
	return nil
}

