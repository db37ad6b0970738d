package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"mixreplace/work/cache"
	"mixreplace/work/config"
	"mixreplace/work/database"
	"mixreplace/work/filter"
	"mixreplace/work/logger"
	"mixreplace/work/mediaserver"
	"mixreplace/work/middleware"
	"mixreplace/work/source"
	"mixreplace/work/types"
	"mixreplace/work/utils"
	"mixreplace/work/watcher"
)

var (
	Version = "v0.1.0" // default version
)

// daemon ties the media server to its producers and the admin surface. The
// server is rebuilt on every reload, so everything reaches it through current().
type daemon struct {
	mu        sync.Mutex
	cfgPath   string
	cfg       *config.Config
	server    *mediaserver.Server
	sources   *source.Manager
	cancelSrc context.CancelFunc

	frames   *cache.FrameCache
	db       *database.DB
	history  *database.SessionStore
	watchdog *watcher.Watcher
	log      *logger.Logger
}

func newDaemon(cfgPath string, cfg *config.Config) *daemon {
	d := &daemon{
		cfgPath: cfgPath,
		cfg:     cfg,
		frames:  cache.NewFrameCache(cfg.SnapshotTTL),
		log:     logger.Default(),
	}
	d.sources = source.NewManager(d)

	if cfg.Watchdog.Enabled {
		d.watchdog = watcher.New(func() watcher.Server {
			if srv := d.current(); srv != nil {
				return srv
			}
			return nil
		}, d.frames, cfg.Watchdog.Interval, cfg.Watchdog.MaxFailures)
	}
	return d
}

// setWanted tells the watchdog whether the media server should be running.
func (d *daemon) setWanted(wanted bool) {
	if d.watchdog != nil {
		d.watchdog.SetWanted(wanted)
	}
}

// current returns the active media server.
func (d *daemon) current() *mediaserver.Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.server
}

func (d *daemon) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// OfferMedia forwards frames from sources and the ingest API to the active server.
func (d *daemon) OfferMedia(ch types.Channel, media []byte) {
	if srv := d.current(); srv != nil {
		srv.OfferMedia(ch, media)
	}
}

// buildServer creates a media server configured from cfg.
func (d *daemon) buildServer(cfg *config.Config) (*mediaserver.Server, error) {
	srv := mediaserver.New()
	srv.SetLogger(d.log)
	srv.SetObfuscateURLs(cfg.ObfuscateUrls)

	if cfg.Port != 0 {
		if err := srv.SetPort(cfg.Port); err != nil {
			return nil, err
		}
	}
	if err := srv.SetBoundary(cfg.Boundary); err != nil {
		return nil, err
	}
	srv.SetContentType(cfg.ContentType)
	srv.SetServerName(cfg.ServerName)
	if err := srv.SetFPS(cfg.FPS); err != nil {
		return nil, err
	}
	if err := srv.SetMaxClients(cfg.MaxClients, cfg.RejectSlots); err != nil {
		return nil, err
	}
	srv.SetTimeouts(cfg.HandshakeTimeout, cfg.WriteTimeout)
	srv.SetFrameObserver(d.frames.Store)

	access, err := filter.FromConfig(cfg.Access)
	if err != nil {
		return nil, err
	}
	if access != nil {
		srv.SetCallback(access)
	}
	if d.history != nil {
		srv.SetHistory(d.history)
	}
	return srv, nil
}

// openHistory opens the session history store when it is enabled.
func (d *daemon) openHistory() error {
	cfg := d.config()
	if !cfg.History.Enabled {
		return nil
	}

	db, err := database.Open(cfg.History.Path, d.log)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	d.db = db
	d.history = database.NewSessionStore(db)
	return nil
}

// pruneHistory deletes records older than the retention period every hour.
func (d *daemon) pruneHistory(ctx context.Context) {
	if d.history == nil {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		retention := d.config().History.Retention
		if retention > 0 {
			n, err := d.history.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				d.log.Warn("{main - pruneHistory} failed to prune session history: %v", err)
			} else if n > 0 {
				d.log.Info("{main - pruneHistory} pruned %d session records", n)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// start brings up the media server and every configured source.
func (d *daemon) start(ctx context.Context) error {
	cfg := d.config()

	srv, err := d.buildServer(cfg)
	if err != nil {
		return err
	}
	if !srv.Start() {
		return fmt.Errorf("media server failed to start")
	}

	srcCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.server = srv
	d.cancelSrc = cancel
	d.mu.Unlock()
	d.setWanted(true)

	for _, sc := range cfg.Sources {
		src, err := source.FromConfig(sc)
		if err != nil {
			d.log.Error("{main - start} skipping source %s: %v", sc.Name, err)
			continue
		}
		if err := d.sources.Start(srcCtx, src); err != nil {
			d.log.Error("{main - start} %v", err)
		}
	}

	for _, ch := range types.Channels {
		d.log.Info("{main - start} %s stream: %s", ch, utils.LogURL(cfg.ObfuscateUrls, srv.URL(ch)))
	}
	return nil
}

// stop halts every source and the media server.
func (d *daemon) stop() {
	d.mu.Lock()
	cancel, srv := d.cancelSrc, d.server
	d.cancelSrc = nil
	d.mu.Unlock()

	d.setWanted(false)
	if cancel != nil {
		cancel()
	}
	d.sources.StopAll()
	if srv != nil {
		srv.Stop()
	}
	d.frames.Clear()
}

// reload re-reads the configuration file and restarts the server and sources.
// History settings only take effect on a process restart.
func (d *daemon) reload(ctx context.Context) error {
	config.ClearConfigCache()
	cfg := config.LoadConfig(d.cfgPath)
	logger.SetLogLevel(cfg.LogLevel)

	d.stop()

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	return d.start(ctx)
}

func (d *daemon) close() {
	if d.watchdog != nil {
		d.watchdog.Stop()
	}
	d.stop()
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.log.Warn("{main - close} failed to close history store: %v", err)
		}
	}
}

// our main app worker
func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the JSON or YAML configuration file")
	example := flag.String("example-config", "", "write an example configuration to this path and exit")
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of a password for admin.passwordHash and exit")
	flag.Parse()

	if *example != "" {
		if err := config.CreateExampleConfig(*example); err != nil {
			log.Fatalf("Failed to write example config: %v", err)
		}
		fmt.Printf("Example configuration written to %s\n", *example)
		return
	}
	if *hashPassword != "" {
		hash, err := middleware.HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	// load our config
	cfg := config.LoadConfig(*configPath)
	logger.SetLogLevel(cfg.LogLevel)
	logger.SetHook(captureLogEntry)

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	d := newDaemon(*configPath, cfg)
	if err := d.openHistory(); err != nil {
		log.Fatalf("%v", err)
	}
	defer d.close()

	go d.pruneHistory(ctx)

	if err := d.start(ctx); err != nil {
		log.Fatalf("Failed to start media server: %v", err)
	}
	if d.watchdog != nil {
		d.watchdog.Start()
	}

	// show info
	logger.Info("{main - main} Starting mixreplace %s", Version)
	logger.Info("{main - main} Server configuration:")
	logger.Info("{main - main}   - Port: %d", d.current().Port())
	logger.Info("{main - main}   - Content Type: %s", cfg.ContentType)
	logger.Info("{main - main}   - FPS: %d", cfg.FPS)
	logger.Info("{main - main}   - Max Clients: %d (+%d reject slots)", cfg.MaxClients, cfg.RejectSlots)
	logger.Info("{main - main}   - Sources: %d", len(cfg.Sources))
	logger.Info("{main - main}   - Snapshot TTL: %s", cfg.SnapshotTTL)
	logger.Info("{main - main}   - History: %v", cfg.History.Enabled)
	logger.Info("{main - main}   - URL Obfuscation: %v", cfg.ObfuscateUrls)
	logger.Info("{main - main}   - Access Filter: %v", cfg.Access.Allow != "" || cfg.Access.Deny != "")
	logger.Info("{main - main}   - Watchdog: %v", cfg.Watchdog.Enabled)

	var adminSrv *http.Server
	if cfg.Admin.Listen != "" {
		router := mux.NewRouter()
		if err := setupAdminRoutes(router, d); err != nil {
			log.Fatalf("Failed to set up admin routes: %v", err)
		}
		adminSrv = &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("{main - main} admin API listening on %s", cfg.Admin.Listen)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("Admin server failed: %v", err)
			}
		}()
	}

	// gracefully restart if it's requested to do.
	for {
		select {
		case <-ctx.Done():
			logger.Info("{main - main} shutting down")
			if adminSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				adminSrv.Shutdown(shutdownCtx)
				cancel()
			}
			return
		case <-restartChan:
			logger.Info("{main - main} reload requested")
			if err := d.reload(ctx); err != nil {
				logger.Error("{main - main} reload failed: %v", err)
				continue
			}
			logger.Info("{main - main} reload completed - %d sources", len(d.config().Sources))
		}
	}
}
