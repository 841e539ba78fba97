package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"leetbuddy/internal/background"
	"leetbuddy/internal/chat"
	"leetbuddy/internal/config"
	"leetbuddy/internal/ipc"
	"leetbuddy/internal/kv"
	"leetbuddy/internal/ledger"
	"leetbuddy/internal/logging"
	"leetbuddy/internal/messaging"
	"leetbuddy/internal/metrics"
	"leetbuddy/internal/observer"
	"leetbuddy/internal/panel"
)

// Daemon owns every long-lived component of leetbuddyd.
type Daemon struct {
	mu     sync.RWMutex
	cfg    *config.Config
	logger *logging.Logger

	store       kv.Store
	installed   bool
	metrics     *metrics.Metrics
	bus         *messaging.Bus
	ledger      *ledger.Ledger
	coordinator *background.Coordinator
	chat        *chat.Manager
	panel       *panel.Aggregator
	tabs        *observer.Tabs
	server      *ipc.Server
	metricsSrv  *http.Server

	cleanups []func()
}

// NewDaemon builds the components described by cfg without starting them.
func NewDaemon(cfg *config.Config, logger *logging.Logger) (*Daemon, error) {
	d := &Daemon{cfg: cfg, logger: logger}

	store, installed, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	d.store = store
	d.installed = installed

	d.metrics = metrics.New(cfg.Metrics.Namespace)
	d.bus = messaging.NewBus(
		messaging.WithBusLogger(logger.WithComponent("messaging").Logger),
		messaging.WithBusMetrics(d.metrics),
		messaging.WithMailboxSize(cfg.IPC.MailboxSize),
	)
	d.ledger = ledger.New(store,
		ledger.WithLogger(logger.WithComponent("ledger").Logger),
		ledger.WithMetrics(d.metrics),
		ledger.WithMaxRecords(cfg.Ledger.MaxRecords),
	)

	d.coordinator = background.New(store,
		&background.HTTPKeyValidator{
			Endpoint: cfg.Chat.Endpoint,
			Logger:   logger.WithComponent("background").Logger,
		},
		background.PanelOpenerFunc(d.openPanel),
		logger.WithComponent("background").Logger,
	)

	d.chat = chat.NewManager(&chat.Gemini{
		Endpoint: cfg.Chat.Endpoint,
		Model:    cfg.Chat.Model,
		Key:      d.apiKey,
		Client:   &http.Client{Timeout: time.Duration(cfg.Chat.TimeoutSec) * time.Second},
	}, logger.WithComponent("chat").Logger)

	d.panel = panel.New(store, d.ledger,
		panel.WithLogger(logger.WithComponent("panel").Logger),
		panel.WithMetrics(d.metrics),
		panel.WithDependents(d.chat),
	)

	fetcher := observer.NewGraphQLFetcher(cfg.Observer.GraphQLEndpoint,
		observer.WithHTTPClient(fetchClient(cfg)),
		observer.WithOrigin(cfg.Observer.SiteOrigin),
		observer.WithFetchLogger(logger.WithComponent("observer").Logger),
		observer.WithFetchMetrics(d.metrics),
		observer.WithBreaker(observer.BreakerConfig{
			ConsecutiveFailures: uint32(cfg.Observer.BreakerFailures),
			OpenTimeout:         cfg.BreakerOpenTimeout(),
		}),
	)
	observerLog := logger.WithComponent("observer").Logger
	d.tabs = observer.NewTabs(func(tab string) *observer.Session {
		return observer.NewSession(tab, fetcher, d.bus, store,
			observer.WithDebounce(d.config().Debounce()),
			observer.WithLogger(observerLog),
		)
	}, d.metrics)

	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:     Version,
		StorageType: cfg.Storage.Type,
		Store:       store,
		Tabs:        d.tabs,
		Ledger:      d.ledger,
		Panel:       d.panel,
		Bus:         d.bus,
		Chat:        d.chat,
		Logger:      logger.WithComponent("ipc").Logger,
	})
	d.server = ipc.NewServer(ipc.ServerConfig{
		SocketPath:     cfg.IPC.SocketPath,
		Version:        Version,
		Mode:           cfg.SocketMode(),
		ReadTimeout:    cfg.IPCTimeout(),
		MaxConnections: cfg.IPC.MaxConnections,
		SameUserOnly:   true,
	}, handler, logger.WithComponent("ipc").Logger)
	handler.SetServer(d.server)

	return d, nil
}

func openStore(cfg *config.Config) (kv.Store, bool, error) {
	if cfg.Storage.Type == "memory" {
		return kv.NewMemory(), true, nil
	}
	_, err := os.Stat(cfg.Storage.Path)
	installed := errors.Is(err, os.ErrNotExist)
	store, err := kv.OpenSQLite(cfg.Storage.Path, cfg.BusyTimeout())
	if err != nil {
		return nil, false, fmt.Errorf("open store: %w", err)
	}
	return store, installed, nil
}

func fetchClient(cfg *config.Config) *http.Client {
	timeout := cfg.FetchTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Start seeds the store from config, starts the components in dependency
// order and begins serving.
func (d *Daemon) Start(ctx context.Context) error {
	log := d.logger.WithComponent("daemon")

	if d.config().Chat.APIKey != "" {
		if err := kv.SetJSON(ctx, d.store, background.KeyAPIKey, d.config().Chat.APIKey); err != nil {
			return fmt.Errorf("store api key: %w", err)
		}
	}

	d.cleanups = append(d.cleanups,
		d.bus.Subscribe(d.forwardRuntime),
		d.panel.OnChange(d.forwardPanel),
		d.store.OnChanged(d.forwardLedger),
		d.bus.HandleRequest(messaging.TypeGetCurrentProblem, observer.CurrentProblemResponder(d.store)),
	)

	if err := d.panel.Start(ctx, d.bus); err != nil {
		return fmt.Errorf("start panel: %w", err)
	}
	d.coordinator.Start(ctx, d.bus, d.installed)

	if d.config().IPC.Enabled {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("start ipc: %w", err)
		}
	}

	if d.config().Metrics.Enabled {
		if err := d.startMetrics(); err != nil {
			return err
		}
	}

	log.Info("daemon started",
		"version", Version,
		"storage", d.config().Storage.Type,
		"socket", d.config().IPC.SocketPath,
		"installed", d.installed)
	return nil
}

func (d *Daemon) startMetrics() error {
	ln, err := net.Listen("tcp", d.config().Metrics.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	d.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log := d.logger.WithComponent("metrics")
	go func() {
		if err := d.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts everything down in reverse order.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error
	if d.metricsSrv != nil {
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if err := d.server.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("ipc: %w", err))
	}
	d.tabs.CloseAll()
	d.coordinator.Close()
	d.panel.Close()
	for _, c := range d.cleanups {
		c()
	}
	d.cleanups = nil
	d.bus.Close()
	if err := d.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

// Reconfigure applies the settings that can change without a restart: the
// api key, and the debounce of tabs attached from now on. Everything else is
// reported as needing a restart.
func (d *Daemon) Reconfigure(ctx context.Context, old, cfg *config.Config) {
	log := d.logger.WithComponent("daemon")
	if cfg.Chat.APIKey != "" && cfg.Chat.APIKey != old.Chat.APIKey {
		if err := kv.SetJSON(ctx, d.store, background.KeyAPIKey, cfg.Chat.APIKey); err != nil {
			log.Warn("store api key", "error", err)
		}
	}
	if cfg.Observer.DebounceMs != old.Observer.DebounceMs {
		log.Info("debounce changed, applies to newly attached tabs", "debounce_ms", cfg.Observer.DebounceMs)
	}
	if sections := restartSections(old, cfg); len(sections) > 0 {
		log.Warn("settings take effect after restart", "sections", sections)
	}

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Daemon) config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// restartSections names the config sections whose changes from old to cfg
// are only read at startup.
func restartSections(old, cfg *config.Config) []string {
	var out []string
	oldObs, newObs := old.Observer, cfg.Observer
	oldObs.DebounceMs, newObs.DebounceMs = 0, 0
	if oldObs != newObs {
		out = append(out, "observer")
	}
	if old.Storage != cfg.Storage {
		out = append(out, "storage")
	}
	if old.Ledger != cfg.Ledger {
		out = append(out, "ledger")
	}
	if old.IPC != cfg.IPC {
		out = append(out, "ipc")
	}
	oldChat, newChat := old.Chat, cfg.Chat
	oldChat.APIKey, newChat.APIKey = "", ""
	if oldChat != newChat {
		out = append(out, "chat")
	}
	if old.Logging != cfg.Logging {
		out = append(out, "logging")
	}
	if old.Metrics != cfg.Metrics {
		out = append(out, "metrics")
	}
	return out
}

func (d *Daemon) apiKey(ctx context.Context) (string, error) {
	var key string
	if _, err := kv.GetJSON(ctx, d.store, background.KeyAPIKey, &key); err != nil {
		return "", fmt.Errorf("read api key: %w", err)
	}
	return key, nil
}

// openPanel asks connected panels to show themselves for tab.
func (d *Daemon) openPanel(_ context.Context, tab string) error {
	ev, err := ipc.NewEvent(ipc.EventOpenPanel, tab, nil)
	if err != nil {
		return err
	}
	if !d.server.Broadcast(ev) {
		return errors.New("no panel to open")
	}
	return nil
}

func (d *Daemon) forwardRuntime(msg messaging.Message) {
	d.broadcast(ipc.EventRuntime, msg.Tab, msg)
}

// forwardPanel runs under the aggregator's lock; Broadcast only queues.
func (d *Daemon) forwardPanel(snap panel.Snapshot) {
	d.broadcast(ipc.EventPanel, "", snap)
}

func (d *Daemon) forwardLedger(changes []kv.Change) {
	for _, c := range changes {
		slug, ok := ledger.SlugFromKey(c.Key)
		if !ok {
			continue
		}
		d.broadcast(ipc.EventLedger, "", ipc.LedgerEvent{Slug: slug, Removed: c.Removed()})
	}
}

func (d *Daemon) broadcast(t ipc.EventType, tab string, data any) {
	ev, err := ipc.NewEvent(t, tab, data)
	if err != nil {
		d.logger.WithComponent("daemon").Warn("build event", "type", t, "error", err)
		return
	}
	d.server.Broadcast(ev)
}
