// Package background is the coordinator that runs detached from any page.
// It keeps the stored model credential's validation status current and
// relays panel-open requests.
package background

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"leetbuddy/internal/kv"
	"leetbuddy/internal/messaging"
)

// Store keys owned by the coordinator.
const (
	KeyAPIKey       = "apiKey"
	KeyAPIKeyStatus = "apiKeyStatus"
)

// DefaultValidationEndpoint is the model API base used to validate keys.
const DefaultValidationEndpoint = "https://generativelanguage.googleapis.com"

// KeyValidator checks whether a credential is accepted by the model API.
type KeyValidator interface {
	Validate(ctx context.Context, apiKey string) bool
}

// HTTPKeyValidator validates a key by listing models with it.
type HTTPKeyValidator struct {
	Endpoint string
	Client   *http.Client
	Logger   *slog.Logger
}

// Validate reports whether GET <endpoint>/v1beta/models succeeds with key.
// Any transport error counts as invalid.
func (v *HTTPKeyValidator) Validate(ctx context.Context, apiKey string) bool {
	if apiKey == "" {
		return false
	}
	endpoint := v.Endpoint
	if endpoint == "" {
		endpoint = DefaultValidationEndpoint
	}
	client := v.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	u := strings.TrimRight(endpoint, "/") + "/v1beta/models?key=" + url.QueryEscape(apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		v.logger().Error("build validation request", "error", err)
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		v.logger().Warn("validate api key", "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (v *HTTPKeyValidator) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

// PanelOpener shows the side panel for a tab.
type PanelOpener interface {
	OpenPanel(ctx context.Context, tab string) error
}

// PanelOpenerFunc adapts a function to PanelOpener.
type PanelOpenerFunc func(ctx context.Context, tab string) error

func (f PanelOpenerFunc) OpenPanel(ctx context.Context, tab string) error {
	return f(ctx, tab)
}

// Subscriber is the part of the message channel the coordinator listens on.
type Subscriber interface {
	Subscribe(fn messaging.Handler, types ...messaging.Type) func()
}

// Coordinator reacts to lifecycle and storage events. It holds no state of
// its own beyond bookkeeping for in-progress validations.
type Coordinator struct {
	store     kv.Store
	validator KeyValidator
	opener    PanelOpener
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	gen      uint64
	unsubs   []func()
	started  bool
	stopped  bool
	checking sync.Mutex
}

// New returns a coordinator. A nil opener drops panel requests.
func New(store kv.Store, validator KeyValidator, opener PanelOpener, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:     store,
		validator: validator,
		opener:    opener,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to key changes and panel requests. installed selects the
// install event instead of the startup event; both validate the key.
func (c *Coordinator) Start(ctx context.Context, sub Subscriber, installed bool) {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.unsubs = append(c.unsubs, c.store.OnChanged(c.onStoreChanged))
	if sub != nil {
		c.unsubs = append(c.unsubs, sub.Subscribe(c.onMessage, messaging.TypeOpenSidePanel))
	}
	c.mu.Unlock()

	if installed {
		c.OnInstalled(ctx)
	} else {
		c.OnStartup(ctx)
	}
}

// OnStartup handles the browser-start event.
func (c *Coordinator) OnStartup(ctx context.Context) {
	c.logger.Debug("startup, validating api key")
	c.CheckAPIKey(ctx)
}

// OnInstalled handles the install or update event.
func (c *Coordinator) OnInstalled(ctx context.Context) {
	c.logger.Debug("installed, validating api key")
	c.CheckAPIKey(ctx)
}

// CheckAPIKey validates the stored key and records the result. A missing key
// records false. A check that was overtaken by a newer one does not write.
func (c *Coordinator) CheckAPIKey(ctx context.Context) {
	c.check(ctx, c.nextGen())
}

func (c *Coordinator) nextGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.gen
}

func (c *Coordinator) check(ctx context.Context, gen uint64) {
	var key string
	ok, err := kv.GetJSON(ctx, c.store, KeyAPIKey, &key)
	if err != nil {
		c.logger.Warn("read api key", "error", err)
	}

	valid := false
	if ok && key != "" {
		valid = c.validator.Validate(ctx, key)
	} else {
		c.logger.Info("no api key found")
	}

	// Serialize the check-then-write so an older result cannot land last.
	c.checking.Lock()
	defer c.checking.Unlock()
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		c.logger.Debug("api key changed during validation, dropping result")
		return
	}
	if err := kv.SetJSON(ctx, c.store, KeyAPIKeyStatus, valid); err != nil {
		c.logger.Warn("store api key status", "error", err)
		return
	}
	c.logger.Info("api key validation status", "valid", valid)
}

func (c *Coordinator) onStoreChanged(changes []kv.Change) {
	for _, ch := range changes {
		if ch.Key != KeyAPIKey {
			continue
		}
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.wg.Add(1)
		c.gen++
		gen := c.gen
		c.mu.Unlock()

		c.logger.Info("api key changed, re-validating")
		go func() {
			defer c.wg.Done()
			c.check(c.ctx, gen)
		}()
		return
	}
}

func (c *Coordinator) onMessage(msg messaging.Message) {
	if msg.Type != messaging.TypeOpenSidePanel {
		return
	}
	if c.opener == nil {
		c.logger.Debug("no panel opener, ignoring request", "tab", msg.Tab)
		return
	}
	if err := c.opener.OpenPanel(c.ctx, msg.Tab); err != nil {
		c.logger.Warn("open side panel", "tab", msg.Tab, "error", err)
	}
}

// Close unsubscribes and waits for in-progress validations.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	c.cancel()
	c.wg.Wait()
}
