// Package purchasekit is a client-side in-app-purchase management SDK: it
// observes native purchase transactions, reconciles them against a remote
// entitlement backend, and maintains a persisted, eventually-consistent
// view of what the user is entitled to.
//
// Construct a Client per isolated SDK instance; there is no process-wide
// singleton.
package purchasekit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"purchasekit/internal/config"
	"purchasekit/internal/engine"
	"purchasekit/internal/entitlements"
	"purchasekit/internal/events"
	"purchasekit/internal/identity"
	"purchasekit/internal/models"
	"purchasekit/internal/observer"
	"purchasekit/internal/platform"
	"purchasekit/internal/store"
	"purchasekit/internal/syncclient"
	"purchasekit/internal/tracing"
	"purchasekit/internal/validation"
)

// Re-exported types so importers never reach into internal packages.
type (
	Config            = config.Config
	EntitlementRecord = models.EntitlementRecord
	EntitlementStatus = models.EntitlementStatus
	TransactionError  = models.TransactionError
	SyncError         = models.SyncError
	PurchaseResult    = engine.PurchaseResult
	Product           = platform.Product
	PurchaseQueue     = platform.PurchaseQueue
	Catalog           = platform.Catalog
	Observer          = events.Observer
	NoopObserver      = events.NoopObserver
	Identity          = models.Identity
)

// LoadConfig builds a Config from defaults, an optional JSON file and
// environment overrides.
func LoadConfig(configFile string) (*Config, error) {
	return config.LoadConfig(configFile)
}

var (
	ErrAttemptInFlight = models.ErrAttemptInFlight
	ErrIdentityStale   = models.ErrIdentityStale
	ErrNotStarted      = models.ErrNotStarted
)

const (
	ResultSuccess = engine.ResultSuccess
	ResultPending = engine.ResultPending
)

// Client is the public facade. All methods are safe for concurrent use.
type Client struct {
	cfg     *config.Config
	queue   platform.PurchaseQueue
	catalog platform.Catalog
	log     zerolog.Logger
	events  *events.Manager

	mu            sync.Mutex
	started       bool
	st            *store.Store
	ids           *identity.Manager
	cache         *entitlements.Cache
	adapter       *observer.Adapter
	engine        *engine.Engine
	sync          *syncclient.Client
	traceShutdown func(context.Context) error
}

// New validates cfg and assembles a client around the given platform
// collaborators. Nothing touches disk or network until Start.
func New(cfg *Config, queue PurchaseQueue, catalog Catalog, logger zerolog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validation.ValidateAPIKey(cfg.Backend.APIKey); err != nil {
		return nil, err
	}
	if queue == nil || catalog == nil {
		return nil, fmt.Errorf("purchase queue and catalog are required")
	}

	return &Client{
		cfg:     cfg,
		queue:   queue,
		catalog: catalog,
		log:     logger.With().Str("sdk", "purchasekit").Logger(),
		events:  events.NewManager(true),
	}, nil
}

// Start brings the SDK up: persisted state is loaded, the identity is
// established, the engine's serialized context starts, and transactions
// buffered since the queue began delivering are replayed. Entitlement
// checks work as soon as Start returns, before any backend round-trip.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("client already started")
	}

	traceShutdown, err := tracing.Init(tracing.Config{
		Enabled:     c.cfg.Tracing.Enabled,
		Endpoint:    c.cfg.Tracing.Endpoint,
		ServiceName: "purchasekit",
		Environment: c.cfg.Tracing.Environment,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	st, err := store.Open(c.cfg.Storage.Path)
	if err != nil {
		return err
	}

	ids := identity.NewManager(st, c.log)
	if _, err := ids.Load(c.cfg.Identity.UserID, c.cfg.Identity.DeviceID); err != nil {
		st.Close()
		return err
	}

	cache := entitlements.NewCache(st, c.log)
	if err := cache.Load(); err != nil {
		st.Close()
		return err
	}

	scfg := syncclient.DefaultConfig(c.cfg.Backend.BaseURL, c.cfg.Backend.APIKey)
	scfg.Timeout = c.cfg.RequestTimeout()
	scfg.MaxRetries = c.cfg.Backend.MaxRetries
	scfg.SetBackoff(c.cfg.BackoffInitial(), c.cfg.BackoffMax())
	sc := syncclient.New(scfg, ids, c.log)

	adapter := observer.New(c.queue, c.log)

	// One confirmation, retries included, must fit in the confirm window.
	confirmWindow := c.cfg.RequestTimeout()*time.Duration(c.cfg.Backend.MaxRetries+1) +
		c.cfg.BackoffMax()*time.Duration(c.cfg.Backend.MaxRetries) +
		5*time.Second

	eng := engine.New(sc, cache, adapter, c.queue, c.events, st, engine.Config{
		ConfirmTimeout: confirmWindow,
		JournalLimit:   c.cfg.Storage.JournalLimit,
	}, c.log)

	if err := eng.Start(); err != nil {
		st.Close()
		return err
	}

	// Register as the queue's exclusive observer, then open the gate:
	// anything the queue delivered in between was buffered and is now
	// replayed in arrival order.
	if err := adapter.Attach(); err != nil {
		eng.Stop()
		st.Close()
		return err
	}
	adapter.Start(eng)

	c.st = st
	c.ids = ids
	c.cache = cache
	c.adapter = adapter
	c.engine = eng
	c.sync = sc
	c.traceShutdown = traceShutdown
	c.started = true

	c.log.Info().Msg("purchasekit started")
	return nil
}

// PurchaseOption tweaks one purchase call.
type PurchaseOption func(*purchaseOptions)

type purchaseOptions struct {
	offerID string
}

// WithOffer applies a promotional or introductory pricing variant.
func WithOffer(offerID string) PurchaseOption {
	return func(o *purchaseOptions) { o.offerID = offerID }
}

// Purchase runs a purchase attempt for productID to a terminal state. A
// concurrent attempt for the same product fails fast with
// ErrAttemptInFlight. When ctx expires the call returns, but
// reconciliation continues in the background and observers are still
// notified of the eventual outcome.
func (c *Client) Purchase(ctx context.Context, productID string, opts ...PurchaseOption) (PurchaseResult, error) {
	eng, err := c.runningEngine()
	if err != nil {
		return PurchaseResult{}, err
	}
	if err := validation.ValidateProductID(productID); err != nil {
		return PurchaseResult{}, err
	}

	var o purchaseOptions
	for _, opt := range opts {
		opt(&o)
	}

	return eng.Purchase(ctx, productID, o.offerID)
}

// RestorePurchases re-submits all currently-held native transactions and
// returns the backend's entitlement set. With nothing to restore it is a
// local no-op returning an empty set.
func (c *Client) RestorePurchases(ctx context.Context) ([]EntitlementRecord, error) {
	eng, err := c.runningEngine()
	if err != nil {
		return nil, err
	}
	return eng.Restore(ctx)
}

// HasActiveEntitlement reports whether the subscription group or product
// has an unexpired grant. Synchronous and cache-backed; never touches the
// network.
func (c *Client) HasActiveEntitlement(id string) bool {
	c.mu.Lock()
	cache := c.cache
	c.mu.Unlock()

	return cache != nil && cache.HasActiveEntitlement(id)
}

// Entitlement returns the cached record for a product or group id.
func (c *Client) Entitlement(id string) (EntitlementRecord, bool) {
	c.mu.Lock()
	cache := c.cache
	c.mu.Unlock()

	if cache == nil {
		return EntitlementRecord{}, false
	}
	return cache.Get(id)
}

// Entitlements returns a copy of the full cached set.
func (c *Client) Entitlements() []EntitlementRecord {
	c.mu.Lock()
	cache := c.cache
	c.mu.Unlock()

	if cache == nil {
		return nil
	}
	return cache.All()
}

// Products fetches catalog metadata for the given product ids.
func (c *Client) Products(ctx context.Context, ids []string) ([]Product, error) {
	products, err := c.catalog.Products(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("catalog query failed: %w", err)
	}
	c.events.PublishProductsLoaded(products)
	return products, nil
}

// AddObserver registers a delegate for entitlement and purchase events.
func (c *Client) AddObserver(obs Observer) { c.events.Subscribe(obs) }

// RemoveObserver unregisters a previously added delegate.
func (c *Client) RemoveObserver(obs Observer) { c.events.Unsubscribe(obs) }

// Identity returns the current user/device identity.
func (c *Client) Identity() (Identity, error) {
	c.mu.Lock()
	ids := c.ids
	c.mu.Unlock()

	if ids == nil {
		return Identity{}, ErrNotStarted
	}
	id, _ := ids.Current()
	return id, nil
}

// Logout replaces the user identity wholesale and invalidates the
// entitlement cache. Responses of requests still in flight under the old
// identity are discarded, not applied.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	ids, cache := c.ids, c.cache
	c.mu.Unlock()

	if ids == nil || cache == nil {
		return ErrNotStarted
	}

	if _, err := ids.Reset(""); err != nil {
		return err
	}
	if err := cache.Invalidate(); err != nil {
		return err
	}
	c.events.PublishEntitlementsChanged(nil)

	c.log.Info().Msg("logged out, entitlement cache invalidated")
	return nil
}

// Close stops the engine and releases local resources. In-flight backend
// calls are abandoned; their transactions stay unfinished and reconcile on
// the next start.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	c.engine.Stop()
	c.events.Shutdown()

	var firstErr error
	if err := c.st.Close(); err != nil {
		firstErr = err
	}
	if c.traceShutdown != nil {
		if err := c.traceShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.started = false
	return firstErr
}

func (c *Client) runningEngine() (*engine.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, ErrNotStarted
	}
	return c.engine, nil
}
