// Package orchestrator drives hosts through the session lifecycle. It
// is the only component that moves lifecycle state: the HTTP layer, the
// agent callbacks, and the health supervisor all act through it, so
// compare-and-set transitions, events, and metrics stay consistent with
// what the store persists.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/nyc-design/Gamer/internal/drivers"
	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/internal/placement"
	"github.com/nyc-design/Gamer/pkg/events"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// Store is the persistence surface the orchestrator drives. It is
// satisfied by *store.Store; tests swap in an in-memory fake with the
// same compare-and-set behavior.
type Store interface {
	CreateHost(ctx context.Context, host *models.Host) error
	GetHost(ctx context.Context, hostID string) (*models.Host, error)
	GetHostByToken(ctx context.Context, vmToken string) (*models.Host, error)
	FindActiveHost(ctx context.Context, userID, platform string) (*models.Host, error)
	ListHostsByUser(ctx context.Context, userID string) ([]models.Host, error)

	GetPlatform(ctx context.Context, platform string) (*models.PlatformProfile, error)

	GetSaveSlot(ctx context.Context, saveRef string) (*models.SaveSlot, error)
	ApplySaveEvent(ctx context.Context, slot *models.SaveSlot) (bool, error)
	ApplyAgentSeq(ctx context.Context, hostID string, seq int64) (bool, error)

	TransitionState(ctx context.Context, hostID string, from []models.LifecycleState, to models.LifecycleState) error
	MarkFailed(ctx context.Context, hostID, detail string) error
	MarkConfiguring(ctx context.Context, hostID, address string) error
	MarkReady(ctx context.Context, hostID string) error
	MarkRunning(ctx context.Context, hostID string, startedAt time.Time) error
	MarkActive(ctx context.Context, hostID string, ts time.Time) error
	MarkIdle(ctx context.Context, hostID string, since time.Time) error
	ReviveStopped(ctx context.Context, hostID, sessionID string) error
	SetProviderBinding(ctx context.Context, hostID, handle, region, source string, metadata models.JSONB) error
	TouchActivity(ctx context.Context, hostID string, ts time.Time) error
}

// Placer ranks where a host should land. *placement.Optimizer
// satisfies it.
type Placer interface {
	RankInventory(ctx context.Context, user *models.Coordinate, spec models.TierSpec) ([]placement.Candidate, error)
	RankRegions(ctx context.Context, user *models.Coordinate) ([]placement.Candidate, error)
}

// RateSource prices a (tier, family, provider) combination per hour.
// *billing.RateTable satisfies it.
type RateSource interface {
	HourlyCostUSD(tier, family, provider string) (float64, bool)
}

// Metrics carries the provisioning instrumentation. The struct and any
// field may be nil.
type Metrics struct {
	Provisions        *prometheus.CounterVec   // labels: provider, outcome
	ProvisionDuration *prometheus.HistogramVec // labels: provider
}

// Provisioning outcome labels.
const (
	outcomeReady       = "ready"
	outcomeNoCandidate = "no_candidate"
	outcomeTimeout     = "timeout"
	outcomeFailed      = "failed"
	outcomeAbandoned   = "abandoned"
)

func (m *Metrics) observe(provider, outcome string, started time.Time) {
	if m == nil {
		return
	}
	if m.Provisions != nil {
		m.Provisions.WithLabelValues(provider, outcome).Inc()
	}
	if outcome == outcomeReady && m.ProvisionDuration != nil {
		m.ProvisionDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
	}
}

// Config tunes the orchestrator.
type Config struct {
	// ProvisionWorkers bounds how many provisioning tasks run at once.
	// Requests beyond the bound are rejected with Busy before anything
	// is persisted.
	ProvisionWorkers int

	// WaitReady is the readiness ceiling applied while polling a fresh
	// host. WaitReadyByTier overrides it per hardware tier.
	WaitReady       time.Duration
	WaitReadyByTier map[string]time.Duration

	// CallbackBaseURL is the public base URL agents post callbacks to,
	// embedded in every session manifest.
	CallbackBaseURL string

	// Provider create retry budget. Retries apply only to failures the
	// adapter marked retryable.
	CreateRetries   int
	CreateRetryBase time.Duration
	CreateRetryCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProvisionWorkers <= 0 {
		c.ProvisionWorkers = 32
	}
	if c.WaitReady <= 0 {
		c.WaitReady = drivers.DefaultWaitReady
	}
	if c.CreateRetries <= 0 {
		c.CreateRetries = 3
	}
	if c.CreateRetryBase <= 0 {
		c.CreateRetryBase = 2 * time.Second
	}
	if c.CreateRetryCap <= 0 {
		c.CreateRetryCap = 30 * time.Second
	}
	return c
}

// Orchestrator owns session lifecycle decisions and the bounded pool of
// background provisioning tasks.
type Orchestrator struct {
	store    Store
	placer   Placer
	rates    RateSource
	drivers  map[string]drivers.HostDriver
	producer *events.Producer
	metrics  *Metrics
	logger   logging.Logger
	cfg      Config

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New wires an orchestrator. driverList holds one adapter per enabled
// provider; providers without an adapter are skipped during the
// preference walk.
func New(st Store, placer Placer, rates RateSource, driverList []drivers.HostDriver, producer *events.Producer, metrics *Metrics, cfg Config, logger logging.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	byName := make(map[string]drivers.HostDriver, len(driverList))
	for _, d := range driverList {
		byName[d.Name()] = d
	}
	return &Orchestrator{
		store:    st,
		placer:   placer,
		rates:    rates,
		drivers:  byName,
		producer: producer,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.ProvisionWorkers)),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Close cancels in-flight provisioning tasks and waits for them to
// unwind. Tasks observe the cancellation at their next checkpoint and
// release their provider artifacts.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) driverFor(provider string) (drivers.HostDriver, error) {
	d, ok := o.drivers[provider]
	if !ok {
		return nil, fleet.E(fleet.KindInternal, "no driver registered for provider %s", provider)
	}
	return d, nil
}

// waitCeiling returns the wait_ready ceiling for a tier.
func (o *Orchestrator) waitCeiling(tier string) time.Duration {
	if d, ok := o.cfg.WaitReadyByTier[tier]; ok && d > 0 {
		return d
	}
	return o.cfg.WaitReady
}

// publish emits a fleet event. The producer is nil-safe and logs its
// own delivery failures; provisioning tasks call this after their
// context is canceled, so it never inherits a task context.
func (o *Orchestrator) publish(event events.Event) {
	o.producer.Publish(context.Background(), event)
}

// registerCancel makes an in-flight provisioning task addressable by
// host so destroy_session can interrupt it.
func (o *Orchestrator) registerCancel(hostID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[hostID] = cancel
}

func (o *Orchestrator) dropCancel(hostID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, hostID)
}

// cancelProvisioning interrupts the host's provisioning task if one is
// in flight. The task keeps its pool slot until it finishes unwinding.
func (o *Orchestrator) cancelProvisioning(hostID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[hostID]
	if ok {
		cancel()
	}
	return ok
}
