// Package jobs hosts warden's background loops: the liveness sweep
// that polices serving hosts and the daily sweep that reclaims
// long-stopped ones. Jobs drive the orchestrator rather than writing
// state themselves, so every transition shares one compare-and-set
// path with the API surface.
package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nyc-design/Gamer/internal/drivers"
	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/clients/agent"
	"github.com/nyc-design/Gamer/pkg/events"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// Fleet is the orchestrator slice the background jobs drive.
type Fleet interface {
	StopHost(ctx context.Context, hostID, reason string) error
	DestroyHost(ctx context.Context, hostID, reason string) error
	FailHost(ctx context.Context, hostID, reason string) error
	IdleHost(ctx context.Context, hostID string, since time.Time) error
}

// FleetSource is the store slice the supervisor reads and annotates.
type FleetSource interface {
	ListHostsByState(ctx context.Context, states ...models.LifecycleState) ([]models.Host, error)
	ListPlatforms(ctx context.Context) ([]models.PlatformProfile, error)
	CountHostsByState(ctx context.Context) (map[models.LifecycleState]int, error)
	RecordStrike(ctx context.Context, hostID string) (int, error)
	MarkHealthy(ctx context.Context, hostID string, ts time.Time) error
	UpdateAddress(ctx context.Context, hostID, address string) error
}

// Prober checks an in-VM agent's health endpoint. *agent.Client
// satisfies it.
type Prober interface {
	Probe(ctx context.Context, address string, port int) (*agent.HealthStatus, error)
}

// SpendSource reports accumulated spend against the configured caps.
// *billing.Rollup satisfies it.
type SpendSource interface {
	Summary(ctx context.Context) (*models.SpendStatus, error)
}

// SupervisorMetrics are refreshed once per liveness sweep. Nil vectors
// are skipped.
type SupervisorMetrics struct {
	HostsByState *prometheus.GaugeVec // label: state
	SpendUSD     *prometheus.GaugeVec // label: window (daily|monthly)
}

// SupervisorConfig holds configuration for the health supervisor.
type SupervisorConfig struct {
	Store    FleetSource
	Fleet    Fleet
	Agents   Prober
	Spend    SpendSource
	Drivers  []drivers.HostDriver
	Producer *events.Producer
	Metrics  *SupervisorMetrics
	Logger   logging.Logger

	Interval        time.Duration // sweep cadence (default: 15 minutes)
	Jitter          float64       // cadence jitter fraction (default: 0.10)
	ProbeTimeout    time.Duration // per-agent probe budget (default: 5 seconds)
	IdleThreshold   time.Duration // no-client grace before stop (default: 10 minutes)
	MaxStrikes      int           // consecutive probe failures before FAILED (default: 3)
	MaxSessionHours int           // session ceiling when the profile has none (default: 8)
}

// HealthSupervisor polices serving hosts on a jittered cadence: agent
// probes with strike counting, idle and max-duration stops, and the
// spend-cap check that can drain the whole fleet.
type HealthSupervisor struct {
	store    FleetSource
	fleet    Fleet
	agents   Prober
	spend    SpendSource
	drivers  map[string]drivers.HostDriver
	producer *events.Producer
	metrics  *SupervisorMetrics
	logger   logging.Logger

	interval        time.Duration
	jitter          float64
	probeTimeout    time.Duration
	idleThreshold   time.Duration
	maxStrikes      int
	maxSessionHours int

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHealthSupervisor creates the liveness sweep job.
func NewHealthSupervisor(cfg SupervisorConfig) *HealthSupervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 0.10
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 10 * time.Minute
	}
	if cfg.MaxStrikes <= 0 {
		cfg.MaxStrikes = 3
	}
	if cfg.MaxSessionHours <= 0 {
		cfg.MaxSessionHours = 8
	}

	driverIndex := make(map[string]drivers.HostDriver, len(cfg.Drivers))
	for _, d := range cfg.Drivers {
		driverIndex[d.Name()] = d
	}

	return &HealthSupervisor{
		store:           cfg.Store,
		fleet:           cfg.Fleet,
		agents:          cfg.Agents,
		spend:           cfg.Spend,
		drivers:         driverIndex,
		producer:        cfg.Producer,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		interval:        cfg.Interval,
		jitter:          cfg.Jitter,
		probeTimeout:    cfg.ProbeTimeout,
		idleThreshold:   cfg.IdleThreshold,
		maxStrikes:      cfg.MaxStrikes,
		maxSessionHours: cfg.MaxSessionHours,
		now:             time.Now,
		stopCh:          make(chan struct{}),
	}
}

// Start begins the background sweep loop. The first sweep runs
// immediately so a restarted control plane re-checks the fleet without
// waiting a full interval.
func (s *HealthSupervisor) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.WithFields(logging.Fields{
		"interval":       s.interval.String(),
		"idle_threshold": s.idleThreshold.String(),
		"max_strikes":    s.maxStrikes,
	}).Info("Health supervisor started")
}

// Stop gracefully stops the supervisor, waiting for an in-flight sweep.
func (s *HealthSupervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Health supervisor stopped")
}

func (s *HealthSupervisor) run() {
	defer s.wg.Done()

	s.sweep()

	timer := time.NewTimer(s.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			s.sweep()
			timer.Reset(s.nextInterval())
		case <-s.stopCh:
			return
		}
	}
}

// nextInterval returns the cadence with fresh jitter so sweeps do not
// phase-lock across replicas or synchronize with provider rate windows.
func (s *HealthSupervisor) nextInterval() time.Duration {
	if s.jitter <= 0 {
		return s.interval
	}
	span := (rand.Float64()*2 - 1) * s.jitter * float64(s.interval)
	return s.interval + time.Duration(span)
}

// sweep runs one liveness pass: spend check first, then the per-host
// decision matrix, then the census gauges. The whole pass must finish
// within one nominal interval.
func (s *HealthSupervisor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	drain := s.checkSpend(ctx)

	hosts, err := s.store.ListHostsByState(ctx, models.StateReady, models.StateRunning, models.StateIdle)
	if err != nil {
		s.logger.WithError(err).Warn("Liveness sweep could not list serving hosts")
		return
	}

	ceilings := s.sessionCeilings(ctx)
	for i := range hosts {
		host := &hosts[i]
		if drain {
			if err := s.fleet.StopHost(ctx, host.ID, "monthly hard spend cap reached"); err != nil {
				s.logger.WithError(err).WithField("host_id", host.ID).Warn("Drain stop failed")
			}
			continue
		}
		s.superviseHost(ctx, host, ceilings)
	}

	s.refreshCensus(ctx)
}

// checkSpend runs the cap check at the top of the sweep. Returns true
// when the hard cap is breached and the serving fleet must drain.
func (s *HealthSupervisor) checkSpend(ctx context.Context) bool {
	if s.spend == nil {
		return false
	}
	status, err := s.spend.Summary(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Spend check failed, skipping cap enforcement")
		return false
	}
	if s.metrics != nil && s.metrics.SpendUSD != nil {
		s.metrics.SpendUSD.WithLabelValues("daily").Set(status.DailySpendUSD)
		s.metrics.SpendUSD.WithLabelValues("monthly").Set(status.MonthlySpendUSD)
	}

	severity := status.Severity()
	if severity == "" {
		return false
	}
	s.logger.WithFields(logging.Fields{
		"severity":    severity,
		"daily_usd":   status.DailySpendUSD,
		"monthly_usd": status.MonthlySpendUSD,
		"hard_cap":    status.HardCapUSD,
	}).Warn("Spend cap threshold crossed")
	s.producer.Publish(ctx, events.NewSpendAlert(*status, severity))
	return status.HardBreached
}

// sessionCeilings maps each platform to its max session hours. Hosts
// on platforms missing here fall back to the supervisor default.
func (s *HealthSupervisor) sessionCeilings(ctx context.Context) map[string]int {
	ceilings := make(map[string]int)
	profiles, err := s.store.ListPlatforms(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Could not load platform profiles, using the default session ceiling")
		return ceilings
	}
	for i := range profiles {
		if profiles[i].MaxSessionHours > 0 {
			ceilings[profiles[i].Platform] = profiles[i].MaxSessionHours
		}
	}
	return ceilings
}

// superviseHost applies the decision matrix to one serving host.
func (s *HealthSupervisor) superviseHost(ctx context.Context, host *models.Host, ceilings map[string]int) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	health, err := s.agents.Probe(probeCtx, host.Endpoint(), host.AgentPort)
	cancel()
	if err != nil || !health.Healthy() {
		s.strike(ctx, host, err)
		return
	}

	maxHours := s.maxSessionHours
	if hours, ok := ceilings[host.Platform]; ok {
		maxHours = hours
	}
	if health.SessionDurationS > int64(maxHours)*3600 {
		reason := fmt.Sprintf("session exceeded the %dh ceiling", maxHours)
		if err := s.fleet.StopHost(ctx, host.ID, reason); err != nil {
			s.logger.WithError(err).WithField("host_id", host.ID).Warn("Max-duration stop failed")
		}
		return
	}

	now := s.now().UTC()
	if idleFor := health.IdleFor(now); idleFor >= s.idleThreshold {
		if host.State != models.StateIdle {
			if err := s.fleet.IdleHost(ctx, host.ID, *health.IdleSince); err != nil {
				s.logger.WithError(err).WithField("host_id", host.ID).Warn("Idle transition failed")
			}
		}
		reason := fmt.Sprintf("no connected clients for %s", idleFor.Round(time.Second))
		if err := s.fleet.StopHost(ctx, host.ID, reason); err != nil {
			s.logger.WithError(err).WithField("host_id", host.ID).Warn("Idle stop failed")
		}
		return
	}

	if err := s.store.MarkHealthy(ctx, host.ID, now); err != nil {
		s.logger.WithError(err).WithField("host_id", host.ID).Warn("Could not record healthy probe")
	}
}

// strike books one failed probe. A host the provider no longer knows
// is failed immediately; a host the provider reports running at a
// different address gets the mirror reconciled instead of a strike;
// otherwise the third consecutive strike fails it. FailHost destroys
// the provider artifact exactly once.
func (s *HealthSupervisor) strike(ctx context.Context, host *models.Host, cause error) {
	status, gone := s.describeProvider(ctx, host)
	if gone {
		s.logger.WithFields(logging.Fields{
			"host_id":  host.ID,
			"provider": host.Provider,
		}).Warn("Provider no longer knows the host")
		if err := s.fleet.FailHost(ctx, host.ID, "provider reports the instance gone"); err != nil {
			s.logger.WithError(err).WithField("host_id", host.ID).Warn("Could not fail orphaned host")
		}
		return
	}

	if status != nil && status.State == drivers.StateRunning &&
		status.Address != "" && status.Address != host.Endpoint() {
		// The probe missed a live host because the persisted address
		// went stale. Adopt the provider's; the next sweep re-probes.
		if err := s.store.UpdateAddress(ctx, host.ID, status.Address); err != nil {
			s.logger.WithError(err).WithField("host_id", host.ID).Warn("Could not reconcile host address")
			return
		}
		s.logger.WithFields(logging.Fields{
			"host_id": host.ID,
			"stale":   host.Endpoint(),
			"address": status.Address,
		}).Info("Host address reconciled from provider")
		return
	}

	strikes, err := s.store.RecordStrike(ctx, host.ID)
	if err != nil {
		s.logger.WithError(err).WithField("host_id", host.ID).Warn("Could not record probe strike")
		return
	}

	fields := logging.Fields{"host_id": host.ID, "strikes": strikes}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	s.logger.WithFields(fields).Warn("Agent probe failed")

	if strikes >= s.maxStrikes {
		reason := fmt.Sprintf("%d consecutive failed health probes", strikes)
		if err := s.fleet.FailHost(ctx, host.ID, reason); err != nil {
			s.logger.WithError(err).WithField("host_id", host.ID).Warn("Could not fail unhealthy host")
		}
	}
}

// describeProvider asks the provider about the instance behind a host.
// gone is true only on a definitive not-found; transport trouble yields
// (nil, false) so the caller stays on the strike path.
func (s *HealthSupervisor) describeProvider(ctx context.Context, host *models.Host) (status *drivers.HostStatus, gone bool) {
	if host.ProviderHandle == nil || *host.ProviderHandle == "" {
		return nil, false
	}
	driver, ok := s.drivers[host.Provider]
	if !ok {
		return nil, false
	}
	status, err := driver.Describe(ctx, *host.ProviderHandle)
	if err != nil {
		return nil, fleet.KindOf(err) == fleet.KindNotFound
	}
	return status, false
}

func (s *HealthSupervisor) refreshCensus(ctx context.Context) {
	if s.metrics == nil || s.metrics.HostsByState == nil {
		return
	}
	counts, err := s.store.CountHostsByState(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Host census failed")
		return
	}
	for _, state := range models.States() {
		s.metrics.HostsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
