package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"github.com/nyc-design/Gamer/internal/drivers"
	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/clients/agent"
	"github.com/nyc-design/Gamer/pkg/models"
)

var (
	_ Fleet         = (*fakeFleet)(nil)
	_ FleetSource   = (*fakeSource)(nil)
	_ StoppedSource = (*fakeSource)(nil)
	_ Prober        = (*fakeProber)(nil)
	_ SpendSource   = (*fakeSpend)(nil)
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeFleet struct {
	mu          sync.Mutex
	stopped     []string
	stopReasons map[string]string
	destroyed   []string
	failed      map[string]string
	idled       map[string]time.Time
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		stopReasons: make(map[string]string),
		failed:      make(map[string]string),
		idled:       make(map[string]time.Time),
	}
}

func (f *fakeFleet) StopHost(_ context.Context, hostID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, hostID)
	f.stopReasons[hostID] = reason
	return nil
}

func (f *fakeFleet) DestroyHost(_ context.Context, hostID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, hostID)
	return nil
}

func (f *fakeFleet) FailHost(_ context.Context, hostID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[hostID] = reason
	return nil
}

func (f *fakeFleet) IdleHost(_ context.Context, hostID string, since time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idled[hostID] = since
	return nil
}

func (f *fakeFleet) stoppedHosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type fakeSource struct {
	mu        sync.Mutex
	hosts     []models.Host
	profiles  []models.PlatformProfile
	counts    map[models.LifecycleState]int
	expired   []models.Host
	strikes   map[string]int
	healthy   map[string]time.Time
	addresses map[string]string
	gotStates []models.LifecycleState
	gotCutoff time.Time
	onList    func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		strikes:   make(map[string]int),
		healthy:   make(map[string]time.Time),
		addresses: make(map[string]string),
	}
}

func (f *fakeSource) ListHostsByState(_ context.Context, states ...models.LifecycleState) ([]models.Host, error) {
	f.mu.Lock()
	f.gotStates = states
	hosts := append([]models.Host(nil), f.hosts...)
	hook := f.onList
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return hosts, nil
}

func (f *fakeSource) ListPlatforms(_ context.Context) ([]models.PlatformProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PlatformProfile(nil), f.profiles...), nil
}

func (f *fakeSource) CountHostsByState(_ context.Context) (map[models.LifecycleState]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[models.LifecycleState]int, len(f.counts))
	for k, v := range f.counts {
		counts[k] = v
	}
	return counts, nil
}

func (f *fakeSource) ListStoppedBefore(_ context.Context, cutoff time.Time) ([]models.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotCutoff = cutoff
	return append([]models.Host(nil), f.expired...), nil
}

func (f *fakeSource) RecordStrike(_ context.Context, hostID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strikes[hostID]++
	return f.strikes[hostID], nil
}

func (f *fakeSource) MarkHealthy(_ context.Context, hostID string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strikes[hostID] = 0
	f.healthy[hostID] = ts
	return nil
}

func (f *fakeSource) UpdateAddress(_ context.Context, hostID, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses[hostID] = address
	return nil
}

type fakeProber struct {
	mu     sync.Mutex
	health map[string]*agent.HealthStatus // keyed by address
	errs   map[string]error
	calls  int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		health: make(map[string]*agent.HealthStatus),
		errs:   make(map[string]error),
	}
}

func (f *fakeProber) Probe(_ context.Context, address string, _ int) (*agent.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[address]; ok {
		return nil, err
	}
	if h, ok := f.health[address]; ok {
		return h, nil
	}
	return nil, errors.New("no probe scripted for " + address)
}

func (f *fakeProber) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSpend struct {
	status *models.SpendStatus
	err    error
}

func (f *fakeSpend) Summary(_ context.Context) (*models.SpendStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.status == nil {
		return &models.SpendStatus{}, nil
	}
	return f.status, nil
}

// orphanDriver answers Describe only; the supervisor never calls the
// rest of the interface.
type orphanDriver struct {
	drivers.HostDriver
	name string
	err  error
}

func (d *orphanDriver) Name() string { return d.name }

func (d *orphanDriver) Describe(context.Context, string) (*drivers.HostStatus, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &drivers.HostStatus{State: drivers.StateRunning, Address: "203.0.113.10"}, nil
}

type supervisorFixture struct {
	store  *fakeSource
	fleet  *fakeFleet
	prober *fakeProber
	spend  *fakeSpend
	sup    *HealthSupervisor
}

func newSupervisor(t *testing.T, cfg SupervisorConfig) *supervisorFixture {
	t.Helper()
	fx := &supervisorFixture{
		store:  newFakeSource(),
		fleet:  newFakeFleet(),
		prober: newFakeProber(),
		spend:  &fakeSpend{},
	}
	if cfg.Store == nil {
		cfg.Store = fx.store
	}
	if cfg.Fleet == nil {
		cfg.Fleet = fx.fleet
	}
	if cfg.Agents == nil {
		cfg.Agents = fx.prober
	}
	if cfg.Spend == nil {
		cfg.Spend = fx.spend
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	fx.sup = NewHealthSupervisor(cfg)
	return fx
}

func servingHost(id, platform string, state models.LifecycleState) models.Host {
	address := "10.0.0." + id[len(id)-1:]
	handle := "td-" + id
	return models.Host{
		ID: id, SessionID: "sess-" + id, UserID: "user-1",
		Platform: platform, Tier: models.TierRetro,
		Provider: models.ProviderTensorDock, ProviderHandle: &handle,
		Address: &address, AgentPort: models.DefaultAgentPort,
		State: state,
	}
}

func healthyStatus() *agent.HealthStatus {
	return &agent.HealthStatus{Status: "healthy", SessionActive: true, ConnectedClients: 1, SessionDurationS: 600}
}

func TestSweepHealthyHostRefreshesActivity(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{})
	host := servingHost("host-1", "gba", models.StateRunning)
	fx.store.hosts = []models.Host{host}
	fx.prober.health[*host.Address] = healthyStatus()

	fx.sup.sweep()

	if _, ok := fx.store.healthy["host-1"]; !ok {
		t.Fatal("healthy probe not recorded")
	}
	if len(fx.fleet.stoppedHosts()) != 0 || len(fx.fleet.failed) != 0 || len(fx.fleet.idled) != 0 {
		t.Fatalf("healthy host provoked fleet action: %+v", fx.fleet)
	}
	want := []models.LifecycleState{models.StateReady, models.StateRunning, models.StateIdle}
	if len(fx.store.gotStates) != len(want) {
		t.Fatalf("enumerated states = %v", fx.store.gotStates)
	}
	for i, s := range want {
		if fx.store.gotStates[i] != s {
			t.Fatalf("enumerated states = %v, want %v", fx.store.gotStates, want)
		}
	}
}

func TestSweepStrikesAccumulateToFailure(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{})
	host := servingHost("host-1", "gba", models.StateRunning)
	fx.store.hosts = []models.Host{host}
	fx.prober.errs[*host.Address] = errors.New("connection refused")

	fx.sup.sweep()
	fx.sup.sweep()
	if len(fx.fleet.failed) != 0 {
		t.Fatalf("host failed after %d strikes", fx.store.strikes["host-1"])
	}

	fx.sup.sweep()
	if reason := fx.fleet.failed["host-1"]; reason != "3 consecutive failed health probes" {
		t.Fatalf("failure reason = %q", reason)
	}
}

func TestSweepHealthyProbeResetsStrikes(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{})
	host := servingHost("host-1", "gba", models.StateRunning)
	fx.store.hosts = []models.Host{host}
	fx.prober.errs[*host.Address] = errors.New("connection refused")

	fx.sup.sweep()
	fx.sup.sweep()

	// Agent recovers before the third strike.
	delete(fx.prober.errs, *host.Address)
	fx.prober.health[*host.Address] = healthyStatus()
	fx.sup.sweep()

	if got := fx.store.strikes["host-1"]; got != 0 {
		t.Fatalf("strikes = %d after recovery, want 0", got)
	}

	// Fresh outage starts the count over.
	fx.prober.errs[*host.Address] = errors.New("connection refused")
	fx.sup.sweep()
	if len(fx.fleet.failed) != 0 {
		t.Fatal("single strike after recovery failed the host")
	}
}

func TestSweepOrphanFailsImmediately(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{
		Drivers: []drivers.HostDriver{&orphanDriver{
			name: models.ProviderTensorDock,
			err:  fleet.E(fleet.KindNotFound, "instance gone"),
		}},
	})
	host := servingHost("host-1", "gba", models.StateRunning)
	fx.store.hosts = []models.Host{host}
	fx.prober.errs[*host.Address] = errors.New("connection refused")

	fx.sup.sweep()

	if reason := fx.fleet.failed["host-1"]; reason != "provider reports the instance gone" {
		t.Fatalf("failure reason = %q", reason)
	}
	if fx.store.strikes["host-1"] != 0 {
		t.Fatal("orphaned host should fail without burning strikes")
	}
}

func TestSweepProviderOutageStaysAStrike(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{
		Drivers: []drivers.HostDriver{&orphanDriver{
			name: models.ProviderTensorDock,
			err:  fleet.ProviderFailure(errors.New("502"), true, "api down"),
		}},
	})
	host := servingHost("host-1", "gba", models.StateRunning)
	fx.store.hosts = []models.Host{host}
	fx.prober.errs[*host.Address] = errors.New("connection refused")

	fx.sup.sweep()

	if len(fx.fleet.failed) != 0 {
		t.Fatal("provider API trouble must not fail the host outright")
	}
	if fx.store.strikes["host-1"] != 1 {
		t.Fatalf("strikes = %d, want 1", fx.store.strikes["host-1"])
	}
}

func TestSweepStaleAddressReconcilesInsteadOfStrike(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{
		Drivers: []drivers.HostDriver{&orphanDriver{name: models.ProviderTensorDock}},
	})
	host := servingHost("host-1", "gba", models.StateRunning)
	fx.store.hosts = []models.Host{host}
	fx.prober.errs[*host.Address] = errors.New("connection refused")

	fx.sup.sweep()

	if got := fx.store.addresses["host-1"]; got != "203.0.113.10" {
		t.Fatalf("address not reconciled from provider, got %q", got)
	}
	if fx.store.strikes["host-1"] != 0 {
		t.Fatal("stale address must not burn a strike")
	}
	if len(fx.fleet.failed) != 0 {
		t.Fatal("stale address must not fail the host")
	}
}

func TestSweepMatchingAddressStrikeStands(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{
		Drivers: []drivers.HostDriver{&orphanDriver{name: models.ProviderTensorDock}},
	})
	host := servingHost("host-1", "gba", models.StateRunning)
	address := "203.0.113.10" // what the provider reports
	host.Address = &address
	fx.store.hosts = []models.Host{host}
	fx.prober.errs[address] = errors.New("connection refused")

	fx.sup.sweep()

	if fx.store.strikes["host-1"] != 1 {
		t.Fatalf("strikes = %d, want 1", fx.store.strikes["host-1"])
	}
	if _, ok := fx.store.addresses["host-1"]; ok {
		t.Fatal("matching address must not be rewritten")
	}
}

func TestSweepIdleHostStops(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{})
	now := time.Now().UTC()
	fx.sup.now = func() time.Time { return now }

	running := servingHost("host-1", "gba", models.StateRunning)
	parked := servingHost("host-2", "gba", models.StateIdle)
	fx.store.hosts = []models.Host{running, parked}

	idleSince := now.Add(-11 * time.Minute)
	for _, h := range []models.Host{running, parked} {
		fx.prober.health[*h.Address] = &agent.HealthStatus{
			Status:           "healthy",
			ConnectedClients: 0,
			IdleSince:        &idleSince,
			SessionDurationS: 1200,
		}
	}

	fx.sup.sweep()

	if since, ok := fx.fleet.idled["host-1"]; !ok || !since.Equal(idleSince) {
		t.Fatalf("running host not idled: %v", fx.fleet.idled)
	}
	if _, ok := fx.fleet.idled["host-2"]; ok {
		t.Fatal("already-idle host re-idled")
	}
	stopped := fx.fleet.stoppedHosts()
	if len(stopped) != 2 {
		t.Fatalf("stopped = %v, want both hosts", stopped)
	}
}

func TestSweepFreshIdleLeftAlone(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{})
	now := time.Now().UTC()
	fx.sup.now = func() time.Time { return now }

	host := servingHost("host-1", "gba", models.StateRunning)
	fx.store.hosts = []models.Host{host}
	idleSince := now.Add(-5 * time.Minute)
	fx.prober.health[*host.Address] = &agent.HealthStatus{
		Status:           "healthy",
		ConnectedClients: 0,
		IdleSince:        &idleSince,
		SessionDurationS: 600,
	}

	fx.sup.sweep()

	if len(fx.fleet.stoppedHosts()) != 0 {
		t.Fatal("host idle for less than the threshold was stopped")
	}
	if _, ok := fx.store.healthy["host-1"]; !ok {
		t.Fatal("fresh-idle host should count as healthy")
	}
}

func TestSweepMaxDurationStops(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{})
	fx.store.profiles = []models.PlatformProfile{{Platform: "gba", MaxSessionHours: 2}}

	over := servingHost("host-1", "gba", models.StateRunning)
	under := servingHost("host-2", "n64", models.StateRunning) // falls back to the 8h default
	fx.store.hosts = []models.Host{over, under}

	fx.prober.health[*over.Address] = &agent.HealthStatus{Status: "healthy", ConnectedClients: 1, SessionDurationS: 2*3600 + 60}
	fx.prober.health[*under.Address] = &agent.HealthStatus{Status: "healthy", ConnectedClients: 1, SessionDurationS: 3 * 3600}

	fx.sup.sweep()

	stopped := fx.fleet.stoppedHosts()
	if len(stopped) != 1 || stopped[0] != "host-1" {
		t.Fatalf("stopped = %v, want just the over-ceiling host", stopped)
	}
	if reason := fx.fleet.stopReasons["host-1"]; reason != "session exceeded the 2h ceiling" {
		t.Fatalf("stop reason = %q", reason)
	}
	if _, ok := fx.store.healthy["host-2"]; !ok {
		t.Fatal("under-ceiling host should stay healthy")
	}
}

func TestSweepHardCapDrainsServingFleet(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{})
	fx.spend.status = &models.SpendStatus{
		MonthlySpendUSD: 520,
		SoftCapUSD:      300,
		HardCapUSD:      500,
		SoftBreached:    true,
		HardBreached:    true,
	}
	fx.store.hosts = []models.Host{
		servingHost("host-1", "gba", models.StateReady),
		servingHost("host-2", "gba", models.StateRunning),
		servingHost("host-3", "gba", models.StateIdle),
	}

	fx.sup.sweep()

	if got := len(fx.fleet.stoppedHosts()); got != 3 {
		t.Fatalf("stopped %d hosts, want all 3", got)
	}
	if reason := fx.fleet.stopReasons["host-2"]; reason != "monthly hard spend cap reached" {
		t.Fatalf("drain reason = %q", reason)
	}
	if fx.prober.probeCount() != 0 {
		t.Fatal("drain sweep should not waste time probing")
	}
}

func TestSweepSoftCapOnlyWarns(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{})
	fx.spend.status = &models.SpendStatus{
		MonthlySpendUSD: 320,
		SoftCapUSD:      300,
		HardCapUSD:      500,
		SoftBreached:    true,
	}
	host := servingHost("host-1", "gba", models.StateRunning)
	fx.store.hosts = []models.Host{host}
	fx.prober.health[*host.Address] = healthyStatus()

	fx.sup.sweep()

	if len(fx.fleet.stoppedHosts()) != 0 {
		t.Fatal("soft cap must not drain the fleet")
	}
	if fx.prober.probeCount() != 1 {
		t.Fatal("sweep should continue past a soft-cap warning")
	}
}

func TestSweepSpendCheckFailureSkipsEnforcement(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{})
	fx.spend.err = errors.New("rollup query failed")
	host := servingHost("host-1", "gba", models.StateRunning)
	fx.store.hosts = []models.Host{host}
	fx.prober.health[*host.Address] = healthyStatus()

	fx.sup.sweep()

	if len(fx.fleet.stoppedHosts()) != 0 {
		t.Fatal("spend check failure must not drain the fleet")
	}
	if _, ok := fx.store.healthy["host-1"]; !ok {
		t.Fatal("sweep should proceed when the spend check errors")
	}
}

func TestSweepRefreshesGauges(t *testing.T) {
	metrics := &SupervisorMetrics{
		HostsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_warden_hosts"}, []string{"state"}),
		SpendUSD:     prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_warden_spend"}, []string{"window"}),
	}
	fx := newSupervisor(t, SupervisorConfig{Metrics: metrics})
	fx.spend.status = &models.SpendStatus{DailySpendUSD: 12.5, MonthlySpendUSD: 140}
	fx.store.counts = map[models.LifecycleState]int{
		models.StateRunning: 2,
		models.StateStopped: 1,
	}

	fx.sup.sweep()

	if got := testutil.ToFloat64(metrics.HostsByState.WithLabelValues("running")); got != 2 {
		t.Fatalf("running gauge = %v", got)
	}
	if got := testutil.ToFloat64(metrics.HostsByState.WithLabelValues("destroyed")); got != 0 {
		t.Fatalf("destroyed gauge = %v, want zeroed", got)
	}
	if got := testutil.ToFloat64(metrics.SpendUSD.WithLabelValues("monthly")); got != 140 {
		t.Fatalf("monthly spend gauge = %v", got)
	}
}

func TestNextIntervalJitterBounds(t *testing.T) {
	sup := NewHealthSupervisor(SupervisorConfig{Logger: testLogger()})
	base := float64(15 * time.Minute)
	lo := time.Duration(base * 0.9)
	hi := time.Duration(base * 1.1)
	for i := 0; i < 200; i++ {
		got := sup.nextInterval()
		if got < lo || got > hi {
			t.Fatalf("interval %s outside [%s, %s]", got, lo, hi)
		}
	}
}

func TestSupervisorStartStop(t *testing.T) {
	fx := newSupervisor(t, SupervisorConfig{Interval: time.Hour})
	swept := make(chan struct{}, 1)
	fx.store.onList = func() {
		select {
		case swept <- struct{}{}:
		default:
		}
	}

	fx.sup.Start()
	select {
	case <-swept:
	case <-time.After(5 * time.Second):
		t.Fatal("first sweep did not run at startup")
	}
	fx.sup.Stop()
}
