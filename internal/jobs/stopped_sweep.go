package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// StoppedSource is the store slice the long-stopped sweep reads.
type StoppedSource interface {
	ListStoppedBefore(ctx context.Context, cutoff time.Time) ([]models.Host, error)
}

// StoppedSweepConfig holds configuration for the long-stopped sweep.
type StoppedSweepConfig struct {
	Store    StoppedSource
	Fleet    Fleet
	Logger   logging.Logger
	Schedule string        // cron expression (default: @daily)
	TTL      time.Duration // how long a STOPPED host may linger (default: 48h)
}

// StoppedSweep destroys hosts that sat in STOPPED past the TTL. Cloud
// disks bill while the VM is off, so anything nobody restarted within
// the window gets reclaimed.
type StoppedSweep struct {
	store  StoppedSource
	fleet  Fleet
	logger logging.Logger
	ttl    time.Duration
	cron   *cron.Cron
	now    func() time.Time
}

// NewStoppedSweep creates the sweep on its cron schedule.
func NewStoppedSweep(cfg StoppedSweepConfig) (*StoppedSweep, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 48 * time.Hour
	}

	s := &StoppedSweep{
		store:  cfg.Store,
		fleet:  cfg.Fleet,
		logger: cfg.Logger,
		ttl:    cfg.TTL,
		cron:   cron.New(),
		now:    time.Now,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid stopped sweep schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins the schedule.
func (s *StoppedSweep) Start() {
	s.cron.Start()
	s.logger.WithField("ttl", s.ttl.String()).Info("Long-stopped sweep scheduled")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *StoppedSweep) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Long-stopped sweep stopped")
}

func (s *StoppedSweep) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := s.now().UTC().Add(-s.ttl)
	hosts, err := s.store.ListStoppedBefore(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Warn("Long-stopped sweep query failed")
		return
	}
	if len(hosts) == 0 {
		return
	}

	reason := fmt.Sprintf("stopped longer than %s", s.ttl)
	destroyed := 0
	for i := range hosts {
		if err := s.fleet.DestroyHost(ctx, hosts[i].ID, reason); err != nil {
			s.logger.WithError(err).WithField("host_id", hosts[i].ID).Warn("Could not destroy long-stopped host")
			continue
		}
		destroyed++
	}
	s.logger.WithFields(logging.Fields{
		"eligible":  len(hosts),
		"destroyed": destroyed,
	}).Info("Long-stopped sweep reclaimed hosts")
}
