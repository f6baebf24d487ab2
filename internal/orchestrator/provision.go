package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/nyc-design/Gamer/internal/drivers"
	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/internal/placement"
	"github.com/nyc-design/Gamer/pkg/events"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// spawnProvision hands a host to a background provisioning task. The
// caller must already hold a pool slot; ownership of the slot transfers
// to the task and is released when it finishes unwinding.
func (o *Orchestrator) spawnProvision(host *models.Host, profile *models.PlatformProfile, sshKey string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.registerCancel(host.ID, cancel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.sem.Release(1)
		defer o.dropCancel(host.ID)
		defer cancel()
		o.provision(ctx, host, profile, sshKey)
	}()
}

// provision drives one host from CREATING to READY: placement, provider
// create (or start, when resuming a revived host), wait for readiness,
// then environment configuration. Between steps it rechecks the store
// so a concurrent destroy abandons the work and clears the artifact.
//
// The task owns the host snapshot and keeps its State and
// ProviderHandle current as steps land, so failure handling reports the
// state the host actually reached.
func (o *Orchestrator) provision(ctx context.Context, host *models.Host, profile *models.PlatformProfile, sshKey string) {
	started := time.Now()

	driver, err := o.driverFor(host.Provider)
	if err != nil {
		o.failProvision(host, nil, err, started)
		return
	}

	handle := ""
	if host.ProviderHandle != nil {
		handle = *host.ProviderHandle
	}

	if handle == "" {
		spec, ok := profile.HardwareSpecFor(host.Tier)
		if !ok {
			o.failProvision(host, driver, fleet.E(fleet.KindInternal, "unknown tier %s", host.Tier), started)
			return
		}

		candidate, err := o.pickPlacement(ctx, host, spec)
		if err != nil {
			if ctx.Err() != nil {
				o.interrupted(host, driver, started)
				return
			}
			o.failProvision(host, driver, err, started)
			return
		}
		o.logger.WithFields(logging.Fields{
			"host_id":  host.ID,
			"provider": host.Provider,
			"region":   candidate.Region,
			"node_id":  candidate.NodeID,
			"source":   candidate.Source,
		}).Info("Placement selected")

		result, err := o.createWithRetry(ctx, driver, host, spec, candidate, sshKey)
		if err != nil {
			if ctx.Err() != nil {
				o.interrupted(host, driver, started)
				return
			}
			o.failProvision(host, driver, err, started)
			return
		}
		handle = result.Handle
		host.ProviderHandle = &handle
		host.ProviderRegion = candidate.Region
		if err := o.store.SetProviderBinding(ctx, host.ID, handle, candidate.Region, candidate.Source, result.Metadata); err != nil {
			if ctx.Err() != nil {
				o.interrupted(host, driver, started)
				return
			}
			o.failOrAbandon(host, driver, err, started)
			return
		}
	} else {
		// Revived host: the provider artifact survived STOPPED, so
		// resume with a start call instead of a fresh create.
		if err := driver.Start(ctx, handle); err != nil {
			if ctx.Err() != nil {
				o.interrupted(host, driver, started)
				return
			}
			o.failProvision(host, driver, err, started)
			return
		}
	}

	if o.abandoned(ctx, host, driver, started) {
		return
	}

	status, err := driver.WaitReady(ctx, handle, o.waitCeiling(host.Tier))
	if err != nil {
		if ctx.Err() != nil {
			o.interrupted(host, driver, started)
			return
		}
		o.failProvision(host, driver, err, started)
		return
	}

	if o.abandoned(ctx, host, driver, started) {
		return
	}

	if err := o.store.MarkConfiguring(ctx, host.ID, status.Address); err != nil {
		o.failOrAbandon(host, driver, err, started)
		return
	}
	host.Address = &status.Address
	o.publish(events.NewStateChanged(host, models.StateCreating, models.StateConfiguring, "host reachable at "+status.Address))
	host.State = models.StateConfiguring

	if !host.EnvironmentReady {
		if err := driver.ConfigureEnvironment(ctx, host); err != nil {
			if ctx.Err() != nil {
				o.interrupted(host, driver, started)
				return
			}
			o.failProvision(host, driver, err, started)
			return
		}
		host.EnvironmentReady = true
	}

	if err := o.store.MarkReady(ctx, host.ID); err != nil {
		o.failOrAbandon(host, driver, err, started)
		return
	}
	o.publish(events.NewStateChanged(host, models.StateConfiguring, models.StateReady, "environment configured"))
	host.State = models.StateReady

	o.metrics.observe(host.Provider, outcomeReady, started)
	o.logger.WithFields(logging.Fields{
		"host_id":  host.ID,
		"provider": host.Provider,
		"platform": host.Platform,
		"elapsed":  time.Since(started).Round(time.Millisecond).String(),
	}).Info("Host ready")
}

// pickPlacement chooses where the host lands. Inventory providers take
// the optimizer's best marketplace node; named-region providers honor a
// caller-pinned region and otherwise take the optimizer's best region.
func (o *Orchestrator) pickPlacement(ctx context.Context, host *models.Host, spec models.TierSpec) (*placement.Candidate, error) {
	var user *models.Coordinate
	if host.UserLat != nil && host.UserLon != nil {
		user = &models.Coordinate{Lat: *host.UserLat, Lon: *host.UserLon}
	}

	var (
		candidates []placement.Candidate
		err        error
	)
	switch host.Provider {
	case models.ProviderTensorDock:
		candidates, err = o.placer.RankInventory(ctx, user, spec)
	case models.ProviderCloudyPad:
		if host.ProviderRegion != "" {
			return &placement.Candidate{
				Provider: host.Provider,
				Region:   host.ProviderRegion,
				Source:   models.PlacementSourceUser,
			}, nil
		}
		candidates, err = o.placer.RankRegions(ctx, user)
	default:
		return nil, fleet.E(fleet.KindInternal, "no placement strategy for provider %s", host.Provider)
	}
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fleet.E(fleet.KindNoCandidate, "no placement candidate for provider %s", host.Provider)
	}
	return &candidates[0], nil
}

// createWithRetry calls the provider's create through a retry policy:
// failures the adapter marked retryable back off exponentially from the
// configured base to the cap; everything else aborts on first error.
func (o *Orchestrator) createWithRetry(ctx context.Context, driver drivers.HostDriver, host *models.Host, spec models.TierSpec, candidate *placement.Candidate, sshKey string) (*drivers.CreateResult, error) {
	req := drivers.CreateRequest{
		Name:             hostName(host),
		Spec:             spec,
		NodeID:           candidate.NodeID,
		Region:           candidate.Region,
		GPUModel:         candidate.GPUModel,
		SSHPublicKey:     sshKey,
		AutoStopTimeoutS: host.AutoStopTimeoutS,
	}

	attempt := 0
	retry := retrypolicy.NewBuilder[*drivers.CreateResult]().
		WithBackoff(o.cfg.CreateRetryBase, o.cfg.CreateRetryCap).
		WithMaxRetries(o.cfg.CreateRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *drivers.CreateResult, err error) bool {
			return err != nil && fleet.IsRetryable(err)
		}).
		Build()

	return failsafe.With(retry).WithContext(ctx).Get(func() (*drivers.CreateResult, error) {
		attempt++
		result, err := driver.Create(ctx, req)
		if err != nil && fleet.IsRetryable(err) {
			o.logger.WithFields(logging.Fields{
				"host_id":  host.ID,
				"provider": host.Provider,
				"attempt":  attempt,
				"error":    err.Error(),
			}).Warn("Provider create failed, will retry")
		}
		return result, err
	})
}

// hostName is the provider-visible instance name.
func hostName(host *models.Host) string {
	id := host.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("warden-%s-%s", host.Platform, id)
}

// abandoned is the between-step checkpoint: it reports true when the
// task must stop because its context was canceled or the row reached
// DESTROYED.
func (o *Orchestrator) abandoned(ctx context.Context, host *models.Host, driver drivers.HostDriver, started time.Time) bool {
	if ctx.Err() != nil {
		o.interrupted(host, driver, started)
		return true
	}

	readCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	fresh, err := o.store.GetHost(readCtx, host.ID)
	cancel()
	if err != nil {
		// A failed recheck does not abort provisioning; the next
		// compare-and-set settles any race regardless.
		o.logger.WithFields(logging.Fields{
			"host_id": host.ID,
			"error":   err.Error(),
		}).Warn("Host recheck failed mid-provision")
		return false
	}
	if fresh.State != models.StateDestroyed {
		return false
	}
	o.abandon(host, driver, started)
	return true
}

// interrupted handles a canceled task. The provider artifact is
// destroyed only when the row shows a destroy won the race; a shutdown
// cancellation leaves both the row and the artifact in place for the
// next process to reconcile.
func (o *Orchestrator) interrupted(host *models.Host, driver drivers.HostDriver, started time.Time) {
	readCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	fresh, err := o.store.GetHost(readCtx, host.ID)
	cancel()
	if err == nil && fresh.State == models.StateDestroyed {
		o.abandon(host, driver, started)
		return
	}

	o.logger.WithFields(logging.Fields{
		"host_id":  host.ID,
		"provider": host.Provider,
	}).Warn("Provisioning interrupted, artifact left for reconciliation")
	o.metrics.observe(host.Provider, outcomeAbandoned, started)
}

// abandon discards in-flight work after a destroy won the race.
func (o *Orchestrator) abandon(host *models.Host, driver drivers.HostDriver, started time.Time) {
	o.logger.WithFields(logging.Fields{
		"host_id":  host.ID,
		"provider": host.Provider,
	}).Info("Provisioning abandoned, host destroyed")
	o.destroyArtifact(driver, host)
	o.metrics.observe(host.Provider, outcomeAbandoned, started)
}

// failOrAbandon resolves a failed compare-and-set mid-provision: a
// Conflict means a concurrent destroy moved the host first, anything
// else is a genuine failure.
func (o *Orchestrator) failOrAbandon(host *models.Host, driver drivers.HostDriver, err error, started time.Time) {
	if fleet.KindOf(err) == fleet.KindConflict {
		o.abandon(host, driver, started)
		return
	}
	o.failProvision(host, driver, err, started)
}

// failProvision parks the host in FAILED with the cause recorded, then
// clears any provider artifact so nothing keeps billing.
func (o *Orchestrator) failProvision(host *models.Host, driver drivers.HostDriver, cause error, started time.Time) {
	o.logger.WithFields(logging.Fields{
		"host_id":  host.ID,
		"provider": host.Provider,
		"platform": host.Platform,
		"error":    cause.Error(),
	}).Error("Provisioning failed")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.store.MarkFailed(ctx, host.ID, cause.Error()); err != nil {
		// Conflict here means a concurrent destroy moved the host
		// first; the artifact still needs clearing either way.
		o.logger.WithFields(logging.Fields{
			"host_id": host.ID,
			"error":   err.Error(),
		}).Warn("Failed-state transition not applied")
	} else {
		o.publish(events.NewStateChanged(host, host.State, models.StateFailed, cause.Error()))
	}

	o.destroyArtifact(driver, host)
	o.metrics.observe(host.Provider, outcomeOf(cause), started)
}

// destroyArtifact best-effort destroys the host's provider artifact.
// Missing driver or handle is a no-op; failures are logged and left to
// the supervisor's orphan handling.
func (o *Orchestrator) destroyArtifact(driver drivers.HostDriver, host *models.Host) {
	if driver == nil || host.ProviderHandle == nil || *host.ProviderHandle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := driver.Destroy(ctx, *host.ProviderHandle); err != nil {
		o.logger.WithFields(logging.Fields{
			"host_id":         host.ID,
			"provider":        host.Provider,
			"provider_handle": *host.ProviderHandle,
			"error":           err.Error(),
		}).Warn("Best-effort artifact destroy failed")
	}
}

func outcomeOf(err error) string {
	switch fleet.KindOf(err) {
	case fleet.KindNoCandidate:
		return outcomeNoCandidate
	case fleet.KindTimeout:
		return outcomeTimeout
	default:
		return outcomeFailed
	}
}
