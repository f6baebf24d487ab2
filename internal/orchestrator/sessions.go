package orchestrator

import (
	"context"
	"time"

	"github.com/nyc-design/Gamer/internal/drivers"
	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/events"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// stoppableStates are the serving states a stop may act on.
var stoppableStates = []models.LifecycleState{models.StateReady, models.StateRunning, models.StateIdle}

// DescribeSession returns the host record behind the session detail API.
func (o *Orchestrator) DescribeSession(ctx context.Context, hostID string) (*models.Host, error) {
	return o.store.GetHost(ctx, hostID)
}

// ListSessions returns every host the user owns, newest first.
func (o *Orchestrator) ListSessions(ctx context.Context, userID string) ([]models.Host, error) {
	if userID == "" {
		return nil, fleet.E(fleet.KindBadRequest, "user_id is required")
	}
	return o.store.ListHostsByUser(ctx, userID)
}

// StopSession parks a serving host in STOPPED and stops the provider
// instance off the request path. Stopping an already-stopped host is a
// no-op; DESTROYED and FAILED hosts report Gone; hosts still
// provisioning report Conflict.
func (o *Orchestrator) StopSession(ctx context.Context, hostID string) (*models.Host, error) {
	return o.stop(ctx, hostID, "stop requested")
}

// StopHost is the supervisor-facing stop (idle timeout, session
// ceiling, spend drain).
func (o *Orchestrator) StopHost(ctx context.Context, hostID, reason string) error {
	_, err := o.stop(ctx, hostID, reason)
	return err
}

func (o *Orchestrator) stop(ctx context.Context, hostID, reason string) (*models.Host, error) {
	host, err := o.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	switch {
	case host.State == models.StateStopped:
		return host, nil
	case host.State.Terminal():
		return nil, fleet.E(fleet.KindGone, "host %s is %s", hostID, host.State)
	case !host.State.Serving():
		return nil, fleet.E(fleet.KindConflict, "host %s is still %s", hostID, host.State)
	}

	prev := host.State
	if err := o.store.TransitionState(ctx, hostID, stoppableStates, models.StateStopped); err != nil {
		if fleet.KindOf(err) == fleet.KindConflict {
			// Concurrent stops collapse onto the winner's result.
			fresh, gerr := o.store.GetHost(ctx, hostID)
			if gerr == nil && fresh.State == models.StateStopped {
				return fresh, nil
			}
		}
		return nil, err
	}

	host.State = models.StateStopped
	o.publish(events.NewStateChanged(host, prev, models.StateStopped, reason))
	if prev == models.StateRunning || prev == models.StateIdle {
		o.publish(events.NewSessionEnded(host, reason))
	}
	o.logger.WithFields(logging.Fields{
		"host_id":  host.ID,
		"provider": host.Provider,
		"reason":   reason,
	}).Info("Host stopped")

	o.asyncProviderStop(host)
	return host, nil
}

// DestroySession tears a host down from any state. In-flight
// provisioning is interrupted and discards its own work; FAILED hosts
// get a best-effort provider destroy without a state change so the
// failure stays visible; repeat destroys are no-ops.
func (o *Orchestrator) DestroySession(ctx context.Context, hostID string) (*models.Host, error) {
	return o.destroy(ctx, hostID, "destroy requested")
}

// DestroyHost is the supervisor-facing destroy (stopped-host TTL sweep).
func (o *Orchestrator) DestroyHost(ctx context.Context, hostID, reason string) error {
	_, err := o.destroy(ctx, hostID, reason)
	return err
}

func (o *Orchestrator) destroy(ctx context.Context, hostID, reason string) (*models.Host, error) {
	host, err := o.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	if host.State == models.StateDestroyed {
		return host, nil
	}

	if host.State == models.StateFailed {
		o.asyncProviderDestroy(host)
		return host, nil
	}

	prev := host.State
	from := append(models.ActiveStates(), models.StateStopped)
	if err := o.store.TransitionState(ctx, hostID, from, models.StateDestroyed); err != nil {
		if fleet.KindOf(err) == fleet.KindConflict {
			fresh, gerr := o.store.GetHost(ctx, hostID)
			if gerr == nil {
				switch fresh.State {
				case models.StateDestroyed:
					return fresh, nil
				case models.StateFailed:
					o.asyncProviderDestroy(fresh)
					return fresh, nil
				}
			}
		}
		return nil, err
	}

	// The row is DESTROYED first, then any in-flight provisioning task
	// is woken: it observes the terminal row and clears the artifact it
	// holds, which may not be persisted yet.
	interrupted := o.cancelProvisioning(hostID)

	host.State = models.StateDestroyed
	o.publish(events.NewStateChanged(host, prev, models.StateDestroyed, reason))
	if prev == models.StateRunning || prev == models.StateIdle {
		o.publish(events.NewSessionEnded(host, reason))
	}
	o.logger.WithFields(logging.Fields{
		"host_id":  host.ID,
		"provider": host.Provider,
		"reason":   reason,
	}).Info("Host destroyed")

	if !interrupted {
		o.asyncProviderDestroy(host)
	}
	return host, nil
}

// FailHost parks a host in FAILED (orphaned artifact, repeated probe
// failures) and clears its provider artifact. The compare-and-set
// guarantees the destroy fires exactly once: repeat calls observe
// FAILED and do nothing.
func (o *Orchestrator) FailHost(ctx context.Context, hostID, reason string) error {
	host, err := o.store.GetHost(ctx, hostID)
	if err != nil {
		return err
	}
	if host.State.Terminal() {
		return nil
	}

	prev := host.State
	if err := o.store.MarkFailed(ctx, hostID, reason); err != nil {
		if fleet.KindOf(err) == fleet.KindConflict {
			fresh, gerr := o.store.GetHost(ctx, hostID)
			if gerr == nil && (fresh.State == models.StateFailed || fresh.State == models.StateDestroyed) {
				return nil
			}
		}
		return err
	}

	host.State = models.StateFailed
	o.publish(events.NewStateChanged(host, prev, models.StateFailed, reason))
	if prev == models.StateRunning || prev == models.StateIdle {
		o.publish(events.NewSessionEnded(host, reason))
	}
	o.logger.WithFields(logging.Fields{
		"host_id":  host.ID,
		"provider": host.Provider,
		"reason":   reason,
	}).Warn("Host failed")

	o.asyncProviderDestroy(host)
	return nil
}

// IdleHost parks RUNNING -> IDLE on behalf of the supervisor when the
// agent reports no connected clients. Already-idle hosts are a no-op.
func (o *Orchestrator) IdleHost(ctx context.Context, hostID string, since time.Time) error {
	host, err := o.store.GetHost(ctx, hostID)
	if err != nil {
		return err
	}
	if host.State == models.StateIdle {
		return nil
	}

	if err := o.store.MarkIdle(ctx, hostID, since); err != nil {
		if fleet.KindOf(err) == fleet.KindConflict {
			fresh, gerr := o.store.GetHost(ctx, hostID)
			if gerr == nil && fresh.State == models.StateIdle {
				return nil
			}
		}
		return err
	}
	o.publish(events.NewStateChanged(host, models.StateRunning, models.StateIdle, "no connected clients"))
	return nil
}

// asyncProviderStop stops the provider instance off the request path.
func (o *Orchestrator) asyncProviderStop(host *models.Host) {
	o.providerCall(host, "stop", func(ctx context.Context, d drivers.HostDriver, handle string) error {
		return d.Stop(ctx, handle)
	})
}

// asyncProviderDestroy destroys the provider artifact off the request
// path. Destroy is idempotent at the driver level, so repeats are safe.
func (o *Orchestrator) asyncProviderDestroy(host *models.Host) {
	o.providerCall(host, "destroy", func(ctx context.Context, d drivers.HostDriver, handle string) error {
		return d.Destroy(ctx, handle)
	})
}

// providerCall runs one provider-side operation in the background.
// Hosts without a persisted handle have nothing to act on; failures are
// logged and left to the supervisor's sweeps.
func (o *Orchestrator) providerCall(host *models.Host, op string, fn func(context.Context, drivers.HostDriver, string) error) {
	if host.ProviderHandle == nil || *host.ProviderHandle == "" {
		return
	}
	handle := *host.ProviderHandle

	driver, err := o.driverFor(host.Provider)
	if err != nil {
		o.logger.WithFields(logging.Fields{
			"host_id":  host.ID,
			"provider": host.Provider,
			"op":       op,
		}).Warn("No driver registered for provider call")
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := fn(ctx, driver, handle); err != nil {
			o.logger.WithFields(logging.Fields{
				"host_id":         host.ID,
				"provider":        host.Provider,
				"provider_handle": handle,
				"op":              op,
				"error":           err.Error(),
			}).Warn("Provider call failed")
		}
	}()
}
