// Package drivers contains the provider adapters. Each adapter speaks
// one provider's control surface (REST or CLI) and translates vendor
// statuses into a shared lifecycle vocabulary. Adapters never retry:
// retry policy belongs to the orchestrator.
package drivers

import (
	"context"
	"time"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// ProviderState is the provider-side view of a host, reduced to the
// vocabulary every adapter can express.
type ProviderState string

const (
	StateCreating  ProviderState = "creating"
	StateRunning   ProviderState = "running"
	StateStopped   ProviderState = "stopped"
	StateFailed    ProviderState = "failed"
	StateDestroyed ProviderState = "destroyed"
	StateUnknown   ProviderState = "unknown"
)

// CreateRequest carries everything an adapter needs to provision a
// host. NodeID is set for inventory providers, Region for named-region
// providers.
type CreateRequest struct {
	Name             string
	Spec             models.TierSpec
	NodeID           string
	Region           string
	GPUModel         string
	SSHPublicKey     string
	CloudInit        string
	AutoStopTimeoutS int
}

// CreateResult is the provider's acknowledgement of a create call.
type CreateResult struct {
	Handle   string
	Metadata models.JSONB
}

// HostStatus is a point-in-time describe result.
type HostStatus struct {
	State   ProviderState
	Address string
}

// HostDriver is the contract both provider adapters implement.
//
// Destroy is idempotent: destroying a handle the provider no longer
// knows is not an error. Every other operation surfaces provider
// failures as fleet errors (ProviderError, NotFound, Timeout).
type HostDriver interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	Describe(ctx context.Context, handle string) (*HostStatus, error)
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string) error
	Destroy(ctx context.Context, handle string) error
	WaitReady(ctx context.Context, handle string, maxWait time.Duration) (*HostStatus, error)
	ConfigureEnvironment(ctx context.Context, host *models.Host) error
}

// defaultPollInterval is how often WaitReady re-describes a host.
const defaultPollInterval = 10 * time.Second

// DefaultWaitReady is the readiness ceiling applied when a profile does
// not override it.
const DefaultWaitReady = 10 * time.Minute

// waitUntilRunning polls describe until the host is running with an
// address. maxWait <= 0 times out immediately without issuing a single
// describe call.
func waitUntilRunning(ctx context.Context, d HostDriver, handle string, maxWait, interval time.Duration, logger logging.Logger) (*HostStatus, error) {
	if maxWait <= 0 {
		return nil, fleet.E(fleet.KindTimeout, "host %s not ready within %s", handle, maxWait)
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}

	deadline := time.Now().Add(maxWait)
	for {
		status, err := d.Describe(ctx, handle)
		switch {
		case err == nil && status.State == StateRunning && status.Address != "":
			return status, nil
		case err != nil && fleet.KindOf(err) == fleet.KindNotFound:
			// The host vanished on the provider side; waiting longer
			// cannot help.
			return nil, err
		case err != nil:
			if logger != nil {
				logger.WithFields(logging.Fields{
					"provider_handle": handle,
					"error":           err.Error(),
				}).Warn("Describe failed while waiting for readiness")
			}
		}

		if time.Now().After(deadline) {
			return nil, fleet.E(fleet.KindTimeout, "host %s not ready within %s", handle, maxWait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
