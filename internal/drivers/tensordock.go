package drivers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/clients/tensordock"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// DefaultTensorDockImage boots with NVIDIA drivers preinstalled; the
// streaming stack is layered on during environment configuration.
const DefaultTensorDockImage = "ubuntu-22.04-cuda"

// tensordockAPI is the slice of the TensorDock client the driver uses.
type tensordockAPI interface {
	Deploy(ctx context.Context, req tensordock.DeployRequest) (*tensordock.Server, error)
	GetServer(ctx context.Context, id string) (*tensordock.Server, error)
	StartServer(ctx context.Context, id string) error
	StopServer(ctx context.Context, id string) error
	DeleteServer(ctx context.Context, id string) error
}

// TensorDockDriver provisions hosts on the TensorDock marketplace. The
// environment configure step runs the streaming-stack installer over
// SSH via the CloudyPad CLI's ssh provider.
type TensorDockDriver struct {
	api          tensordockAPI
	configurator CommandRunner
	image        string
	sshUser      string
	sshKeyPath   string
	pollInterval time.Duration
	logger       logging.Logger
}

// TensorDockConfig wires a TensorDockDriver.
type TensorDockConfig struct {
	Client       *tensordock.Client
	Configurator CommandRunner // nil skips environment install (prebaked images)
	Image        string
	SSHUser      string
	SSHKeyPath   string
	Logger       logging.Logger
}

func NewTensorDockDriver(cfg TensorDockConfig) *TensorDockDriver {
	image := cfg.Image
	if image == "" {
		image = DefaultTensorDockImage
	}
	sshUser := cfg.SSHUser
	if sshUser == "" {
		sshUser = "ubuntu"
	}
	return &TensorDockDriver{
		api:          cfg.Client,
		configurator: cfg.Configurator,
		image:        image,
		sshUser:      sshUser,
		sshKeyPath:   cfg.SSHKeyPath,
		pollInterval: defaultPollInterval,
		logger:       cfg.Logger,
	}
}

func (d *TensorDockDriver) Name() string {
	return models.ProviderTensorDock
}

func (d *TensorDockDriver) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.NodeID == "" {
		return nil, fleet.E(fleet.KindInternal, "tensordock create requires a hostnode placement")
	}

	password := instancePassword()
	server, err := d.api.Deploy(ctx, tensordock.DeployRequest{
		HostnodeID:  req.NodeID,
		Name:        req.Name,
		Image:       d.image,
		VCPUs:       req.Spec.VCPUs,
		RAMGB:       req.Spec.RAMGB,
		StorageGB:   req.Spec.DiskGB,
		GPUModel:    req.GPUModel,
		GPUCount:    req.Spec.GPUCount,
		Password:    password,
		SSHKey:      req.SSHPublicKey,
		CloudInit:   req.CloudInit,
		DedicatedIP: true,
	})
	if err != nil {
		return nil, tensordockError(err, "deploy failed")
	}

	return &CreateResult{
		Handle: server.ID,
		Metadata: models.JSONB{
			"hostnode_id": req.NodeID,
			"image":       d.image,
			"gpu_model":   req.GPUModel,
			"cost_per_hr": server.CostPerHr,
			"password":    password,
		},
	}, nil
}

// instancePassword mints the per-host VM credential sent at deploy
// time. It is kept in provider metadata for operator access.
func instancePassword() string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 24)
	rand.Read(b)
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

func (d *TensorDockDriver) Describe(ctx context.Context, handle string) (*HostStatus, error) {
	server, err := d.api.GetServer(ctx, handle)
	if err != nil {
		return nil, tensordockError(err, fmt.Sprintf("describe %s failed", handle))
	}
	return &HostStatus{
		State:   TranslateTensorDock(server.Status),
		Address: server.IP,
	}, nil
}

func (d *TensorDockDriver) Start(ctx context.Context, handle string) error {
	if err := d.api.StartServer(ctx, handle); err != nil {
		return tensordockError(err, fmt.Sprintf("start %s failed", handle))
	}
	return nil
}

func (d *TensorDockDriver) Stop(ctx context.Context, handle string) error {
	if err := d.api.StopServer(ctx, handle); err != nil {
		return tensordockError(err, fmt.Sprintf("stop %s failed", handle))
	}
	return nil
}

func (d *TensorDockDriver) Destroy(ctx context.Context, handle string) error {
	err := d.api.DeleteServer(ctx, handle)
	if err == nil {
		return nil
	}
	mapped := tensordockError(err, fmt.Sprintf("destroy %s failed", handle))
	if fleet.KindOf(mapped) == fleet.KindNotFound {
		return nil
	}
	return mapped
}

func (d *TensorDockDriver) WaitReady(ctx context.Context, handle string, maxWait time.Duration) (*HostStatus, error) {
	return waitUntilRunning(ctx, d, handle, maxWait, d.pollInterval, d.logger)
}

// ConfigureEnvironment installs the streaming stack on the freshly
// booted machine through the CLI's ssh provider.
func (d *TensorDockDriver) ConfigureEnvironment(ctx context.Context, host *models.Host) error {
	if d.configurator == nil {
		if d.logger != nil {
			d.logger.WithFields(logging.Fields{
				"host_id": host.ID,
			}).Info("No configurator wired, assuming preconfigured image")
		}
		return nil
	}
	if host.Address == nil || *host.Address == "" {
		return fleet.E(fleet.KindInternal, "configure requires a host address")
	}

	args := []string{
		"create", "ssh",
		"--name", hostName(host),
		"--hostname", *host.Address,
		"--ssh-user", d.sshUser,
		"--yes", "--overwrite-existing",
	}
	if d.sshKeyPath != "" {
		args = append(args, "--ssh-private-key-path", d.sshKeyPath)
	}

	result, err := d.configurator.Run(ctx, args...)
	if err != nil {
		return fleet.ProviderFailure(err, false, "environment install could not run")
	}
	if result.ExitCode != 0 {
		return fleet.ProviderFailure(
			fmt.Errorf("installer exited %d: %s", result.ExitCode, tail(result.Output, 512)),
			false, "environment install failed")
	}
	return nil
}

// TranslateTensorDock maps a TensorDock server status to the shared
// vocabulary. The mapping is total: unrecognized statuses are unknown.
func TranslateTensorDock(status string) ProviderState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return StateRunning
	case "building":
		return StateCreating
	case "stopped":
		return StateStopped
	case "error":
		return StateFailed
	case "deleted":
		return StateDestroyed
	default:
		return StateUnknown
	}
}

func tensordockError(err error, detail string) error {
	var apiErr *tensordock.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusNotFound {
			return fleet.Wrap(fleet.KindNotFound, err, detail)
		}
		return fleet.ProviderFailure(err, apiErr.Retryable(), detail)
	}
	// Transport-level failures are worth retrying.
	return fleet.ProviderFailure(err, true, detail)
}

func hostName(host *models.Host) string {
	id := host.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "warden-" + id
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
