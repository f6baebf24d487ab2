package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// CloudyPadDriver provisions hosts through the CloudyPad CLI, which
// deploys the full streaming stack as part of create. Hosts are keyed
// by instance name on the provider side.
type CloudyPadDriver struct {
	runner       CommandRunner
	cloud        string
	pollInterval time.Duration
	logger       logging.Logger
}

// CloudyPadConfig wires a CloudyPadDriver.
type CloudyPadConfig struct {
	Runner CommandRunner
	Cloud  string // target cloud for create, default gcp
	Logger logging.Logger
}

func NewCloudyPadDriver(cfg CloudyPadConfig) *CloudyPadDriver {
	cloud := cfg.Cloud
	if cloud == "" {
		cloud = "gcp"
	}
	return &CloudyPadDriver{
		runner:       cfg.Runner,
		cloud:        cloud,
		pollInterval: defaultPollInterval,
		logger:       cfg.Logger,
	}
}

func (d *CloudyPadDriver) Name() string {
	return models.ProviderCloudyPad
}

func (d *CloudyPadDriver) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.Name == "" {
		return nil, fleet.E(fleet.KindInternal, "cloudypad create requires an instance name")
	}
	region := req.Region
	if region == "" {
		return nil, fleet.E(fleet.KindInternal, "cloudypad create requires a region placement")
	}

	args := []string{
		"create", d.cloud,
		"--name", req.Name,
		"--cpu", strconv.Itoa(req.Spec.VCPUs),
		"--memory", strconv.Itoa(req.Spec.RAMGB),
		"--region", region,
		"--yes",
	}
	if req.AutoStopTimeoutS > 0 {
		args = append(args, "--auto-stop-timeout", strconv.Itoa(req.AutoStopTimeoutS))
	}

	result, err := d.runner.Run(ctx, args...)
	if err != nil {
		return nil, fleet.ProviderFailure(err, false, "cloudypad create could not run")
	}
	if result.ExitCode != 0 {
		return nil, fleet.ProviderFailure(
			fmt.Errorf("cloudypad create exited %d: %s", result.ExitCode, tail(result.Output, 512)),
			false, "cloudypad create failed")
	}

	return &CreateResult{
		Handle: req.Name,
		Metadata: models.JSONB{
			"cloud":       d.cloud,
			"region":      region,
			"output_tail": tail(result.Output, 2048),
		},
	}, nil
}

func (d *CloudyPadDriver) Describe(ctx context.Context, handle string) (*HostStatus, error) {
	result, err := d.runner.Run(ctx, "describe", "--name", handle, "--format", "json")
	if err != nil {
		return nil, fleet.ProviderFailure(err, false, "cloudypad describe could not run")
	}
	if result.ExitCode != 0 {
		if isNotFoundOutput(result.Output) {
			return nil, fleet.E(fleet.KindNotFound, "instance %s not known to cloudypad", handle)
		}
		return nil, fleet.ProviderFailure(
			fmt.Errorf("cloudypad describe exited %d: %s", result.ExitCode, tail(result.Output, 512)),
			false, "cloudypad describe failed")
	}

	desc, err := parseDescribeOutput(result.Output)
	if err != nil {
		return nil, fleet.ProviderFailure(err, false, "cloudypad describe output unreadable")
	}
	return &HostStatus{
		State:   TranslateCloudyPad(desc.Status),
		Address: desc.IP,
	}, nil
}

func (d *CloudyPadDriver) Start(ctx context.Context, handle string) error {
	return d.action(ctx, "start", handle)
}

func (d *CloudyPadDriver) Stop(ctx context.Context, handle string) error {
	return d.action(ctx, "stop", handle)
}

func (d *CloudyPadDriver) Destroy(ctx context.Context, handle string) error {
	result, err := d.runner.Run(ctx, "destroy", "--name", handle, "--yes")
	if err != nil {
		return fleet.ProviderFailure(err, false, "cloudypad destroy could not run")
	}
	if result.ExitCode != 0 {
		if isNotFoundOutput(result.Output) {
			return nil
		}
		return fleet.ProviderFailure(
			fmt.Errorf("cloudypad destroy exited %d: %s", result.ExitCode, tail(result.Output, 512)),
			false, "cloudypad destroy failed")
	}
	return nil
}

func (d *CloudyPadDriver) WaitReady(ctx context.Context, handle string, maxWait time.Duration) (*HostStatus, error) {
	return waitUntilRunning(ctx, d, handle, maxWait, d.pollInterval, d.logger)
}

// ConfigureEnvironment is a no-op: cloudypad create already installs
// the streaming stack.
func (d *CloudyPadDriver) ConfigureEnvironment(ctx context.Context, host *models.Host) error {
	if d.logger != nil {
		d.logger.WithFields(logging.Fields{
			"host_id": host.ID,
		}).Debug("Environment installed during create, skipping configure")
	}
	return nil
}

func (d *CloudyPadDriver) action(ctx context.Context, verb, handle string) error {
	result, err := d.runner.Run(ctx, verb, "--name", handle, "--yes")
	if err != nil {
		return fleet.ProviderFailure(err, false, fmt.Sprintf("cloudypad %s could not run", verb))
	}
	if result.ExitCode != 0 {
		if isNotFoundOutput(result.Output) {
			return fleet.E(fleet.KindNotFound, "instance %s not known to cloudypad", handle)
		}
		return fleet.ProviderFailure(
			fmt.Errorf("cloudypad %s exited %d: %s", verb, result.ExitCode, tail(result.Output, 512)),
			false, fmt.Sprintf("cloudypad %s failed", verb))
	}
	return nil
}

type cloudypadDescribe struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	IP     string `json:"ip"`
}

// parseDescribeOutput tolerates log lines before the JSON document;
// the ring buffer keeps the tail, and the document is printed last.
func parseDescribeOutput(output string) (*cloudypadDescribe, error) {
	idx := strings.Index(output, "{")
	if idx < 0 {
		return nil, fmt.Errorf("no JSON document in describe output")
	}
	var desc cloudypadDescribe
	if err := json.Unmarshal([]byte(output[idx:]), &desc); err != nil {
		return nil, fmt.Errorf("failed to decode describe output: %w", err)
	}
	return &desc, nil
}

func isNotFoundOutput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "not found") || strings.Contains(lower, "no such instance")
}

// TranslateCloudyPad maps a CloudyPad instance status to the shared
// vocabulary. The mapping is total: unrecognized statuses are unknown.
func TranslateCloudyPad(status string) ProviderState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "provisioning", "starting", "configuring":
		return StateCreating
	case "running":
		return StateRunning
	case "stopped":
		return StateStopped
	case "error", "failed":
		return StateFailed
	case "destroyed", "deleted", "terminated":
		return StateDestroyed
	default:
		return StateUnknown
	}
}
