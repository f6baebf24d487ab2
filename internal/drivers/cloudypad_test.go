package drivers

import (
	"context"
	"strings"
	"testing"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/models"
)

type fakeRunner struct {
	results []*CommandResult
	errs    []error
	calls   [][]string
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) (*CommandResult, error) {
	i := len(f.calls)
	f.calls = append(f.calls, args)

	var res *CommandResult
	if i < len(f.results) {
		res = f.results[i]
	} else if len(f.results) > 0 {
		res = f.results[len(f.results)-1]
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if res == nil {
		res = &CommandResult{}
	}
	return res, err
}

func retroCreateRequest() CreateRequest {
	spec, _ := models.SpecForTier(models.TierRetro)
	return CreateRequest{
		Name:             "warden-abc12345",
		Spec:             spec,
		Region:           "us-central1",
		AutoStopTimeoutS: 600,
	}
}

func TestCloudyPadCreate(t *testing.T) {
	runner := &fakeRunner{results: []*CommandResult{{ExitCode: 0, Output: "deployed ok"}}}
	d := NewCloudyPadDriver(CloudyPadConfig{Runner: runner})

	result, err := d.Create(context.Background(), retroCreateRequest())
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if result.Handle != "warden-abc12345" {
		t.Fatalf("handle should be the instance name, got %s", result.Handle)
	}
	if result.Metadata["region"] != "us-central1" {
		t.Fatalf("metadata missing region: %+v", result.Metadata)
	}
	if result.Metadata["output_tail"] != "deployed ok" {
		t.Fatalf("metadata missing output tail: %+v", result.Metadata)
	}

	args := strings.Join(runner.calls[0], " ")
	for _, want := range []string{"create gcp", "--name warden-abc12345", "--cpu 2", "--memory 4", "--region us-central1", "--auto-stop-timeout 600", "--yes"} {
		if !strings.Contains(args, want) {
			t.Errorf("expected %q in args %q", want, args)
		}
	}
}

func TestCloudyPadCreateFailure(t *testing.T) {
	runner := &fakeRunner{results: []*CommandResult{{ExitCode: 1, Output: "quota exceeded in region"}}}
	d := NewCloudyPadDriver(CloudyPadConfig{Runner: runner})

	_, err := d.Create(context.Background(), retroCreateRequest())
	if fleet.KindOf(err) != fleet.KindProviderError {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if fleet.IsRetryable(err) {
		t.Fatal("CLI failures are not retryable")
	}
}

func TestCloudyPadCreateWithoutRegion(t *testing.T) {
	d := NewCloudyPadDriver(CloudyPadConfig{Runner: &fakeRunner{}})
	req := retroCreateRequest()
	req.Region = ""
	if _, err := d.Create(context.Background(), req); err == nil {
		t.Fatal("expected error without region placement")
	}
}

func TestCloudyPadDescribe(t *testing.T) {
	runner := &fakeRunner{results: []*CommandResult{{
		ExitCode: 0,
		Output:   "Reading config...\n{\"name\":\"warden-abc12345\",\"status\":\"running\",\"ip\":\"34.0.0.9\"}",
	}}}
	d := NewCloudyPadDriver(CloudyPadConfig{Runner: runner})

	status, err := d.Describe(context.Background(), "warden-abc12345")
	if err != nil {
		t.Fatalf("describe error: %v", err)
	}
	if status.State != StateRunning {
		t.Fatalf("expected running, got %s", status.State)
	}
	if status.Address != "34.0.0.9" {
		t.Fatalf("expected address, got %q", status.Address)
	}
}

func TestCloudyPadDescribeNotFound(t *testing.T) {
	runner := &fakeRunner{results: []*CommandResult{{ExitCode: 1, Output: "error: instance not found"}}}
	d := NewCloudyPadDriver(CloudyPadConfig{Runner: runner})

	_, err := d.Describe(context.Background(), "warden-gone")
	if fleet.KindOf(err) != fleet.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCloudyPadDescribeGarbageOutput(t *testing.T) {
	runner := &fakeRunner{results: []*CommandResult{{ExitCode: 0, Output: "no json here"}}}
	d := NewCloudyPadDriver(CloudyPadConfig{Runner: runner})

	_, err := d.Describe(context.Background(), "warden-abc")
	if fleet.KindOf(err) != fleet.KindProviderError {
		t.Fatalf("expected ProviderError for unparseable output, got %v", err)
	}
}

func TestCloudyPadStopAndStart(t *testing.T) {
	runner := &fakeRunner{results: []*CommandResult{{ExitCode: 0}, {ExitCode: 0}}}
	d := NewCloudyPadDriver(CloudyPadConfig{Runner: runner})

	if err := d.Stop(context.Background(), "warden-abc"); err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if err := d.Start(context.Background(), "warden-abc"); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if runner.calls[0][0] != "stop" || runner.calls[1][0] != "start" {
		t.Fatalf("unexpected verbs: %v", runner.calls)
	}
}

func TestCloudyPadDestroyIdempotent(t *testing.T) {
	runner := &fakeRunner{results: []*CommandResult{{ExitCode: 1, Output: "no such instance"}}}
	d := NewCloudyPadDriver(CloudyPadConfig{Runner: runner})

	if err := d.Destroy(context.Background(), "warden-gone"); err != nil {
		t.Fatalf("destroy of unknown instance must be ok, got %v", err)
	}
}

func TestTranslateCloudyPad(t *testing.T) {
	tests := []struct {
		vendor string
		want   ProviderState
	}{
		{"provisioning", StateCreating},
		{"starting", StateCreating},
		{"configuring", StateCreating},
		{"running", StateRunning},
		{"stopped", StateStopped},
		{"error", StateFailed},
		{"failed", StateFailed},
		{"destroyed", StateDestroyed},
		{"terminated", StateDestroyed},
		{"Running", StateRunning},
		{"weird", StateUnknown},
		{"", StateUnknown},
	}
	for _, tt := range tests {
		if got := TranslateCloudyPad(tt.vendor); got != tt.want {
			t.Errorf("translate(%q) = %s, want %s", tt.vendor, got, tt.want)
		}
	}
}
