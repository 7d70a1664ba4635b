// Package sim fabricates a deterministic workflow run for environments
// without a real execution backend. It must be selected explicitly;
// the engine never falls back to it on its own.
package sim

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cyverse-gis/eemt/internal/core/domain"
	"github.com/cyverse-gis/eemt/internal/core/ports"
)

var solStages = []string{
	"Initializing GRASS environment",
	"Loading DEM data",
	"Setting up coordinate system",
	"Calculating solar positions",
	"Processing daily calculations",
	"Generating intermediate results",
	"Aggregating monthly data",
	"Finalizing outputs",
	"Cleaning up temporary files",
}

var eemtStages = []string{
	"Downloading climate data",
	"Processing DAYMET integration",
	"Calculating EEMT values",
	"Generating final EEMT maps",
}

var solArtifacts = []string{
	"global/daily/total_sun_day_001.tif",
	"global/monthly/total_sun_jan_sum.tif",
	"insol/daily/hours_sun_day_001.tif",
}

var eemtArtifacts = []string{
	"eemt/EEMT_Topo_jan_2020.tif",
	"eemt/EEMT_Trad_jan_2020.tif",
}

type Runtime struct {
	// StepDelay paces the fabricated progress sequence. Zero means no
	// delay, which tests rely on.
	StepDelay time.Duration
}

var _ ports.Runtime = (*Runtime)(nil)

func NewRuntime(stepDelay time.Duration) *Runtime {
	return &Runtime{StepDelay: stepDelay}
}

func (r *Runtime) Name() string { return "sim" }

func (r *Runtime) Available(ctx context.Context) error { return nil }

func (r *Runtime) Start(ctx context.Context, spec ports.ExecSpec) (ports.ExecutionHandle, error) {
	pr, pw := io.Pipe()
	h := &handle{output: pr, cancel: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer pw.Close()

		stages := solStages
		artifacts := solArtifacts
		if spec.WorkflowType == domain.WorkflowEEMT {
			stages = append(append([]string{}, solStages...), eemtStages...)
			artifacts = append(append([]string{}, solArtifacts...), eemtArtifacts...)
		}

		emit := func(line string) bool {
			select {
			case <-h.cancel:
				return false
			default:
			}
			if _, err := fmt.Fprintln(pw, line); err != nil {
				return false
			}
			if r.StepDelay > 0 {
				select {
				case <-time.After(r.StepDelay):
				case <-h.cancel:
					return false
				}
			}
			return true
		}

		if !emit("STATUS: Simulated workflow starting") {
			return
		}
		for i, stage := range stages {
			pct := (i + 1) * 100 / len(stages)
			if !emit(fmt.Sprintf("PROGRESS: %d%% (%d/%d tasks)", pct, i+1, len(stages))) {
				return
			}
			if !emit("STATUS: " + stage) {
				return
			}
		}

		if err := writeArtifacts(spec, artifacts); err != nil {
			h.exitCode = 1
			emit("ERROR: failed to write placeholder artifacts: " + err.Error())
			return
		}

		emit("COMPLETED: Simulated workflow finished successfully")
	}()

	return h, nil
}

func writeArtifacts(spec ports.ExecSpec, names []string) error {
	for _, name := range names {
		path := filepath.Join(spec.OutputDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		content := fmt.Sprintf("Placeholder %s result\nJob ID: %s\nDEM: %s\n",
			spec.WorkflowType, spec.JobID, spec.DEMFilename)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type handle struct {
	output   *io.PipeReader
	cancel   chan struct{}
	done     chan struct{}
	exitCode int
	stopped  bool
}

func (h *handle) Output() io.ReadCloser { return h.output }

func (h *handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		if h.stopped {
			return 137, nil
		}
		return h.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (h *handle) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-h.cancel:
	default:
		h.stopped = true
		close(h.cancel)
	}
	h.output.CloseWithError(io.EOF)
	return nil
}
