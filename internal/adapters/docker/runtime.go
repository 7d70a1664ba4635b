// Package docker runs workflow execution units as Docker containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/cyverse-gis/eemt/internal/core/domain"
	"github.com/cyverse-gis/eemt/internal/core/ports"
)

const (
	DefaultImage = "eemt:ubuntu24.04"

	containerInput  = "/data/input"
	containerOutput = "/data/output"
	containerTemp   = "/data/temp"
	containerCache  = "/data/cache"
)

type Runtime struct {
	cli   *client.Client
	image string
}

var _ ports.Runtime = (*Runtime)(nil)

func NewRuntime(imageName string) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if imageName == "" {
		imageName = DefaultImage
	}
	return &Runtime{cli: cli, image: imageName}, nil
}

func (r *Runtime) Name() string { return "docker" }

// Available checks that the daemon answers and the workflow image is
// present. The image is several GB of GRASS/GDAL tooling, so it is
// never pulled implicitly.
func (r *Runtime) Available(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker daemon unreachable: %v", domain.ErrBackendUnavailable, err)
	}

	images, err := r.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", r.image)),
	})
	if err != nil {
		return fmt.Errorf("%w: image query failed: %v", domain.ErrBackendUnavailable, err)
	}
	if len(images) == 0 {
		return fmt.Errorf("%w: image %s not found", domain.ErrBackendUnavailable, r.image)
	}
	return nil
}

func (r *Runtime) Start(ctx context.Context, spec ports.ExecSpec) (ports.ExecutionHandle, error) {
	params := spec.Parameters

	cfg := &container.Config{
		Image: r.image,
		Cmd:   workflowCommand(spec),
		Env:   workflowEnv(params),
		// Tty collapses stdout/stderr into one plain stream, which is
		// what the line-oriented protocol reader expects.
		Tty: true,
		Labels: map[string]string{
			"eemt.managed": "true",
			"eemt.job_id":  string(spec.JobID),
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.InputDir, Target: containerInput, ReadOnly: true},
			{Type: mount.TypeBind, Source: spec.OutputDir, Target: containerOutput},
			{Type: mount.TypeBind, Source: spec.TempDir, Target: containerTemp},
			{Type: mount.TypeBind, Source: spec.CacheDir, Target: containerCache},
		},
		Resources: container.Resources{
			NanoCPUs: int64(params.NumThreads) * 1e9,
			Memory:   int64(params.MemoryLimitMB) * 1024 * 1024,
		},
	}

	name := containerName(spec.JobID)
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := r.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to attach to container logs: %w", err)
	}

	return &handle{cli: r.cli, containerID: resp.ID, logs: logs}, nil
}

func containerName(id domain.JobID) string {
	s := string(id)
	if len(s) > 8 {
		s = s[:8]
	}
	return "eemt-job-" + s
}

func workflowCommand(spec ports.ExecSpec) []string {
	p := spec.Parameters
	cmd := []string{
		"python", fmt.Sprintf("/opt/eemt/bin/run-%s-workflow.py", workflowScript(spec.WorkflowType)),
		"--dem", containerInput + "/" + spec.DEMFilename,
		"--output", containerOutput,
	}
	if spec.WorkflowType == domain.WorkflowEEMT {
		cmd = append(cmd,
			"--start-year", strconv.Itoa(p.StartYear),
			"--end-year", strconv.Itoa(p.EndYear),
		)
	}
	cmd = append(cmd,
		"--step", strconv.FormatFloat(p.Step, 'f', -1, 64),
		"--linke-value", strconv.FormatFloat(p.LinkeValue, 'f', -1, 64),
		"--albedo-value", strconv.FormatFloat(p.AlbedoValue, 'f', -1, 64),
		"--num-threads", strconv.Itoa(p.NumThreads),
		"--job-id", string(spec.JobID),
	)
	return cmd
}

func workflowScript(wt domain.WorkflowType) string {
	if wt == domain.WorkflowEEMT {
		return "eemt"
	}
	return "solar"
}

func workflowEnv(p domain.Parameters) []string {
	return []string{
		"PYTHONUNBUFFERED=1",
		fmt.Sprintf("EEMT_NUM_THREADS=%d", p.NumThreads),
		fmt.Sprintf("EEMT_STEP=%g", p.Step),
		fmt.Sprintf("EEMT_LINKE_VALUE=%g", p.LinkeValue),
		fmt.Sprintf("EEMT_ALBEDO_VALUE=%g", p.AlbedoValue),
		fmt.Sprintf("EEMT_MEMORY_LIMIT=%dM", p.MemoryLimitMB),
		"GRASS_BATCH_JOB=true",
		"GRASS_MESSAGE_FORMAT=plain",
		"GRASS_VERBOSE=1",
		fmt.Sprintf("MAKEFLOW_MAX_REMOTE_JOBS=%d", p.NumThreads),
	}
}

type handle struct {
	cli         *client.Client
	containerID string
	logs        io.ReadCloser
}

func (h *handle) Output() io.ReadCloser { return h.logs }

func (h *handle) Wait(ctx context.Context) (int, error) {
	waitCh, errCh := h.cli.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("container wait failed: %w", err)
	case resp := <-waitCh:
		_ = h.cli.ContainerRemove(context.Background(), h.containerID, container.RemoveOptions{Force: true})
		return int(resp.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Stop asks the daemon to SIGTERM the container, escalating to SIGKILL
// after the grace period, then removes it.
func (h *handle) Stop(ctx context.Context, grace time.Duration) error {
	secs := int(grace / time.Second)
	if err := h.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &secs}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := h.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}
