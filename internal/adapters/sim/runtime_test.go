package sim

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse-gis/eemt/internal/core/domain"
	"github.com/cyverse-gis/eemt/internal/core/ports"
)

func simSpec(t *testing.T, wt domain.WorkflowType) ports.ExecSpec {
	t.Helper()
	return ports.ExecSpec{
		JobID:        "sim-test",
		WorkflowType: wt,
		DEMFilename:  "dem.tif",
		Parameters:   domain.Parameters{}.WithDefaults(),
		OutputDir:    t.TempDir(),
		TempDir:      t.TempDir(),
	}
}

func TestSim_EmitsProtocolAndArtifacts(t *testing.T) {
	rt := NewRuntime(0)
	spec := simSpec(t, domain.WorkflowSol)

	handle, err := rt.Start(context.Background(), spec)
	require.NoError(t, err)

	var sawProgress, sawCompleted bool
	scanner := bufio.NewScanner(handle.Output())
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "PROGRESS:") {
			sawProgress = true
		}
		if strings.HasPrefix(line, "COMPLETED:") {
			sawCompleted = true
		}
	}
	require.NoError(t, scanner.Err())
	assert.True(t, sawProgress)
	assert.True(t, sawCompleted)

	code, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, code)

	_, err = os.Stat(filepath.Join(spec.OutputDir, "global", "daily", "total_sun_day_001.tif"))
	assert.NoError(t, err)
}

func TestSim_EEMTAddsClimateArtifacts(t *testing.T) {
	rt := NewRuntime(0)
	spec := simSpec(t, domain.WorkflowEEMT)

	handle, err := rt.Start(context.Background(), spec)
	require.NoError(t, err)

	scanner := bufio.NewScanner(handle.Output())
	for scanner.Scan() {
	}

	code, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Zero(t, code)

	_, err = os.Stat(filepath.Join(spec.OutputDir, "eemt", "EEMT_Topo_jan_2020.tif"))
	assert.NoError(t, err)
}

func TestSim_StopReportsKilledExitCode(t *testing.T) {
	rt := NewRuntime(50 * time.Millisecond)
	spec := simSpec(t, domain.WorkflowSol)

	handle, err := rt.Start(context.Background(), spec)
	require.NoError(t, err)

	require.NoError(t, handle.Stop(context.Background(), time.Second))

	code, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 137, code)
}
