package agentnode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/engine/pkg/task"
)

func TestAllocateAndRelease_TracksAvailability(t *testing.T) {
	n := New("node-1", []string{"http_fetch"}, task.ResourceRequirement{CPUCores: 2, MemoryMB: 1024}, 2)

	req := task.ResourceRequirement{CPUCores: 1, MemoryMB: 512}
	require.NoError(t, n.Allocate("t1", req))
	assert.Equal(t, 1, n.ActiveCount())

	require.NoError(t, n.Allocate("t2", req))
	assert.Equal(t, 2, n.ActiveCount())

	// third allocation should fail: concurrency cap reached.
	err := n.Allocate("t3", task.ResourceRequirement{CPUCores: 0.1})
	assert.Error(t, err)

	n.Release("t1", req)
	assert.Equal(t, 1, n.ActiveCount())
	assert.True(t, n.HasCapacity(req))
}

func TestFit_ZeroWhenCapabilityMissing(t *testing.T) {
	n := New("node-1", []string{"http_fetch"}, task.ResourceRequirement{}, 1)
	assert.Equal(t, 0.0, n.Fit("image_resize"))
	assert.Greater(t, n.Fit("http_fetch"), 0.0)
}

func TestFit_HigherWhenLessUtilised(t *testing.T) {
	n := New("node-1", []string{"http_fetch"}, task.ResourceRequirement{CPUCores: 4}, 4)
	n.Specialisation["http_fetch"] = 1.0
	idleFit := n.Fit("http_fetch")

	require.NoError(t, n.Allocate("t1", task.ResourceRequirement{CPUCores: 1}))
	require.NoError(t, n.Allocate("t2", task.ResourceRequirement{CPUCores: 1}))
	require.NoError(t, n.Allocate("t3", task.ResourceRequirement{CPUCores: 1}))
	busyFit := n.Fit("http_fetch")

	assert.Greater(t, idleFit, busyFit)
}
