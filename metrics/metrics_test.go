package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/gputest"
	"github.com/gogpu/gpures/pool"
)

type fixedSource gpures.Stats

func (f fixedSource) Stats() gpures.Stats { return gpures.Stats(f) }

func TestCollector_Values(t *testing.T) {
	src := fixedSource{
		Frames:          12,
		BindingCapacity: 64,
		BindingsUsed:    16,
		PackedResizes:   3,
		Buffers:         pool.Stats{Live: 5, Free: 59},
	}
	src.Queue.Stalls = 2
	c := NewCollector(src, prometheus.Labels{"device": "test"})

	// 16 scalar series plus 3 pools x 3 states.
	assert.Equal(t, 16+9, testutil.CollectAndCount(c))

	expected := `
# HELP gpures_frames_begun_total Frames begun.
# TYPE gpures_frames_begun_total counter
gpures_frames_begun_total{device="test"} 12
# HELP gpures_bindings_used Allocated binding table slots.
# TYPE gpures_bindings_used gauge
gpures_bindings_used{device="test"} 16
# HELP gpures_frames_stalls_total BeginFrame calls that waited for the GPU.
# TYPE gpures_frames_stalls_total counter
gpures_frames_stalls_total{device="test"} 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"gpures_frames_begun_total", "gpures_bindings_used", "gpures_frames_stalls_total"))

	pools := `
# HELP gpures_pool_slots Resource pool slots by pool and state.
# TYPE gpures_pool_slots gauge
gpures_pool_slots{device="test",pool="buffers",state="free"} 59
gpures_pool_slots{device="test",pool="buffers",state="live"} 5
gpures_pool_slots{device="test",pool="buffers",state="retired"} 0
gpures_pool_slots{device="test",pool="materials",state="free"} 0
gpures_pool_slots{device="test",pool="materials",state="live"} 0
gpures_pool_slots{device="test",pool="materials",state="retired"} 0
gpures_pool_slots{device="test",pool="meshes",state="free"} 0
gpures_pool_slots{device="test",pool="meshes",state="live"} 0
gpures_pool_slots{device="test",pool="meshes",state="retired"} 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(pools), "gpures_pool_slots"))
}

func TestCollector_Lint(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewCollector(fixedSource{}))
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestCollector_RegistersWithManager(t *testing.T) {
	m, err := gpures.NewManager(gputest.NewDevice(), gputest.NewQueue(true))
	require.NoError(t, err)
	defer m.Close(context.Background())

	ctx := context.Background()
	for range 3 {
		fc, err := m.BeginFrame(ctx)
		require.NoError(t, err)
		_, err = m.EndFrame(fc)
		require.NoError(t, err)
	}

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(m)))
	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		if len(f.GetMetric()) == 1 {
			m := f.GetMetric()[0]
			switch {
			case m.GetCounter() != nil:
				values[f.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[f.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(3), values["gpures_frames_begun_total"])
	assert.Equal(t, float64(3), values["gpures_fence_submitted"])
	assert.Equal(t, float64(gpucore.FenceValue(3)), values["gpures_fence_completed"])
}
