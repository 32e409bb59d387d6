package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSystemFireStopsAtFirstHandler(t *testing.T) {
	es := NewEventSystem()
	var calls []string

	require.True(t, es.Register(EVENT_CODE_RESIZED, "a", func(code SystemEventCode, sender, listener interface{}, data EventContext) bool {
		calls = append(calls, listener.(string))
		return data.Data.U32[0] == 640
	}))
	require.True(t, es.Register(EVENT_CODE_RESIZED, "b", func(code SystemEventCode, sender, listener interface{}, data EventContext) bool {
		calls = append(calls, listener.(string))
		return true
	}))
	assert.False(t, es.Register(EVENT_CODE_RESIZED, "a", nil), "duplicate listener")

	ctx := EventContext{}
	ctx.Data.U32[0] = 640
	assert.True(t, es.Fire(EVENT_CODE_RESIZED, nil, ctx))
	assert.Equal(t, []string{"a"}, calls)

	ctx.Data.U32[0] = 800
	assert.True(t, es.Fire(EVENT_CODE_RESIZED, nil, ctx))
	assert.Equal(t, []string{"a", "a", "b"}, calls)

	assert.True(t, es.Unregister(EVENT_CODE_RESIZED, "a"))
	assert.False(t, es.Unregister(EVENT_CODE_RESIZED, "a"))
	assert.False(t, es.Fire(EVENT_CODE_APPLICATION_QUIT, nil, EventContext{}))
}

func TestFrameMetricsAverage(t *testing.T) {
	m := NewFrameMetrics()
	for i := 0; i < int(AVG_COUNT); i++ {
		m.Update(0.010)
	}
	assert.InDelta(t, 10.0, m.FrameTime(), 1e-9)
	assert.Equal(t, uint64(AVG_COUNT), m.TotalFrames)

	for i := 0; i < 100; i++ {
		m.Update(0.020)
	}
	fps, avg := m.Frame()
	assert.InDelta(t, 20.0, avg, 1e-9)
	assert.Greater(t, fps, 0.0)
}

func TestSetLogLevel(t *testing.T) {
	require.NoError(t, SetLogLevel("warn"))
	assert.Error(t, SetLogLevel("loud"))
	require.NoError(t, SetLogLevel("debug"))
}
