package internal_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_LivenessAndBroadcastCounters(t *testing.T) {
	env := newTestEnv(t)
	monitor := env.hub.Monitor()

	a := env.dial(t)
	code := a.createRoom("alice")
	b := env.dial(t)
	b.joinRoom("bob", code)
	a.expect("user-joined")

	b.send(map[string]string{"type": "message", "text": "hi"})
	a.expect("message")

	monitor.Sweep()
	assert.Equal(t, 2, monitor.Sweep(), "neither client answers pings")
	waitForRoom(t, env.registry, code, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.LivenessEvictions))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.SessionsOpened))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.SessionsClosed.WithLabelValues("liveness_timeout")))
	// user-joined 與 message 各投遞一次；驅逐時對方可能已關閉
	assert.GreaterOrEqual(t, testutil.ToFloat64(env.metrics.Deliveries), 2.0)
}

func TestMetrics_Gauges(t *testing.T) {
	env := newTestEnv(t)

	count, err := testutil.GatherAndCount(env.metrics.Gatherer(), "roomrelay_rooms", "roomrelay_sessions", "roomrelay_room_members")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
