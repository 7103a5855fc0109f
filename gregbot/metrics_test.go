package gregbot

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics
	assert.NotPanics(
		t, func() {
			m.messageOutcome(StateReplied)
			m.completion("ok", time.Second)
			m.replySent()
			m.configMutation("set")
			m.command("help", "ok")
			m.apiRequest("GET", "/healthz", 200)
		},
	)
}

func TestMetrics_Dispatch(t *testing.T) {
	m, err := newMetrics()
	require.NoError(t, err)

	d, _, completer := newTestDispatcher(t)
	d.metrics = m
	d.store.metrics = m

	_, err = d.HandleMessage(context.Background(), testMessage("greg?"))
	require.NoError(t, err)
	_, err = d.HandleMessage(context.Background(), testMessage("nothing to see"))
	require.NoError(t, err)

	completer.err = ErrProviderError
	_, _ = d.HandleMessage(context.Background(), testMessage("greg?"))

	assert.InDelta(t, 1, testutil.ToFloat64(m.messagesSeen.WithLabelValues(StateReplied.String())), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.messagesSeen.WithLabelValues(StateSkipped.String())), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.messagesSeen.WithLabelValues(StateFailed.String())), 0)
	// fallback notices count as replies
	assert.InDelta(t, 2, testutil.ToFloat64(m.repliesSent), 0)

	require.NoError(t, d.store.Set(context.Background(), testGuildID, columnGuildConfigTemperature, 1.5))
	assert.InDelta(t, 1, testutil.ToFloat64(m.configMutations.WithLabelValues("set")), 0)
}
