package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	ErrorCounter.WithLabelValues("NoActiveStream").Inc()
	require.GreaterOrEqual(t, testutil.ToFloat64(ErrorCounter.WithLabelValues("NoActiveStream")), float64(1))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestCollectorsHaveHelp(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	MessageCounter.WithLabelValues("in", "ping").Inc()
	TransportGauge.WithLabelValues("send").Set(0)
	NegotiationDuration.WithLabelValues("send", "ok").Observe(0.01)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		require.NotEmpty(t, f.GetHelp(), f.GetName())
	}
}
