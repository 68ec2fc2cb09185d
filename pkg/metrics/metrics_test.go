package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestCollectorsRegister(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	for _, c := range Collectors() {
		require.NoError(t, reg.Register(c))
	}
	assert.Len(t, Collectors(), 7)
}

func TestRecorders(t *testing.T) {
	IncMessage("archive", "processed")
	IncMessage("archive", "processed")
	assert.Equal(t, float64(2), counterValue(t, messagesTotal.WithLabelValues("archive", "processed")))

	IncRetrieval("Expedited", "insufficient_capacity")
	assert.Equal(t, float64(1), counterValue(t, retrievalsTotal.WithLabelValues("Expedited", "insufficient_capacity")))

	before := counterValue(t, archivedBytes)
	AddArchivedBytes(10)
	AddArchivedBytes(-5)
	assert.Equal(t, before+10, counterValue(t, archivedBytes))

	ObserveHandle("archive", time.Millisecond)
	IncReceiveError("archive")
	IncTransition("claim", "updated")
	IncPublish("results", "ok")
}
