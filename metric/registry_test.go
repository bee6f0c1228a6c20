package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGathers(t *testing.T) {
	r := NewRegistry()

	r.FramesPublished.WithLabelValues("signalChanged").Inc()
	r.SlotInvocations.WithLabelValues("slotReconfigure", "ok").Add(2)
	r.ConnectedClients.Set(3)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["karabo_frames_published_total"])
	assert.True(t, names["karabo_slot_invocations_total"])
	assert.True(t, names["karabo_gui_connected_clients"])
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.ConnectedClients.Inc()

	families, err := b.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "karabo_gui_connected_clients" {
			require.Len(t, f.GetMetric(), 1)
			assert.Equal(t, float64(0), f.GetMetric()[0].GetGauge().GetValue())
		}
	}
}
