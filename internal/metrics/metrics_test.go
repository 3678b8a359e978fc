package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewRelay(t *testing.T) {
	assert := assert.New(t)
	reg := prometheus.NewRegistry()
	m := NewRelay(reg)

	m.MessagesRelayed.WithLabelValues("offer").Inc()
	m.MessagesDropped.WithLabelValues("answer", DropNoTarget).Add(2)
	m.Connections.Set(3)

	assert.Equal(1.0, testutil.ToFloat64(m.MessagesRelayed.WithLabelValues("offer")))
	assert.Equal(2.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("answer", DropNoTarget)))
	assert.Equal(3.0, testutil.ToFloat64(m.Connections))

	families, err := reg.Gather()
	assert.NoError(err)
	assert.NotEmpty(families)

	assert.Panics(func() { NewRelay(reg) })
	assert.NotPanics(func() { NewRelay(nil) })
}
