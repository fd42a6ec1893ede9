package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAction(t *testing.T) {
	ActionsTotal.Reset()

	RecordAction("claim", "ok")
	RecordAction("claim", "ok")
	RecordAction("claim", "denied")

	metric := &dto.Metric{}
	require.NoError(t, ActionsTotal.WithLabelValues("claim", "ok").Write(metric))
	assert.Equal(t, float64(2), metric.Counter.GetValue())

	metric = &dto.Metric{}
	require.NoError(t, ActionsTotal.WithLabelValues("claim", "denied").Write(metric))
	assert.Equal(t, float64(1), metric.Counter.GetValue())
}

func TestRecordTaskScan(t *testing.T) {
	TaskScansTotal.Reset()

	RecordTaskScan("busy")

	metric := &dto.Metric{}
	require.NoError(t, TaskScansTotal.WithLabelValues("busy").Write(metric))
	assert.Equal(t, float64(1), metric.Counter.GetValue())
}

func TestRecordScan(t *testing.T) {
	before := &dto.Metric{}
	require.NoError(t, ScansTotal.Write(before))

	RecordScan(250 * time.Millisecond)

	after := &dto.Metric{}
	require.NoError(t, ScansTotal.Write(after))
	assert.Equal(t, before.Counter.GetValue()+1, after.Counter.GetValue())

	hist := &dto.Metric{}
	require.NoError(t, ScanDuration.Write(hist))
	assert.GreaterOrEqual(t, hist.Histogram.GetSampleCount(), uint64(1))
}

func TestRecordDelivery(t *testing.T) {
	WebhookDeliveries.Reset()

	RecordDelivery("failed")

	metric := &dto.Metric{}
	require.NoError(t, WebhookDeliveries.WithLabelValues("failed").Write(metric))
	assert.Equal(t, float64(1), metric.Counter.GetValue())
}
