package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab-validation-server/internal/cache"
	"github.com/lab-validation-server/internal/domain"
	"github.com/lab-validation-server/pkg/labapi"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	m.RecordTransition("Processing", "ValidationPending")
	m.RecordTransition("Processing", "ValidationPending")
	m.RecordSubmission(true)
	m.RecordSubmission(false)
	m.RecordPipelineStage("upload", 20*time.Millisecond)
	m.RecordPipelineRun("upload", true)
	m.RecordDraftSave(true, time.Millisecond)
	m.RecordCriticalResult()
	m.RecordBreakerState("lab-queues", gobreaker.StateClosed, gobreaker.StateOpen)
	m.RecordHTTPRequest("GET", "/api/v1/queues", 200, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitionsTotal.WithLabelValues("Processing", "ValidationPending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissionsTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pipelineTotal.WithLabelValues("upload", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.criticalTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("lab-queues")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/api/v1/queues", "200")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransition("a", "b")
		m.RecordSubmission(true)
		m.RecordPipelineStage("x", time.Second)
		m.RecordPipelineRun("x", false)
		m.RecordDraftSave(false, time.Second)
		m.RecordCriticalResult()
		m.RecordBreakerState("b", gobreaker.StateOpen, gobreaker.StateClosed)
		m.RecordHTTPRequest("GET", "/", 200, time.Second)
		m.RegisterOrderCache(nil)
		m.RegisterDefinitionCache(nil)
	})
}

func TestMetrics_HandlerExposesOrderCache(t *testing.T) {
	m := NewMetrics()
	c := cache.NewOrderCache(4, time.Minute)
	m.RegisterOrderCache(c)

	c.PutDefinition("o-1", "t-1", &domain.TestDefinition{ID: "d"})
	_, _ = c.Definition("o-1", "t-1")
	_, _ = c.Definition("o-2", "t-1")

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), "lab_validation_order_cache_hits_total 1")
	assert.Contains(t, string(body), "lab_validation_order_cache_misses_total 1")
	assert.Contains(t, string(body), "lab_validation_order_cache_entries 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetrics_DefinitionCacheByTier(t *testing.T) {
	m := NewMetrics()
	c, err := labapi.NewDefinitionCache(4, time.Hour, nil, logrus.New())
	require.NoError(t, err)
	m.RegisterDefinitionCache(c)

	ctx := context.Background()
	_, _ = c.Get(ctx, "def-glu")
	c.Set(ctx, &domain.TestDefinition{ID: "def-glu"})
	_, _ = c.Get(ctx, "def-glu")
	_, _ = c.Get(ctx, "def-glu")

	expected := `
# HELP lab_validation_definition_cache_hits_total Definition cache hits
# TYPE lab_validation_definition_cache_hits_total counter
lab_validation_definition_cache_hits_total{tier="memory"} 2
lab_validation_definition_cache_hits_total{tier="redis"} 0
# HELP lab_validation_definition_cache_misses_total Definition cache misses
# TYPE lab_validation_definition_cache_misses_total counter
lab_validation_definition_cache_misses_total{tier="memory"} 1
lab_validation_definition_cache_misses_total{tier="redis"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(m.registry, strings.NewReader(expected),
		"lab_validation_definition_cache_hits_total", "lab_validation_definition_cache_misses_total"))
}
