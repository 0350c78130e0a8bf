package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordAndScrape(t *testing.T) {
	e := NewExporter()

	e.RecordSubmission("psi4", 10*time.Millisecond, true)
	e.RecordRetrieval(5*time.Millisecond, false)
	e.RecordBrokerCall("SubmitLeaf", time.Millisecond, true)
	e.RecordBackendCall("ProbeReady", time.Millisecond, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	e.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "qcgateway_compute_submissions_total")
	assert.Contains(t, body, "qcgateway_broker_calls_total")
	assert.Contains(t, body, "qcgateway_backend_calls_total")
}
