package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if fetchOutcomesTotal == nil || mergeRecordsTotal == nil || runsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetch(t *testing.T) {
	Init()
	before := testutil.ToFloat64(fetchOutcomesTotal.WithLabelValues("lane-a", "fetched"))
	ObserveFetch("lane-a", "fetched", 2*time.Second)
	if got := testutil.ToFloat64(fetchOutcomesTotal.WithLabelValues("lane-a", "fetched")); got != before+1 {
		t.Errorf("expected fetch counter to grow by 1, got %f -> %f", before, got)
	}
	if val := testutil.CollectAndCount(fetchDurationSeconds); val <= 0 {
		t.Errorf("expected fetch duration to be observed, got %d", val)
	}
}

func TestObserveMergeAndRuns(t *testing.T) {
	Init()
	addedBefore := testutil.ToFloat64(mergeRecordsTotal.WithLabelValues("added"))
	ObserveMerge(3, 1, 0)
	if got := testutil.ToFloat64(mergeRecordsTotal.WithLabelValues("added")); got != addedBefore+3 {
		t.Errorf("expected added to grow by 3, got %f -> %f", addedBefore, got)
	}

	conflictsBefore := testutil.ToFloat64(mergeConflictsTotal)
	ObserveMergeConflict()
	if got := testutil.ToFloat64(mergeConflictsTotal); got != conflictsBefore+1 {
		t.Errorf("expected conflict counter to grow by 1, got %f", got)
	}

	ObserveRun("stopped_empty")
	if got := testutil.ToFloat64(runsTotal.WithLabelValues("stopped_empty")); got < 1 {
		t.Errorf("expected run counter to be observed, got %f", got)
	}

	IncActiveLanes()
	IncActiveLanes()
	DecActiveLanes()
	if got := testutil.ToFloat64(activeLanes); got != 1 {
		t.Errorf("expected one active lane, got %f", got)
	}
	DecActiveLanes()
}

func TestObserveEndpointRequest(t *testing.T) {
	ObserveEndpointRequest(0)
	ObserveEndpointRequest(http.StatusOK)
	if got := testutil.ToFloat64(endpointRequestsTotal.WithLabelValues("error")); got < 1 {
		t.Errorf("expected transport errors to be labeled, got %f", got)
	}
	if got := testutil.ToFloat64(endpointRequestsTotal.WithLabelValues("200")); got < 1 {
		t.Errorf("expected 200 responses to be labeled, got %f", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObservePolitenessWait("lane-b", 150*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "permit_politeness_wait_seconds") {
		t.Error("expected politeness histogram in exposition")
	}
}
