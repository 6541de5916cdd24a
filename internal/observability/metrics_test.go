package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHandler_ExposesRecordedMetrics(t *testing.T) {
	RecordOrderSubmitted("simulated")
	RecordTransition("routing", 0.25)
	RecordPublish("confirmed", nil)
	RecordPublish("failed", errors.New("bus down"))
	RecordDBQuery("postgres", "update", 0.002, errors.New("conn reset"))
	SetObservers(3)

	body := scrape(t)
	for _, want := range []string{
		`swap_engine_ingress_orders_submitted_total{mode="simulated"}`,
		`swap_engine_worker_stage_transitions_total{status="routing"}`,
		`swap_engine_events_published_total{status="confirmed"}`,
		`swap_engine_events_publish_failures_total{status="failed"}`,
		`swap_engine_database_query_errors_total{database="postgres",operation="update"}`,
		`swap_engine_events_observers_connected 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
