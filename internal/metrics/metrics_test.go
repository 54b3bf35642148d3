package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/growthops/countsync/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.OnProgress(domain.CycleProgress{Processed: 20, Total: 60, BatchSize: 2})
	m.OnProgress(domain.CycleProgress{Processed: 60, Total: 60, BatchSize: 1, Elapsed: 90 * time.Second, Done: true})
	m.RetryHook("worker")(nil, 1, 429, nil)
	m.RetryHook("worker")(nil, 2, 429, nil)
	m.RetryHook("bulk")(nil, 1, 0, errors.New("reset"))
	m.WatchSubscribers(func() int { return 3 })
	m.WatchStore(func() (domain.Stats, error) { return domain.Stats{Total: 12, Stale: 4}, nil })

	body := scrape(t, m)
	for _, want := range []string{
		`countsync_catalog_retries_total{site="worker",status="429"} 2`,
		`countsync_catalog_retries_total{site="bulk",status="0"} 1`,
		`countsync_cycle_processed_combinations 60`,
		`countsync_worker_batch_size 1`,
		`countsync_cycles_completed_total 1`,
		`countsync_cycle_duration_seconds_count 1`,
		`countsync_fanout_subscribers 3`,
		`countsync_store_records 12`,
		`countsync_store_stale_records 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestDefaultRegistryIncludesRuntimeCollectors(t *testing.T) {
	body := scrape(t, New(nil))
	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected Go runtime collector")
	}
}
