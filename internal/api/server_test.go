package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/growthops/countsync/internal/bulk"
	"github.com/growthops/countsync/internal/counter"
	"github.com/growthops/countsync/internal/domain"
	"github.com/growthops/countsync/internal/fanout"
	"github.com/growthops/countsync/internal/refresh"
	"github.com/growthops/countsync/internal/store"
)

type fakeWorker struct {
	mu      sync.Mutex
	running bool
	stops   int
}

func (f *fakeWorker) Start(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return false
	}
	f.running = true
	return true
}

func (f *fakeWorker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
}

func (f *fakeWorker) Status() refresh.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return refresh.Status{Running: f.running, Phase: refresh.PhaseIdle}
}

type countsByCategory map[string]int

func (c countsByCategory) Count(_ context.Context, combo domain.Combination) counter.Result {
	if combo.Category == "throttled" {
		return counter.Result{Combination: combo, Err: domain.ErrRateLimited, RateLimited: true}
	}
	return counter.Result{Combination: combo, Count: c[combo.Category]}
}

type fixture struct {
	srv    *httptest.Server
	store  *store.CountStore
	worker *fakeWorker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := fanout.NewHub(8, nil)
	st, err := store.Open("", hub, nil)
	if err != nil {
		t.Fatal(err)
	}
	worker := &fakeWorker{}
	svc := bulk.NewService(countsByCategory{"seeds": 42, "plants": 9}, st, bulk.Options{}, nil)

	server := NewServer(context.Background(), Deps{
		Store:   st,
		Bulk:    svc,
		Worker:  worker,
		Hub:     hub,
		Metrics: http.NotFoundHandler(),
	}, Options{MaxAge: 24 * time.Hour, Heartbeat: time.Hour}, nil)

	srv := httptest.NewServer(server.Routes())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		st.Close()
	})
	return &fixture{srv: srv, store: st, worker: worker}
}

func (f *fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestReadCountsSynthesizesZeros(t *testing.T) {
	f := newFixture(t)
	f.store.Upsert(context.Background(), "seeds", "noi", 42)

	var resp countsResponse
	code := f.do(t, http.MethodGet, "/api/counts?categories=seeds,pots&substores=noi", "", &resp)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	want := domain.CountMatrix{"seeds": {"noi": 42}, "pots": {"noi": 0}}
	if diff := cmp.Diff(want, resp.Counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	if resp.Meta.Source != "cache" || resp.Meta.Found != 1 || resp.Meta.Expected != 2 || resp.Meta.HasStaleData {
		t.Fatalf("meta = %+v", resp.Meta)
	}

	code = f.do(t, http.MethodPost, "/api/counts", `{"categories":["seeds"],"substores":["noi"]}`, &resp)
	if code != http.StatusOK || resp.Counts.Get("seeds", "noi") != 42 {
		t.Fatalf("POST status = %d, counts = %v", code, resp.Counts)
	}
}

func TestReadCountsRejectsEmptyFilter(t *testing.T) {
	f := newFixture(t)
	var resp errorResponse
	if code := f.do(t, http.MethodGet, "/api/counts?substores=noi", "", &resp); code != http.StatusBadRequest {
		t.Fatalf("status = %d", code)
	}
	if resp.Error == "" {
		t.Fatal("expected error message")
	}
}

func TestMarkStaleAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var status statusResponse
	f.do(t, http.MethodGet, "/api/counts/status", "", &status)
	if status.Health != domain.HealthNeedsUpdate || status.Total != 0 {
		t.Fatalf("empty cache status = %+v", status)
	}

	f.store.Upsert(ctx, "seeds", "noi", 1)
	f.do(t, http.MethodGet, "/api/counts/status", "", &status)
	if status.Health != domain.HealthHealthy || status.Worker == nil {
		t.Fatalf("status = %+v", status)
	}

	var marked map[string]int
	code := f.do(t, http.MethodPost, "/api/counts/stale", `{"categories":["seeds","pots"],"substores":["noi"]}`, &marked)
	if code != http.StatusOK || marked["marked"] != 1 {
		t.Fatalf("status = %d, body = %v", code, marked)
	}

	var resp countsResponse
	f.do(t, http.MethodGet, "/api/counts?categories=seeds&substores=noi", "", &resp)
	if !resp.Meta.HasStaleData {
		t.Fatal("expected stale data after mark")
	}
	f.do(t, http.MethodGet, "/api/counts/status", "", &status)
	if status.Health != domain.HealthNeedsUpdate || status.Stale != 1 {
		t.Fatalf("status = %+v", status)
	}
}

func TestCompute(t *testing.T) {
	f := newFixture(t)

	var resp computeResponse
	code := f.do(t, http.MethodPost, "/api/counts/compute", `{"categories":["seeds","throttled"],"substores":["noi"]}`, &resp)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Counts.Get("seeds", "noi") != 42 || resp.Report.Failed != 1 || resp.Report.Processed != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if st, _ := f.store.Stats(context.Background()); st.Total != 0 {
		t.Fatal("compute without persist wrote to the cache")
	}

	resp = computeResponse{}
	code = f.do(t, http.MethodPost, "/api/counts/compute", `{"categories":["seeds"],"substores":["noi","blr"],"persist":true}`, &resp)
	if code != http.StatusOK || resp.Report.Updated != 2 || resp.Counts != nil {
		t.Fatalf("status = %d, resp = %+v", code, resp)
	}
	if st, _ := f.store.Stats(context.Background()); st.Total != 2 {
		t.Fatalf("persisted records = %d", st.Total)
	}

	if code := f.do(t, http.MethodPost, "/api/counts/compute", `{`, nil); code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", code)
	}
}

func TestLookup(t *testing.T) {
	f := newFixture(t)

	var resp map[string]any
	code := f.do(t, http.MethodGet, "/api/counts/lookup?category=plants&substore=noi", "", &resp)
	if code != http.StatusOK || resp["count"] != float64(9) {
		t.Fatalf("status = %d, body = %v", code, resp)
	}
	if code := f.do(t, http.MethodGet, "/api/counts/lookup?category=throttled&substore=noi", "", nil); code != http.StatusTooManyRequests {
		t.Fatalf("throttled status = %d", code)
	}
	if code := f.do(t, http.MethodGet, "/api/counts/lookup?category=plants", "", nil); code != http.StatusBadRequest {
		t.Fatalf("missing substore status = %d", code)
	}
}

func TestWorkerControl(t *testing.T) {
	f := newFixture(t)

	var st refresh.Status
	if code := f.do(t, http.MethodPost, "/api/worker/start", "", &st); code != http.StatusAccepted || !st.Running {
		t.Fatalf("start status = %d, %+v", code, st)
	}
	if code := f.do(t, http.MethodPost, "/api/worker/start", "", nil); code != http.StatusConflict {
		t.Fatalf("second start status = %d", code)
	}
	if code := f.do(t, http.MethodPost, "/api/worker/stop", "", &st); code != http.StatusAccepted || st.Running {
		t.Fatalf("stop status = %d, %+v", code, st)
	}
	if code := f.do(t, http.MethodGet, "/api/worker", "", &st); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.store.Upsert(context.Background(), "seeds", "noi", 1)

	if code := f.do(t, http.MethodDelete, "/api/counts", "", nil); code != http.StatusNoContent {
		t.Fatalf("status = %d", code)
	}
	if st, _ := f.store.Stats(context.Background()); st.Total != 0 {
		t.Fatal("reset left records behind")
	}
}

type sseEvent struct {
	name string
	data fanout.Event
}

func readEvent(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
				t.Fatalf("decode event: %v", err)
			}
		case line == "":
			return ev
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return ev
}

func TestStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/counts/stream?categories=plants&substores=noi", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	ev := readEvent(t, sc)
	if ev.name != "snapshot" || ev.data.Counts.Get("plants", "noi") != 0 {
		t.Fatalf("first event = %+v", ev)
	}

	f.store.Upsert(ctx, "seeds", "noi", 5)
	f.store.Upsert(ctx, "plants", "noi", 11)

	ev = readEvent(t, sc)
	if ev.name != "update" {
		t.Fatalf("event = %s, want update", ev.name)
	}
	if diff := cmp.Diff(domain.CountMatrix{"plants": {"noi": 11}}, ev.data.Counts); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}
