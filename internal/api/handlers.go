package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/growthops/countsync/internal/bulk"
	"github.com/growthops/countsync/internal/domain"
	"github.com/growthops/countsync/internal/refresh"
)

type filterRequest struct {
	Categories []string `json:"categories"`
	Substores  []string `json:"substores"`
}

type computeRequest struct {
	filterRequest
	Persist bool `json:"persist"`
}

type countsMeta struct {
	Source       string     `json:"source"`
	Found        int        `json:"found"`
	Expected     int        `json:"expected"`
	HasStaleData bool       `json:"hasStaleData"`
	OldestUpdate *time.Time `json:"oldestUpdate,omitempty"`
}

type countsResponse struct {
	Counts domain.CountMatrix `json:"counts"`
	Meta   countsMeta         `json:"meta"`
}

type statusResponse struct {
	domain.Stats
	Health domain.Health   `json:"health"`
	Worker *refresh.Status `json:"worker,omitempty"`
}

type computeResponse struct {
	Counts domain.CountMatrix `json:"counts,omitempty"`
	Report bulk.Report        `json:"report"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleReadCounts(w http.ResponseWriter, r *http.Request) {
	f, err := readFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	recs, err := s.deps.Store.ReadMany(r.Context(), f.Categories, f.Substores)
	if err != nil {
		s.logger.Error("failed to read counts", "error", err)
		writeError(w, err)
		return
	}

	snap := domain.NewSnapshot(f.Categories, f.Substores, recs)
	writeJSON(w, http.StatusOK, countsResponse{
		Counts: snap.Counts,
		Meta: countsMeta{
			Source:       "cache",
			Found:        snap.Found,
			Expected:     snap.Expected,
			HasStaleData: snap.HasStaleData,
			OldestUpdate: snap.OldestUpdate,
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{Stats: st, Health: st.Health(time.Now(), s.opts.MaxAge)}
	if s.deps.Worker != nil {
		ws := s.deps.Worker.Status()
		resp.Worker = &ws
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMarkStale(w http.ResponseWriter, r *http.Request) {
	f, err := readFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.deps.Store.MarkStale(r.Context(), f.Categories, f.Substores)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	var req computeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	run := s.deps.Bulk.Compute
	if req.Persist {
		run = s.deps.Bulk.Refresh
	}
	counts, report, err := run(r.Context(), req.Categories, req.Substores)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Info("bulk compute abandoned by client", "processed", report.Processed)
			return
		}
		writeError(w, err)
		return
	}

	resp := computeResponse{Counts: counts, Report: report}
	if req.Persist {
		// persisted runs answer with summary stats only
		resp.Counts = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := strings.TrimSpace(q.Get("category"))
	substore := strings.TrimSpace(q.Get("substore"))

	n, err := s.deps.Bulk.Lookup(r.Context(), category, substore)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "substore": substore, "count": n})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Warn("count cache reset", "remote_addr", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Worker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "refresh worker is not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Worker.Status())
}

func (s *Server) handleWorkerStart(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Worker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "refresh worker is not configured"})
		return
	}
	if !s.deps.Worker.Start(s.workerCtx) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: domain.ErrWorkerRunning.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Worker.Status())
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Worker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "refresh worker is not configured"})
		return
	}
	s.deps.Worker.Stop()
	writeJSON(w, http.StatusAccepted, s.deps.Worker.Status())
}

// readFilter takes categories and substores from a JSON body on POST and from
// comma-separated query parameters otherwise.
func readFilter(r *http.Request) (filterRequest, error) {
	var f filterRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			return filterRequest{}, domain.ErrInvalidFilter
		}
	} else {
		q := r.URL.Query()
		f.Categories = splitList(q["categories"])
		f.Substores = splitList(q["substores"])
	}

	f.Categories = domain.Normalize(f.Categories)
	f.Substores = domain.Normalize(f.Substores)
	if len(f.Categories) == 0 || len(f.Substores) == 0 {
		return filterRequest{}, domain.ErrInvalidFilter
	}
	return f, nil
}

// splitList accepts both repeated parameters and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.Split(v, ",")...)
	}
	return out
}

func statusFor(err error) int {
	var apiErr *domain.APIError
	switch {
	case errors.Is(err, domain.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrRemoteUnavailable), errors.As(err, &apiErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrStoreClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
