package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/growthops/countsync/internal/fanout"
)

// sseSink writes fanout events as Server-Sent Events.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseSink) Send(_ context.Context, e fanout.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := readFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter, err := fanout.NewFilter(req.Categories, req.Substores)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, rc: http.NewResponseController(w)}
	if err := sink.rc.Flush(); err != nil {
		s.logger.Error("streaming unsupported", "error", err)
		return
	}

	session := fanout.NewSession(s.deps.Hub, s.deps.Store, filter, s.opts.Heartbeat, s.logger)
	err = session.Serve(r.Context(), sink)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("count stream closed", "error", err, "categories", filter.Categories)
	}
}
