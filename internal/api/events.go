package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/events"
)

func (s *Server) registerEventRoutes(r *mux.Router) {
	r.HandleFunc("/events", s.handleEvents).Methods("GET")
	if s.sink != nil {
		r.Handle("/events/stream", events.StreamHandler(s.sink, s.logger)).Methods("GET")
	}
}

// handleEvents queries the retained alert log. Parameters: kind
// (repeatable), since (sequence number), source, limit.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		unavailable(w, "alert sink")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out := s.sink.Query(f)
	if out == nil {
		out = []events.Event{}
	}
	respondWithJSON(w, http.StatusOK, out)
}

func parseFilter(r *http.Request) (events.Filter, error) {
	q := r.URL.Query()
	f := events.Filter{Source: q.Get("source")}
	for _, k := range q["kind"] {
		f.Kinds = append(f.Kinds, events.Kind(k))
	}
	var v errors.Validation
	if s := q.Get("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			v.Addf("since %q is not a sequence number", s)
		}
		f.Since = n
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			v.Addf("limit %q must be a non-negative integer", s)
		}
		f.Limit = n
	}
	return f, v.Err("invalid event query")
}
