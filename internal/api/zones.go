package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/zone"
)

func (s *Server) registerZoneRoutes(r *mux.Router) {
	r.HandleFunc("/zones", s.handleListZones).Methods("GET")
	r.HandleFunc("/zones/{id}", s.handleGetZone).Methods("GET")
	r.HandleFunc("/zones/{id}", s.handlePutZone).Methods("PUT")
	r.HandleFunc("/zones/{id}", s.handleDeleteZone).Methods("DELETE")
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.zones.List())
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	z, err := s.zones.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, z)
}

// handlePutZone creates or replaces a zone. The id in the path wins; a
// conflicting id in the body is rejected.
func (s *Server) handlePutZone(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var z zone.Zone
	if err := decodeJSON(r, &z); err != nil {
		writeError(w, err)
		return
	}
	if z.ID != "" && z.ID != id {
		writeError(w, errors.Errorf(errors.KindValidation, "zone id %q does not match path %q", z.ID, id))
		return
	}
	z.ID = id

	_, getErr := s.zones.Get(id)
	saved, err := s.zones.Upsert(z)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if errors.IsKind(getErr, errors.KindNotFound) {
		code = http.StatusCreated
	}
	respondWithJSON(w, code, saved)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	if err := s.zones.Remove(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
