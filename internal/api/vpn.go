package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/firewall"
	"grimm.is/hostguard/internal/vpn"
	"grimm.is/hostguard/internal/zone"
)

func (s *Server) registerVPNRoutes(r *mux.Router) {
	r.HandleFunc("/vpn", s.handleListVPN).Methods("GET")
	r.HandleFunc("/vpn/{id}", s.handleVPNStatus).Methods("GET")
	r.HandleFunc("/vpn/{id}/connect", s.handleVPNConnect).Methods("POST")
	r.HandleFunc("/vpn/{id}/disconnect", s.handleVPNDisconnect).Methods("POST")
}

// handleListVPN reports every VPN zone, including those never connected.
func (s *Server) handleListVPN(w http.ResponseWriter, r *http.Request) {
	if s.vpn == nil {
		unavailable(w, "VPN manager")
		return
	}
	out := make([]vpn.Status, 0)
	for _, z := range s.zones.VPNZones() {
		st, err := s.vpn.Status(z.ID)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleVPNStatus(w http.ResponseWriter, r *http.Request) {
	if s.vpn == nil {
		unavailable(w, "VPN manager")
		return
	}
	st, err := s.vpn.Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

// handleVPNConnect starts a connection and returns at once; clients poll the
// status or watch vpn.state events for the outcome.
func (s *Server) handleVPNConnect(w http.ResponseWriter, r *http.Request) {
	if s.vpn == nil {
		unavailable(w, "VPN manager")
		return
	}
	st, err := s.vpn.Connect(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleVPNDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.vpn == nil {
		unavailable(w, "VPN manager")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.vpn.Disconnect(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.vpn.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (s *Server) registerEnforcementRoutes(r *mux.Router) {
	r.HandleFunc("/enforcement", s.handleEnforcement).Methods("GET")
	r.HandleFunc("/vpn/{id}/policy", s.handleGetPolicy).Methods("GET")
	r.HandleFunc("/vpn/{id}/kill-switch", s.handleKillSwitch).Methods("PUT")
	r.HandleFunc("/vpn/{id}/split-tunnel", s.handleSplitTunnel).Methods("PUT")
}

type enforcementResponse struct {
	Backend string         `json:"backend"`
	State   firewall.State `json:"state"`
	Rules   []string       `json:"rules"`
}

func (s *Server) handleEnforcement(w http.ResponseWriter, r *http.Request) {
	if s.enforcer == nil {
		unavailable(w, "enforcer")
		return
	}
	resp := enforcementResponse{
		Backend: s.enforcer.BackendName(),
		State:   s.enforcer.Current(),
		Rules:   make([]string, 0),
	}
	for _, rule := range s.enforcer.Rules() {
		resp.Rules = append(resp.Rules, rule.String())
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// vpnZone resolves the path id to a VPN zone.
func (s *Server) vpnZone(r *http.Request) (zone.Zone, error) {
	z, err := s.zones.Get(mux.Vars(r)["id"])
	if err != nil {
		return zone.Zone{}, err
	}
	if !z.IsVPN() {
		return zone.Zone{}, errors.Errorf(errors.KindValidation, "zone %q is not a VPN zone", z.ID)
	}
	return z, nil
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	if s.enforcer == nil {
		unavailable(w, "enforcer")
		return
	}
	z, err := s.vpnZone(r)
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s.enforcer.Policy(z))
}

type policyResponse struct {
	Policy firewall.Policy `json:"policy"`
	Result firewall.Result `json:"result"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if s.enforcer == nil {
		unavailable(w, "enforcer")
		return
	}
	z, err := s.vpnZone(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, errors.New(errors.KindValidation, "enabled is required"))
		return
	}
	res, err := s.enforcer.SetKillSwitch(r.Context(), z, *req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, policyResponse{Policy: s.enforcer.Policy(z), Result: res})
}

func (s *Server) handleSplitTunnel(w http.ResponseWriter, r *http.Request) {
	if s.enforcer == nil {
		unavailable(w, "enforcer")
		return
	}
	z, err := s.vpnZone(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Mode   zone.SplitMode `json:"mode"`
		Routes []string       `json:"routes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.enforcer.SetSplitTunnel(r.Context(), z, req.Mode, req.Routes)
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, policyResponse{Policy: s.enforcer.Policy(z), Result: res})
}
