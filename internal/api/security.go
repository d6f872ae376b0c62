package api

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/security"
	"grimm.is/hostguard/internal/validation"
)

func (s *Server) registerSecurityRoutes(r *mux.Router) {
	r.HandleFunc("/evaluate", s.handleEvaluate).Methods("POST")
	r.HandleFunc("/knock", s.handleKnock).Methods("POST")
	r.HandleFunc("/knock/{ip}", s.handleKnockState).Methods("GET")
	r.HandleFunc("/blocks", s.handleListBlocks).Methods("GET")
	r.HandleFunc("/blocks", s.handleBlock).Methods("POST")
	r.HandleFunc("/blocks/{ip}", s.handleUnblock).Methods("DELETE")
	r.HandleFunc("/allowlist", s.handleAllowList).Methods("GET")
	r.HandleFunc("/allowlist", s.handleAllow).Methods("POST")
	r.HandleFunc("/allowlist", s.handleDisallow).Methods("DELETE")
	r.HandleFunc("/countries", s.handleCountries).Methods("GET")
	r.HandleFunc("/countries/{code}", s.handleBlockCountry).Methods("PUT")
	r.HandleFunc("/countries/{code}", s.handleUnblockCountry).Methods("DELETE")
	r.HandleFunc("/ids/rules", s.handleIDSRules).Methods("GET")
	r.HandleFunc("/ids/rules/{id}", s.handleSetIDSRule).Methods("PUT")
	r.HandleFunc("/reputation", s.handleReputation).Methods("GET")

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.security == nil {
				unavailable(w, "security engine")
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

func parseAddr(raw string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, errors.Errorf(errors.KindValidation, "invalid IP address %q", raw)
	}
	return ip.Unmap(), nil
}

// handleEvaluate runs one event through the engine. An event without a zone
// is attributed to the zone containing its source.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var ev security.Event
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, err)
		return
	}
	if !ev.Source.IsValid() {
		writeError(w, errors.New(errors.KindValidation, "source is required"))
		return
	}
	if ev.Zone == "" {
		if z, ok := s.zones.FindByAddr(ev.Source); ok {
			ev.Zone = z.ID
		}
	}
	respondWithJSON(w, http.StatusOK, s.security.Evaluate(ev))
}

func (s *Server) handleKnock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		Port   uint16 `json:"port"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ip, err := parseAddr(req.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Port == 0 {
		writeError(w, errors.New(errors.KindValidation, "port is required"))
		return
	}
	respondWithJSON(w, http.StatusOK, s.security.RecordKnockAttempt(ip, req.Port, time.Time{}))
}

func (s *Server) handleKnockState(w http.ResponseWriter, r *http.Request) {
	ip, err := parseAddr(mux.Vars(r)["ip"])
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s.security.KnockState(ip))
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.security.Blocks())
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP       string `json:"ip"`
		Duration string `json:"duration,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ip, err := parseAddr(req.IP)
	if err != nil {
		writeError(w, err)
		return
	}
	var d time.Duration
	if req.Duration != "" {
		d, err = time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			writeError(w, errors.Errorf(errors.KindValidation, "invalid duration %q", req.Duration))
			return
		}
	}
	respondWithJSON(w, http.StatusCreated, s.security.Block(ip, d))
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip, err := parseAddr(mux.Vars(r)["ip"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.security.Unblock(ip); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type prefixRequest struct {
	Prefix string `json:"prefix"`
}

func (req prefixRequest) parse() (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(req.Prefix); err == nil {
		return p, nil
	}
	if ip, err := netip.ParseAddr(req.Prefix); err == nil {
		ip = ip.Unmap()
		return netip.PrefixFrom(ip, ip.BitLen()), nil
	}
	return netip.Prefix{}, errors.Errorf(errors.KindValidation, "invalid prefix %q", req.Prefix)
}

func (s *Server) handleAllowList(w http.ResponseWriter, r *http.Request) {
	out := make([]string, 0)
	for _, p := range s.security.AllowList() {
		out = append(out, p.String())
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	var req prefixRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := req.parse()
	if err != nil {
		writeError(w, err)
		return
	}
	s.security.Allow(p)
	w.WriteHeader(http.StatusNoContent)
}

// handleDisallow removes a runtime allow-list entry; configured entries
// cannot be removed.
func (s *Server) handleDisallow(w http.ResponseWriter, r *http.Request) {
	req := prefixRequest{Prefix: r.URL.Query().Get("prefix")}
	p, err := req.parse()
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.security.Disallow(p) {
		writeError(w, errors.Errorf(errors.KindNotFound, "%s is not a runtime allow-list entry", p))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.security.BlockedCountries())
}

func countryCode(r *http.Request) (string, error) {
	return validation.CountryCode(mux.Vars(r)["code"])
}

func (s *Server) handleBlockCountry(w http.ResponseWriter, r *http.Request) {
	code, err := countryCode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.security.BlockCountry(code)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblockCountry(w http.ResponseWriter, r *http.Request) {
	code, err := countryCode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.security.UnblockCountry(code)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIDSRules(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.security.IDS().Rules())
}

func (s *Server) handleSetIDSRule(w http.ResponseWriter, r *http.Request) {
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
	rule, err := s.security.IDS().SetRule(mux.Vars(r)["id"], *req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rule)
}

type reputationResponse struct {
	Degraded bool                  `json:"degraded"`
	Feeds    []security.FeedStatus `json:"feeds"`
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	rep := s.security.Reputation()
	respondWithJSON(w, http.StatusOK, reputationResponse{Degraded: rep.Degraded(), Feeds: rep.Status()})
}
