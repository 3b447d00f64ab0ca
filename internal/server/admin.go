package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"autoreply/internal/pairing"
	"autoreply/internal/session"
	logx "autoreply/pkg/logx"
)

func (s *Server) mountAdmin(mux *http.ServeMux, token string) {
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(token, h) }

	if s.d.Contacts != nil {
		mux.HandleFunc("GET /admin/contacts", wrap(s.handleListContacts))
		mux.HandleFunc("POST /admin/contacts/approve-code", wrap(s.handleApproveCode))
		mux.HandleFunc("POST /admin/contacts/{id}/approve", wrap(s.handleApprove))
		mux.HandleFunc("POST /admin/contacts/{id}/block", wrap(s.handleBlock))
	}
	mux.HandleFunc("GET /admin/sessions", wrap(s.handleListSessions))
	mux.HandleFunc("POST /admin/sessions/{id}/reset", wrap(s.handleResetSession))
}

func mountPprof(mux *http.ServeMux, token string) {
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withToken(token, nil, h) }
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
}

func (s *Server) withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	return withToken(token, func(r *http.Request) {
		s.log.Security("admin request rejected", logx.String("path", r.URL.Path), logx.String("remote", r.RemoteAddr))
	}, h)
}

// withToken accepts either "Authorization: Bearer <token>" or ?token=<token>.
func withToken(token string, onReject func(*http.Request), h http.HandlerFunc) http.HandlerFunc {
	tok := []byte(strings.TrimSpace(token))
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got != "" && subtle.ConstantTimeCompare([]byte(got), tok) == 1 {
			h(w, r)
			return
		}
		if onReject != nil {
			onReject(r)
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "unauthorized"})
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	var status pairing.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, err := pairing.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}
	list, err := s.d.Contacts.List(r.Context(), status)
	if err != nil {
		s.log.Error("list contacts failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []pairing.Contact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": list})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "sender id is required")
		return
	}
	ok, err := s.d.Contacts.Approve(r.Context(), id)
	s.contactResult(w, "approve", id, ok, err)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "sender id is required")
		return
	}
	ok, err := s.d.Contacts.Block(r.Context(), id)
	s.contactResult(w, "block", id, ok, err)
}

func (s *Server) handleApproveCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	code := strings.TrimSpace(body.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	id, ok, err := s.d.Contacts.ApproveByCode(r.Context(), code)
	s.contactResult(w, "approve-code", id, ok, err)
}

func (s *Server) contactResult(w http.ResponseWriter, action, id string, ok bool, err error) {
	switch {
	case err != nil:
		s.log.Error("contact update failed", logx.String("action", action), logx.Sender(id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	case !ok:
		writeError(w, http.StatusNotFound, "no matching contact")
	default:
		s.log.Security("contact updated via admin", logx.String("action", action), logx.Sender(id))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "sender_id": id})
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.d.Sessions.Sessions()
	if list == nil {
		list = []session.Metadata{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "sender id is required")
		return
	}
	if err := s.d.Sessions.Reset(r.Context(), session.KeyFor(id), "manual reset"); err != nil {
		s.log.Error("session reset failed", logx.Sender(id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("session reset via admin", logx.Sender(id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session_key": session.KeyFor(id)})
}
