package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"autoreply/internal/pipeline"
	logx "autoreply/pkg/logx"
)

const maxWebhookBody = 1 << 20

// webhookPayload is the bridge's inbound message. Older bridges send
// sender_jid, newer ones sender_id.
type webhookPayload struct {
	MessageID  string   `json:"message_id"`
	SenderJID  string   `json:"sender_jid"`
	SenderID   string   `json:"sender_id"`
	Content    string   `json:"content"`
	IsFromMe   bool     `json:"is_from_me"`
	IsGroup    bool     `json:"is_group"`
	SenderName string   `json:"sender_name"`
	Timestamp  flexTime `json:"timestamp"`
	MediaType  string   `json:"media_type"`
}

// flexTime accepts an RFC 3339 string, unix seconds, or nothing.
type flexTime struct{ time.Time }

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" || s == `""` {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		v, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = v
		return nil
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = time.Unix(0, int64(sec*float64(time.Second))).UTC()
	return nil
}

func (p webhookPayload) notification() pipeline.Notification {
	sender := strings.TrimSpace(p.SenderID)
	if sender == "" {
		sender = strings.TrimSpace(p.SenderJID)
	}
	return pipeline.Notification{
		MessageID:  p.MessageID,
		SenderID:   sender,
		Content:    p.Content,
		IsFromMe:   p.IsFromMe,
		IsGroup:    p.IsGroup,
		SenderName: p.SenderName,
		Timestamp:  p.Timestamp.Time,
		MediaType:  p.MediaType,
	}
}

func (s *Server) checkSecret(r *http.Request) bool {
	want := *s.secret.Load()
	if want == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.checkSecret(r) {
		s.log.Security("webhook rejected: bad secret", logx.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "unauthorized"})
		return
	}

	var p webhookPayload
	dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	n := p.notification()
	if n.SenderID == "" {
		writeError(w, http.StatusBadRequest, "sender_jid or sender_id is required")
		return
	}

	id := uuid.NewString()
	if n.MessageID == "" {
		n.MessageID = id
	}
	if err := s.d.Dispatcher.Submit(n); err != nil {
		if errors.Is(err, pipeline.ErrDispatcherClosed) {
			writeError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Debug("webhook accepted", logx.Sender(n.SenderID), logx.String("request_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "request_id": id})
}

type healthResponse struct {
	Status            string                      `json:"status"`
	Version           string                      `json:"version"`
	Delivery          string                      `json:"delivery"`
	DeliveryConnected bool                        `json:"delivery_connected"`
	Model             string                      `json:"model,omitempty"`
	PairingEnabled    bool                        `json:"pairing_enabled"`
	ActiveSessions    int                         `json:"active_sessions"`
	Inflight          int64                       `json:"inflight"`
	Outcomes          map[pipeline.Outcome]uint64 `json:"outcomes,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	connected := s.d.Channel.HealthCheck(ctx)
	resp := healthResponse{
		Status:            "ok",
		Version:           Version,
		Delivery:          s.d.Channel.Name(),
		DeliveryConnected: connected,
		Model:             s.cfg.Model,
		PairingEnabled:    s.d.Contacts != nil,
		ActiveSessions:    s.d.Sessions.Count(),
		Inflight:          s.d.Dispatcher.Inflight(),
	}
	if !connected {
		resp.Status = "degraded"
	}
	if s.d.Outcomes != nil {
		resp.Outcomes = s.d.Outcomes()
	}
	writeJSON(w, http.StatusOK, resp)
}
