package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanchat"
)

type peerView struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Avatar     string    `json:"avatar"`
	Addr       string    `json:"addr"`
	LastActive time.Time `json:"last_active"`
}

type sessionView struct {
	ID      uuid.UUID `json:"id"`
	PeerID  uuid.UUID `json:"peer_id"`
	Peer    string    `json:"peer"`
	Remote  string    `json:"remote"`
	State   string    `json:"state"`
	Inbound bool      `json:"inbound"`
	Updated time.Time `json:"updated"`
}

type messageView struct {
	ID      uuid.UUID `json:"id"`
	Kind    string    `json:"kind"`
	Text    string    `json:"text,omitempty"`
	File    string    `json:"file,omitempty"`
	State   string    `json:"state"`
	Mine    bool      `json:"mine"`
	Created time.Time `json:"created"`
}

// newDebugRouter exposes the node's metrics and tables over HTTP.
func newDebugRouter(node *lanchat.Node) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Handle("/metrics", promhttp.HandlerFor(node.Metrics().Registry(), promhttp.HandlerOpts{}))

	r.Get("/peers", func(w http.ResponseWriter, r *http.Request) {
		peers := node.Peers()
		out := make([]peerView, 0, len(peers))
		for _, p := range peers {
			out = append(out, peerView{
				ID:         p.Identity.ID,
				Name:       p.Identity.Name,
				Avatar:     p.Identity.Avatar,
				Addr:       p.Addr(),
				LastActive: p.LastActive,
			})
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/peers/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid peer id"})
			return
		}
		history := node.History(id)
		out := make([]messageView, 0, len(history))
		for _, m := range history {
			v := messageView{
				ID:      m.ID,
				Kind:    m.Kind.String(),
				Text:    m.Text,
				State:   m.State.String(),
				Mine:    m.Mine,
				Created: m.CreatedAt,
			}
			if m.File != nil {
				v.File = m.File.Name
			}
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := node.ChatSessions()
		out := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			v := sessionView{
				ID:      s.ID(),
				PeerID:  s.PeerID(),
				Remote:  s.RemoteAddr().String(),
				State:   s.State().String(),
				Updated: s.Updated(),
			}
			if attrs, ok := s.Chat(); ok {
				v.Peer = attrs.Peer.Name
				v.Inbound = attrs.Inbound
			}
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, out)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Debug("Debug response aborted")
	}
}
