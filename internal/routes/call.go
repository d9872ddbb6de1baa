// Package routes exposes the call operations over a local HTTP API. This is
// the entire surface UI consumers get: the five call operations, the media
// toggles, the session snapshot, and two SSE event streams.
package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/parleyapp/parley/internal/relay"
	"github.com/parleyapp/parley/internal/ringer"
	"github.com/parleyapp/parley/internal/session"
)

// RegisterCall registers the call API endpoints.
func RegisterCall(mux *http.ServeMux, mgr *session.Manager, listener *ringer.Listener) {
	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer  string `json:"peer"`
		Video bool   `json:"video"`
	}) {
		if req.Peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		kind := relay.MediaAudio
		if req.Video {
			kind = relay.MediaVideo
		}
		snap, err := mgr.StartCall(r.Context(), req.Peer, kind)
		if err != nil {
			writeCallError(w, "start call", err)
			return
		}
		writeJSON(w, snap)
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		snap, err := mgr.AcceptCall(r.Context(), req.CallID)
		if err != nil {
			writeCallError(w, "accept call", err)
			return
		}
		writeJSON(w, snap)
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := mgr.DeclineCall(r.Context(), req.CallID); err != nil {
			writeCallError(w, "decline call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined", "call_id": req.CallID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := mgr.EndCall(r.Context()); err != nil {
			if errors.Is(err, session.ErrNoCall) {
				writeJSON(w, map[string]string{"status": "no_call"})
				return
			}
			writeCallError(w, "hangup", err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := mgr.ToggleAudio()
		if err != nil {
			writeCallError(w, "toggle audio", err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		disabled, err := mgr.ToggleVideo()
		if err != nil {
			writeCallError(w, "toggle video", err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// POST /api/call/screen-share  {"on": true|false}
	handlePost(mux, "/api/call/screen-share", func(w http.ResponseWriter, r *http.Request, req struct {
		On bool `json:"on"`
	}) {
		var err error
		if req.On {
			err = mgr.StartScreenShare()
		} else {
			err = mgr.StopScreenShare()
		}
		if err != nil {
			writeCallError(w, "screen share", err)
			return
		}
		writeJSON(w, map[string]bool{"sharing": req.On})
	})

	// GET /api/call/state — current session snapshot, if any. When idle,
	// the most recent ring rides along so the UI can hint at a missed call.
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := mgr.Current()
		if !ok {
			resp := map[string]any{"active": false}
			if last, ok := listener.LastRing(); ok {
				resp["last_ring"] = last
			}
			writeJSON(w, resp)
			return
		}
		writeJSON(w, map[string]any{"active": true, "session": snap})
	})

	// GET /api/call/recent — invitations surfaced since startup.
	handleGet(mux, "/api/call/recent", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, listener.Recent())
	})

	// GET /api/call/events — SSE stream: incoming call notifications.
	// Each connection gets its own subscription channel; unsubscribed on
	// disconnect so the listener never accumulates stale channels.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch := listener.Subscribe()
		defer listener.Unsubscribe(ch)

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		// A connection established after the invitation arrived still needs
		// to see it.
		if inv, ok := listener.Active(); ok {
			data, _ := json.Marshal(ringer.Event{Type: "ringing", Invitation: inv})
			fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
			flusher.Flush()
		}

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/session/{id}/events — SSE: fires once when the call
	// ends, with the terminal reason.
	mux.HandleFunc("/api/call/session/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tail := strings.TrimPrefix(r.URL.Path, "/api/call/session/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] != "events" {
			http.Error(w, "invalid path — expected /api/call/session/{id}/events", http.StatusBadRequest)
			return
		}
		sess, ok := mgr.Get(parts[0])
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		select {
		case <-r.Context().Done():
			// Client disconnected before the call ended — that's fine.
		case <-sess.Done():
			data, _ := json.Marshal(sess.Snapshot())
			fmt.Fprintf(w, "event: ended\ndata: %s\n\n", data)
			flusher.Flush()
		}
	})
}

// writeCallError maps session errors onto HTTP statuses with the
// user-visible reason where one exists.
func writeCallError(w http.ResponseWriter, op string, err error) {
	var creation *session.CallCreationError
	switch {
	case errors.As(err, &creation):
		http.Error(w, fmt.Sprintf("%s failed: %s", op, creation.Reason.Message()), http.StatusConflict)
	case errors.Is(err, session.ErrBusy):
		http.Error(w, fmt.Sprintf("%s failed: another call is active", op), http.StatusConflict)
	case errors.Is(err, session.ErrNoCall):
		http.Error(w, fmt.Sprintf("%s failed: no active call", op), http.StatusNotFound)
	case errors.Is(err, session.ErrVideoDisabled):
		http.Error(w, fmt.Sprintf("%s failed: video is disabled by configuration", op), http.StatusConflict)
	case errors.Is(err, session.ErrNotRinging):
		http.Error(w, fmt.Sprintf("%s failed: call is not ringing", op), http.StatusGone)
	default:
		http.Error(w, fmt.Sprintf("%s failed: %v", op, err), http.StatusInternalServerError)
	}
}
