package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"pkt.systems/canvasd/api"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay carries no credentials; canvases are capability URLs.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler builds the relay's HTTP surface:
//
//	GET /v1/canvas/{id}/ws        websocket attach (query: user)
//	GET /v1/canvas/{id}/snapshot  current document as JSON
//	GET /healthz                  liveness probe
func Handler(h *Hub) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/canvas/{id}/ws", h.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/v1/canvas/{id}/snapshot", h.serveSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

func (h *Hub) serveWS(w http.ResponseWriter, req *http.Request) {
	canvasID := mux.Vars(req)["id"]
	userID := req.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user query parameter is required", http.StatusBadRequest)
		return
	}
	room, err := h.roomFor(req.Context(), canvasID)
	if err != nil {
		h.logger.Warn("relay.room.open_failed", "canvas", canvasID, "error", err)
		http.Error(w, "canvas unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Debug("relay.upgrade_failed", "canvas", canvasID, "error", err)
		return
	}
	c := newClient(room, conn, userID, room.logger)
	room.attachClient(c)

	// First frame is always the snapshot; everything the client missed
	// while detached is covered by it.
	snapshot := Envelope{Type: envelopeSnapshot, Shapes: room.Snapshot()}
	payload, err := json.Marshal(snapshot)
	if err == nil {
		c.send(payload)
		room.logger.Debug("relay.client.joined",
			"user", userID,
			"shapes", len(snapshot.Shapes),
			"snapshot_size", humanize.IBytes(uint64(len(payload))),
		)
	}
	// The request context dies with this handler; the connection outlives it.
	go c.run(context.Background())
}

func (h *Hub) serveSnapshot(w http.ResponseWriter, req *http.Request) {
	canvasID := mux.Vars(req)["id"]
	room, err := h.roomFor(req.Context(), canvasID)
	if err != nil {
		http.Error(w, "canvas unavailable", http.StatusServiceUnavailable)
		return
	}
	doc := api.Document{
		CanvasID:    canvasID,
		Shapes:      room.Snapshot(),
		LastUpdated: h.clk.Millis(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		h.logger.Debug("relay.snapshot.write_failed", "canvas", canvasID, "error", err)
	}
}
