package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/batchgen/internal/service"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = wsPingPeriod + 10*time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// eventView is an event as sent over the websocket.
type eventView struct {
	BatchID   string `json:"batchId"`
	RunID     string `json:"runId,omitempty"`
	Status    string `json:"status"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"`
	At        string `json:"at"`
}

func toEventView(ev service.Event) eventView {
	v := eventView{
		BatchID:   ev.BatchID,
		RunID:     ev.RunID,
		Status:    string(ev.Status),
		Completed: ev.Completed,
		Total:     ev.Total,
		At:        ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Error != "" {
		v.Error = failedRunMessage
	}
	return v
}

// batchEvents streams run events for a batch over a websocket. The first
// message is the batch's current status.
func (s *Server) batchEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before loading the snapshot so no event in between is missed.
	events, cancel := s.deps.Events.Subscribe(id)
	defer cancel()

	batch, err := s.deps.Batches.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err, batchNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "batch_id", id, "error", err)
		return
	}
	defer conn.Close()

	// Reader: handles pongs and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			slog.Debug("websocket write failed", "batch_id", id, "error", err)
			return false
		}
		return true
	}

	initial := service.Event{BatchID: id, Status: batch.Status, Total: batch.ImageTotal(), At: time.Now()}
	for _, p := range batch.Prompts {
		initial.Completed += len(p.GeneratedImages)
	}
	if !write(toEventView(initial)) {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !write(toEventView(ev)) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
