package diagview

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/kstaniek/gvretd/internal/logging"
)

const clientQueueSize = 256

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewServer builds the dashboard's HTTP handler: a "/ws" upgrade endpoint
// streaming Frame JSON and a "/healthz" liveness check.
func NewServer(hub *Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = logging.L()
	}
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWS(hub, logger, w, r)
	})
	return router
}

func serveWS(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("diagview_upgrade_error", "error", err)
		return
	}
	c := &client{out: make(chan Frame, clientQueueSize), closed: make(chan struct{})}
	hub.add(c)
	defer hub.remove(c)

	go func() {
		// Drain and discard any client->server traffic; disconnect on read error.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				c.close()
				return
			}
		}
	}()

	for {
		select {
		case fr := <-c.out:
			payload, err := json.Marshal(fr)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.closed:
			_ = conn.Close()
			return
		}
	}
}
