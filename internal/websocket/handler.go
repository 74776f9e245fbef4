package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// Accept upgrades the request. Cross-origin requests are allowed only from
// origins matching one of the patterns.
func Accept(w http.ResponseWriter, r *http.Request, origins []string) (*ws.Conn, error) {
	return ws.Accept(w, r, &ws.AcceptOptions{
		OriginPatterns: origins,
	})
}

// HandleWebSocket returns an HTTP handler that upgrades connections and
// subscribes them to the hub.
func HandleWebSocket(hub *Hub, origins []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, origins)
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}

		NewClient(hub, conn).Run(r.Context())
	}
}
