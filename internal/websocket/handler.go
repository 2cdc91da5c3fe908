package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleSubscribe returns an HTTP handler that upgrades a connection and
// streams the changes of the zone named by zoneOf. The "exclude" query
// parameter names the subscribing device.
func HandleSubscribe(hub *Hub, zoneOf func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zone := zoneOf(r)
		if zone == "" {
			http.Error(w, "missing zone", http.StatusBadRequest)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // devices are not browsers; there is no origin to check
		})
		if err != nil {
			hub.logger.Warn("accept subscription", "zone", zone, "error", err)
			return
		}
		defer conn.CloseNow()

		hub.logger.Debug("device subscribed", "zone", zone, "device_id", r.URL.Query().Get("exclude"))
		NewClient(hub, conn, zone, r.URL.Query().Get("exclude")).Run(r.Context())
	}
}
