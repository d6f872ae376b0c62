package events

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/validation"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin only, plus loopback for local tooling.
	CheckOrigin: func(r *http.Request) bool {
		return validation.LocalOrigin(r.Header.Get("Origin"), r.Host)
	},
}

// StreamHandler serves the sink over a websocket. Query parameters:
// kind (repeatable) restricts kinds, since replays retained events with a
// greater sequence number before switching to live delivery.
func StreamHandler(s *Sink, logger *logging.Logger) http.Handler {
	log := logging.OrDefault(logger).WithComponent("events")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var kinds []Kind
		for _, k := range q["kind"] {
			kinds = append(kinds, Kind(k))
		}
		since := ^uint64(0)
		if v := q.Get("since"); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid since", http.StatusBadRequest)
				return
			}
			since = n
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err)
			return
		}

		backlog, sub := s.Replay(since, 256, kinds...)
		defer sub.Close()

		// Reader only detects the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := streamEvents(conn, backlog, sub, gone); err != nil {
			log.Debug("event stream closed", "remote", r.RemoteAddr, "error", err)
		}
		conn.Close()
	})
}

func streamEvents(conn *websocket.Conn, backlog []Event, sub *Subscription, gone <-chan struct{}) error {
	for _, e := range backlog {
		if err := writeEvent(conn, e); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeEvent(conn, e); err != nil {
				return err
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-gone:
			return nil
		}
	}
}

func writeEvent(conn *websocket.Conn, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
