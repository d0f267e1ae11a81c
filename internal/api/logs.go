package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultTailLines = 100
	wsWriteTimeout   = 10 * time.Second
	wsPingInterval   = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type logsResponse struct {
	Lines []string `json:"lines"`
}

// handleLogs serves the buffered tail as JSON, or upgrades to a websocket
// and streams the tail plus live lines when follow is requested.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tail := defaultTailLines
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			tail = n
		}
	}

	follow := r.URL.Query().Get("follow") == "1" || r.URL.Query().Get("follow") == "true"
	if !follow {
		lines, err := s.mgr.Logs(id, tail)
		if err != nil {
			writeError(w, err)
			return
		}
		if lines == nil {
			lines = []string{}
		}
		writeJSON(w, http.StatusOK, logsResponse{Lines: lines})
		return
	}

	ch, cancel, err := s.mgr.SubscribeLogs(id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		return
	}
	defer cancel()
	defer func() { _ = conn.Close() }()

	// Drain client frames so close handshakes and pongs are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	tailLines, err := s.mgr.Logs(id, tail)
	if err != nil {
		return
	}
	for _, line := range tailLines {
		if writeLogLine(conn, line) != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tunnel removed"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if writeLogLine(conn, line) != nil {
				return
			}
		case <-ping.C:
			if conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)) != nil {
				return
			}
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeLogLine(conn *websocket.Conn, line string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}
