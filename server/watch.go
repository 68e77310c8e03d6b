package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/pipeline"
	"github.com/teranos/docpipe/pulse/async"
)

// WebSocket timeouts, after the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Watch clients only send control frames
	maxMessageSize = 512
)

// HandleWatchJob streams Status snapshots of one job over a websocket. The
// current state is sent first; the stream closes after a terminal state.
func (s *Server) HandleWatchJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Subscribe before the read so no later transition is missed
	events := s.Queue.Subscribe()
	defer s.Queue.Unsubscribe(events)

	job, err := s.Queue.GetJob(r.Context(), id)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get job")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.requestLog(r).Warnw("WebSocket upgrade failed", logger.FieldJobID, id, logger.FieldError, err)
		return
	}
	defer conn.Close()
	log := s.requestLog(r).With(logger.FieldJobID, id, "remote", r.RemoteAddr)
	log.Debugw("Watch client connected")

	closed := make(chan struct{})
	go readUntilClosed(conn, closed)

	if !send(conn, job) || job.Status.Terminal() {
		closeNormally(conn)
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			log.Debugw("Watch client disconnected")
			return
		case <-r.Context().Done():
			closeNormally(conn)
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case snapshot := <-events:
			if snapshot.ID != id {
				continue
			}
			if !send(conn, snapshot) {
				return
			}
			if snapshot.Status.Terminal() {
				closeNormally(conn)
				return
			}
		}
	}
}

func send(conn *websocket.Conn, job *async.Job) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(pipeline.StatusOf(job)) == nil
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readUntilClosed services pongs and close frames and closes done when the
// peer goes away.
func readUntilClosed(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
