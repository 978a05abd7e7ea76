package devsim

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterje/mctl/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebREPL serves a Device the way a board's WebREPL daemon does: text frames
// carry terminal bytes, binary frames carry "WA" requests, and the first
// thing a client sees is the password prompt.
type WebREPL struct {
	Device   *Device
	Password string
	// Version is returned for GET_VER as (major, minor).
	Version [2]byte
}

func (s *WebREPL) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.Named("devsim")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var wmu sync.Mutex
	write := func(kind int, p []byte) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := conn.WriteMessage(kind, p); err != nil {
			log.Debug("write to client failed", zap.Error(err))
		}
	}

	s.Device.attach(func(p []byte) { write(websocket.TextMessage, p) })
	defer s.Device.attach(nil)
	s.Device.requirePassword(s.Password, func() {
		wmu.Lock()
		defer wmu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "access denied"))
		conn.Close()
	})

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			log.Debug("client gone", zap.Error(err))
			return
		}
		switch kind {
		case websocket.TextMessage:
			s.Device.Input(msg)
		case websocket.BinaryMessage:
			if reply := versionReply(msg, s.Version[0], s.Version[1]); reply != nil {
				write(websocket.BinaryMessage, reply)
			}
		}
	}
}
