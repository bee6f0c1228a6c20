package guiserver

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
)

// wsConn carries the same length-prefixed frames as the TCP listener,
// one frame per binary websocket message.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadFrame() (*hash.Hash, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return ReadFrame(bytes.NewReader(data))
	}
}

func (w *wsConn) WriteFrame(h *hash.Hash) (int, error) {
	out, err := EncodeFrame(h)
	if err != nil {
		return 0, err
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
		return 0, err
	}
	return len(out), nil
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

func (w *wsConn) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StartWebsocket opens an additional websocket listener speaking the
// same protocol. Call after Start.
func (s *Server) StartWebsocket(addr string) error {
	if s.ctx == nil {
		return errors.NewProtocolMisuse("websocket listener requires a started server")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "error", err)
			return
		}
		s.addClient(newClient(s, &wsConn{conn: conn}))
	})
	s.wsServer = &http.Server{Addr: addr, Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("websocket listener failed", "error", err)
		}
	}()
	s.log.Info("websocket listener started", "addr", addr)
	return nil
}

func (s *Server) stopWebsocket() {
	if s.wsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.wsServer.Shutdown(ctx)
}
