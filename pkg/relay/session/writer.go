package session

import (
	"time"

	"github.com/gorilla/websocket"
)

// clientWriteLoop is the single writer on the client socket. Control frames
// (relay errors, warnings) preempt relayed upstream traffic; pings keep the
// socket alive between frames. When upstream finishes it closes toClient;
// the loop drains every frame already received before sending the close
// frame. Write failures and cancellation tear the session down via the
// deferred cancel and close, so the read loops never outlive the writer.
func (s *Session) clientWriteLoop() error {
	defer s.closeClient()
	defer s.cancel()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		// Hard priority for control frames.
		select {
		case f := <-s.control:
			if err := s.writeClient(f); err != nil {
				return nil
			}
			continue
		default:
		}

		select {
		case <-s.ctx.Done():
			s.flushControlOnShutdown()
			return nil
		case <-pingTicker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.client.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return nil
			}
		case f := <-s.control:
			if err := s.writeClient(f); err != nil {
				return nil
			}
		case f, ok := <-s.toClient:
			if !ok {
				// Upstream is done and its buffered frames have all been
				// written; finish with any pending control frames.
				s.flushControlOnShutdown()
				return nil
			}
			if err := s.writeClient(f); err != nil {
				return nil
			}
		}
	}
}

func (s *Session) writeClient(f frame) error {
	_ = s.client.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.client.WriteMessage(f.messageType, f.data)
}

// flushControlOnShutdown gives queued control frames a short, bounded window
// to reach the client before the close frame goes out.
func (s *Session) flushControlOnShutdown() {
	flushTimeout := 100 * time.Millisecond
	if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < flushTimeout {
		flushTimeout = s.cfg.WriteTimeout
	}
	deadline := time.Now().Add(flushTimeout)

	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case f := <-s.control:
			_ = s.writeClient(f)
		default:
			return
		}
	}
}
