package web

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/quillchat/quill/internal/monitoring"
)

// writePump drains the session send queue onto the socket, batching
// queued frames behind one flush to cut syscalls, and pings the peer on
// a fixed period.
func (sess *session) writePump() {
	defer monitoring.RecoverPanic(sess.logger, "writePump", map[string]any{"nick": sess.nick})
	defer sess.close()

	writer := bufio.NewWriter(sess.conn)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			wsutil.WriteServerMessage(sess.conn, ws.OpClose, nil)
			return

		case frame := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				sess.logger.Debug().Err(err).Msg("Write failed")
				return
			}
			monitoring.RecordFrameSent()

			// Batch whatever else is already queued.
			n := len(sess.send)
			for i := 0; i < n; i++ {
				frame = <-sess.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
					sess.logger.Debug().Err(err).Msg("Write failed")
					return
				}
				monitoring.RecordFrameSent()
			}
			if err := writer.Flush(); err != nil {
				sess.logger.Debug().Err(err).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(sess.conn, ws.OpPing, nil); err != nil {
				sess.logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}
