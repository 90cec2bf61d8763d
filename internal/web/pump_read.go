package web

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/quillchat/quill/internal/chat"
	"github.com/quillchat/quill/internal/monitoring"
)

// readPump reads frames from the socket, applies the publish rate
// limit, and routes commands. Any read error tears the session down.
func (sess *session) readPump() {
	defer monitoring.RecoverPanic(sess.logger, "readPump", map[string]any{"nick": sess.nick})
	defer sess.close()

	sess.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(sess.conn)
		if err != nil {
			sess.logger.Debug().Err(err).Msg("Read loop ended")
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			monitoring.RecordFrameReceived()
			sess.handleFrame(msg)
		case ws.OpClose:
			return
		case ws.OpPing, ws.OpPong:
			// gobwas answers pings through the controls handler; pongs
			// only refresh the read deadline above.
		}
	}
}

func (sess *session) handleFrame(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.enqueue(outboundFrame{Type: "error", Error: "malformed frame"})
		return
	}

	switch frame.Type {
	case "publish":
		if sess.publishLimiter != nil && !sess.publishLimiter.Allow() {
			monitoring.RecordRateLimited("publish")
			sess.enqueue(outboundFrame{Type: "error", Channel: frame.Channel, Error: "rate limit exceeded"})
			return
		}
		flow, ok := sess.flowByChannel(frame.Channel)
		if !ok {
			sess.enqueue(outboundFrame{Type: "error", Channel: frame.Channel, Error: chat.ErrNotJoined.Error()})
			return
		}
		flow.Publish(frame.Text)

	case "join":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sess.server.core.Join(ctx, sess.userID, frame.Channel)
		cancel()
		if err != nil {
			sess.enqueue(outboundFrame{Type: "error", Channel: frame.Channel, Error: err.Error()})
			return
		}
		sess.enqueue(outboundFrame{Type: "joined", Channel: frame.Channel})

	case "leave":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sess.leave(ctx, frame.Channel)
		cancel()
		if err != nil {
			sess.enqueue(outboundFrame{Type: "error", Channel: frame.Channel, Error: err.Error()})
			return
		}
		sess.enqueue(outboundFrame{Type: "left", Channel: frame.Channel})

	case "list":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		channels, err := sess.server.core.List(ctx)
		cancel()
		if err != nil {
			sess.enqueue(outboundFrame{Type: "error", Error: err.Error()})
			return
		}
		sess.enqueue(outboundFrame{Type: "channels", Channels: channels})

	default:
		sess.enqueue(outboundFrame{Type: "error", Error: "unknown frame type"})
	}
}

func (sess *session) leave(ctx context.Context, channelName string) error {
	info, err := sess.server.core.FindChannel(ctx, channelName)
	if err != nil {
		if errors.Is(err, chat.ErrChannelNameNotFound) {
			return chat.ErrNotJoined
		}
		return err
	}
	return sess.server.core.Leave(ctx, sess.userID, info.ID)
}
