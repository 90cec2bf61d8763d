package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quillchat/quill/internal/chat"
	"github.com/quillchat/quill/internal/ident"
	"github.com/quillchat/quill/internal/monitoring"
)

// inboundFrame is one JSON command read from the socket.
type inboundFrame struct {
	Type    string `json:"type"` // join | leave | publish | list
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text,omitempty"`
}

// outboundFrame is one JSON event written to the socket.
type outboundFrame struct {
	Type     string             `json:"type"` // message | joined | left | channels | error
	Channel  string             `json:"channel,omitempty"`
	From     string             `json:"from,omitempty"`
	Text     string             `json:"text,omitempty"`
	Error    string             `json:"error,omitempty"`
	Channels []chat.ChannelInfo `json:"channels,omitempty"`
}

// session is one WebSocket user. The session's materializer is invoked
// by the coordinator once per joined channel; it forwards that channel's
// fan-out into the shared send queue and registers the flow so inbound
// publishes can be routed by channel name.
type session struct {
	server *Server
	logger zerolog.Logger

	conn net.Conn
	nick string
	// Set after Connect succeeds; the read pump is the only writer.
	userID ident.ID

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	publishLimiter *rate.Limiter

	mu    sync.Mutex
	flows map[string]*chat.PartyFlow // channel name -> flow
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.connLimiter != nil && !s.connLimiter.Allow(ip) {
		monitoring.RecordConnectionRejected("rate_limit")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	nick := r.URL.Query().Get("nick")
	if nick == "" {
		http.Error(w, "Missing nick", http.StatusBadRequest)
		return
	}
	email := r.URL.Query().Get("email")

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		monitoring.RecordConnectionRejected("capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		monitoring.RecordConnectionRejected("upgrade_failed")
		s.logger.Error().Err(err).Str("client_ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	sess := &session{
		server: s,
		logger: s.logger.With().Str("nick", nick).Str("client_ip", ip).Logger(),
		conn:   conn,
		nick:   nick,
		send:   make(chan []byte, s.config.SendBuffer),
		done:   make(chan struct{}),
		flows:  make(map[string]*chat.PartyFlow),
	}
	if s.config.PublishRate > 0 {
		sess.publishLimiter = rate.NewLimiter(rate.Limit(s.config.PublishRate), s.config.PublishBurst)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	info, err := s.core.Connect(ctx, nick, email, sess.materializer, nil)
	cancel()
	if err != nil {
		body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, err.Error())
		ws.WriteFrame(conn, ws.NewCloseFrame(body))
		conn.Close()
		<-s.connectionsSem
		monitoring.RecordConnectionRejected("connect_failed")
		sess.logger.Warn().Err(err).Msg("Connect rejected")
		return
	}
	sess.userID = info.ID

	s.sessions.Store(sess, struct{}{})
	monitoring.RecordConnection()
	sess.logger.Info().Stringer("user_id", info.ID).Msg("Client connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		sess.writePump()
	}()
	go func() {
		defer s.wg.Done()
		sess.readPump()
	}()
}

// materializer runs on the coordinator goroutine. It must not call back
// into the coordinator; it only wires the flow into session plumbing.
func (sess *session) materializer(flow *chat.PartyFlow) (*chat.KillSwitch, error) {
	name := flow.ChannelName()

	sess.mu.Lock()
	sess.flows[name] = flow
	sess.mu.Unlock()

	go sess.forward(flow)

	return flow.Materialize(func() {
		sess.mu.Lock()
		if sess.flows[name] == flow {
			delete(sess.flows, name)
		}
		sess.mu.Unlock()
	}), nil
}

// forward copies one channel's fan-out into the session send queue.
func (sess *session) forward(flow *chat.PartyFlow) {
	defer monitoring.RecoverPanic(sess.logger, "session.forward", map[string]any{"channel": flow.ChannelName()})
	for {
		select {
		case msg := <-flow.Out():
			frame, err := json.Marshal(outboundFrame{
				Type:    "message",
				Channel: flow.ChannelName(),
				From:    msg.From.String(),
				Text:    msg.Text,
			})
			if err != nil {
				sess.logger.Error().Err(err).Msg("Failed to encode outbound frame")
				continue
			}
			select {
			case sess.send <- frame:
			default:
				// Session queue full on top of an already-drained sink;
				// drop here and let the write pump's deadline police a
				// truly dead peer.
				monitoring.RecordDrop(monitoring.DropReasonSinkFull)
			}
		case <-flow.Done():
			return
		case <-sess.done:
			return
		}
	}
}

func (sess *session) enqueue(frame outboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		sess.logger.Error().Err(err).Msg("Failed to encode frame")
		return
	}
	select {
	case sess.send <- data:
	case <-sess.done:
	}
}

func (sess *session) flowByChannel(name string) (*chat.PartyFlow, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	flow, ok := sess.flows[name]
	return flow, ok
}

// close tears the session down once: the user is disconnected from the
// core (severing every subscription), the socket closed, the slot freed.
func (sess *session) close() {
	sess.closeOnce.Do(func() {
		close(sess.done)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sess.server.core.Disconnect(ctx, sess.userID); err != nil {
			sess.logger.Debug().Err(err).Msg("Disconnect on close")
		}
		cancel()

		sess.conn.Close()
		sess.server.sessions.Delete(sess)
		<-sess.server.connectionsSem
		monitoring.RecordDisconnection()
		sess.logger.Info().Msg("Client disconnected")
	})
}
