package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillchat/quill/internal/chat"
)

// wsClient is a minimal test-side WebSocket peer.
type wsClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func dialWS(t *testing.T, ts *httptest.Server, nick string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?nick=" + nick

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}
	return &wsClient{t: t, conn: conn, rw: rw}
}

func (c *wsClient) send(frame inboundFrame) {
	c.t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteClientMessage(c.rw, ws.OpText, data))
}

func (c *wsClient) recv() outboundFrame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, op, err := wsutil.ReadServerData(c.rw)
	require.NoError(c.t, err)
	require.Equal(c.t, ws.OpText, op)

	var frame outboundFrame
	require.NoError(c.t, json.Unmarshal(data, &frame))
	return frame
}

func userByNick(t *testing.T, core *chat.Server, nick string) (chat.UserInfo, bool) {
	t.Helper()
	snap, err := core.ReadState(context.Background())
	require.NoError(t, err)
	for _, u := range snap.Users {
		if u.Nick == nick {
			return u, true
		}
	}
	return chat.UserInfo{}, false
}

func TestWebSocketChat(t *testing.T) {
	core, ts := newTestFacade(t)

	alice := dialWS(t, ts, "alice")
	alice.send(inboundFrame{Type: "join", Channel: "general"})
	assert.Equal(t, outboundFrame{Type: "joined", Channel: "general"}, alice.recv())

	bob := dialWS(t, ts, "bob")
	bob.send(inboundFrame{Type: "join", Channel: "general"})
	assert.Equal(t, outboundFrame{Type: "joined", Channel: "general"}, bob.recv())

	aliceInfo, ok := userByNick(t, core, "alice")
	require.True(t, ok)

	alice.send(inboundFrame{Type: "publish", Channel: "general", Text: "hi all"})

	for name, c := range map[string]*wsClient{"alice": alice, "bob": bob} {
		frame := c.recv()
		assert.Equal(t, "message", frame.Type, name)
		assert.Equal(t, "general", frame.Channel, name)
		assert.Equal(t, aliceInfo.ID.String(), frame.From, name)
		assert.Equal(t, "hi all", frame.Text, name)
	}
}

func TestWebSocketPublishWithoutJoin(t *testing.T) {
	_, ts := newTestFacade(t)

	c := dialWS(t, ts, "alice")
	c.send(inboundFrame{Type: "publish", Channel: "ghost", Text: "anyone?"})

	frame := c.recv()
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, chat.ErrNotJoined.Error(), frame.Error)
}

func TestWebSocketLeave(t *testing.T) {
	_, ts := newTestFacade(t)

	c := dialWS(t, ts, "alice")
	c.send(inboundFrame{Type: "join", Channel: "general"})
	assert.Equal(t, "joined", c.recv().Type)

	c.send(inboundFrame{Type: "leave", Channel: "general"})
	assert.Equal(t, outboundFrame{Type: "left", Channel: "general"}, c.recv())

	// Publishing after leaving reports the severed subscription.
	c.send(inboundFrame{Type: "publish", Channel: "general", Text: "late"})
	frame := c.recv()
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, chat.ErrNotJoined.Error(), frame.Error)
}

func TestWebSocketList(t *testing.T) {
	_, ts := newTestFacade(t)

	c := dialWS(t, ts, "alice")
	c.send(inboundFrame{Type: "join", Channel: "general"})
	assert.Equal(t, "joined", c.recv().Type)

	c.send(inboundFrame{Type: "list"})
	frame := c.recv()
	require.Equal(t, "channels", frame.Type)
	require.Len(t, frame.Channels, 1)
	assert.Equal(t, "general", frame.Channels[0].Name)
	assert.Equal(t, 1, frame.Channels[0].UserCount)
}

func TestWebSocketBadFrames(t *testing.T) {
	_, ts := newTestFacade(t)

	c := dialWS(t, ts, "alice")

	require.NoError(t, wsutil.WriteClientMessage(c.rw, ws.OpText, []byte("{broken")))
	assert.Equal(t, "malformed frame", c.recv().Error)

	c.send(inboundFrame{Type: "dance"})
	assert.Equal(t, "unknown frame type", c.recv().Error)

	c.send(inboundFrame{Type: "join", Channel: "9lives"})
	frame := c.recv()
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, "Invalid channel name", frame.Error)
}

func TestWebSocketDuplicateNickRejected(t *testing.T) {
	_, ts := newTestFacade(t)

	_ = dialWS(t, ts, "alice")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?nick=alice"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}

	// The server completes the upgrade, then rejects with a close frame.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = wsutil.ReadServerText(rw)
	require.Error(t, err)
	var closed wsutil.ClosedError
	if assert.ErrorAs(t, err, &closed) {
		assert.Equal(t, ws.StatusPolicyViolation, closed.Code)
		assert.Equal(t, chat.ErrNickTaken.Error(), closed.Reason)
	}
}

func TestWebSocketDisconnectFreesNick(t *testing.T) {
	core, ts := newTestFacade(t)
	ctx := context.Background()

	c := dialWS(t, ts, "alice")
	c.send(inboundFrame{Type: "join", Channel: "general"})
	assert.Equal(t, "joined", c.recv().Type)
	c.conn.Close()

	// The read pump notices the closed socket and disconnects the user,
	// freeing the nick and severing the subscription.
	require.Eventually(t, func() bool {
		_, ok := userByNick(t, core, "alice")
		return !ok
	}, 2*time.Second, 20*time.Millisecond)

	info, err := core.FindChannel(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, 0, info.UserCount)
}
