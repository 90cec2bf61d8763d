package chat

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quillchat/quill/internal/ident"
	"github.com/quillchat/quill/internal/monitoring"
)

// ClientMessage is one published payload as delivered to a subscriber.
type ClientMessage struct {
	Channel ident.ID `json:"channel"`
	From    ident.ID `json:"from"`
	Text    string   `json:"text"`
}

// Channel is the actor owning one channel's live subscriber set. All
// mutations of that set and all fan-out happen on the actor goroutine,
// so a single publisher's messages reach every subscriber in publication
// order. No ordering is guaranteed across publishers.
//
// The actor applies per-subscriber backpressure: a full sink drops the
// message for that subscriber only and never blocks the others. Evicting
// a slow subscriber is the transport's call, not the actor's.
type Channel struct {
	id     ident.ID
	name   string
	logger zerolog.Logger

	mbox     chan channelMsg
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	members  atomic.Int64
}

type channelMsg interface{ channelMsg() }

type attachMsg struct {
	userID ident.ID
	sink   chan<- ClientMessage
}

type detachMsg struct {
	userID ident.ID
}

type publishMsg struct {
	from ident.ID
	text string
}

type listUsersMsg struct {
	reply chan<- []ident.ID
}

func (attachMsg) channelMsg()    {}
func (detachMsg) channelMsg()    {}
func (publishMsg) channelMsg()   {}
func (listUsersMsg) channelMsg() {}

func newChannelActor(id ident.ID, name string, logger zerolog.Logger, mailboxSize int) *Channel {
	c := &Channel{
		id:     id,
		name:   name,
		logger: logger.With().Str("component", "channel").Str("channel", name).Logger(),
		mbox:   make(chan channelMsg, mailboxSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Channel) run() {
	defer monitoring.RecoverPanic(c.logger, "channel.run", map[string]any{"channel": c.name})
	defer close(c.done)

	sinks := make(map[ident.ID]chan<- ClientMessage)

	for {
		select {
		case <-c.stop:
			return
		case m := <-c.mbox:
			switch m := m.(type) {
			case attachMsg:
				sinks[m.userID] = m.sink
				c.members.Store(int64(len(sinks)))
				c.logger.Debug().Stringer("user_id", m.userID).Msg("Party attached")

			case detachMsg:
				delete(sinks, m.userID)
				c.members.Store(int64(len(sinks)))
				c.logger.Debug().Stringer("user_id", m.userID).Msg("Party detached")

			case publishMsg:
				out := ClientMessage{Channel: c.id, From: m.from, Text: m.text}
				monitoring.RecordPublish()
				for userID, sink := range sinks {
					select {
					case sink <- out:
						monitoring.RecordDelivery()
					default:
						// Sink full. Drop for this subscriber only; the
						// transport owns the eviction decision.
						monitoring.RecordDrop(monitoring.DropReasonSinkFull)
						c.logger.Warn().
							Stringer("user_id", userID).
							Str("reason", monitoring.DropReasonSinkFull).
							Msg("Fan-out dropped for slow subscriber")
					}
				}

			case listUsersMsg:
				ids := make([]ident.ID, 0, len(sinks))
				for id := range sinks {
					ids = append(ids, id)
				}
				m.reply <- ids
			}
		}
	}
}

// ID returns the channel's identifier.
func (c *Channel) ID() ident.ID { return c.id }

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }

// Members returns the number of live streams currently attached.
func (c *Channel) Members() int {
	return int(c.members.Load())
}

// Publish fans text out to every attached subscriber, including the
// publisher's own stream if it is attached. Best effort: if the actor
// mailbox is saturated the message is dropped and accounted for.
func (c *Channel) Publish(from ident.ID, text string) {
	select {
	case c.mbox <- publishMsg{from: from, text: text}:
	case <-c.stop:
	default:
		monitoring.RecordDrop(monitoring.DropReasonMailboxFull)
		c.logger.Warn().
			Stringer("user_id", from).
			Str("reason", monitoring.DropReasonMailboxFull).
			Msg("Publish dropped")
	}
}

// ListUsers returns the ids of all currently attached parties. Returns
// nil once the actor has stopped.
func (c *Channel) ListUsers() []ident.ID {
	reply := make(chan []ident.ID, 1)
	select {
	case c.mbox <- listUsersMsg{reply: reply}:
	case <-c.stop:
		return nil
	}
	select {
	case ids := <-reply:
		return ids
	case <-c.done:
		return nil
	}
}

func (c *Channel) attach(userID ident.ID, sink chan<- ClientMessage) {
	select {
	case c.mbox <- attachMsg{userID: userID, sink: sink}:
	case <-c.stop:
	}
}

func (c *Channel) detach(userID ident.ID) {
	select {
	case c.mbox <- detachMsg{userID: userID}:
	case <-c.stop:
	}
}

// Stop terminates the actor. Pending mailbox messages are discarded;
// attached sinks are simply abandoned, their kill switches having been
// shut by the coordinator already.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}
