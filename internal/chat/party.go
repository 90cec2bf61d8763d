package chat

import (
	"github.com/quillchat/quill/internal/ident"
)

// PartyFlow is the bidirectional stream segment between one user's
// transport and one channel actor.
//
// Inbound half: Publish converts client payloads into channel
// publications carrying the user's id. Outbound half: Out yields the
// channel's fan-out as ClientMessage values ready for transmission.
//
// The coordinator prepares a flow per (user, channel) join and hands it
// to the user's materializer; materialization attaches the flow to the
// actor and yields the kill switch the coordinator stores against the
// pair.
type PartyFlow struct {
	channel *Channel
	userID  ident.ID
	out     chan ClientMessage
	done    chan struct{}
}

// NewPartyFlow builds the flow segment for (channel, userID) with the
// given outbound buffer. The flow is inert until Materialize runs.
func NewPartyFlow(channel *Channel, userID ident.ID, buffer int) *PartyFlow {
	return &PartyFlow{
		channel: channel,
		userID:  userID,
		out:     make(chan ClientMessage, buffer),
		done:    make(chan struct{}),
	}
}

// ChannelID returns the id of the channel this flow feeds.
func (f *PartyFlow) ChannelID() ident.ID { return f.channel.ID() }

// ChannelName returns the name of the channel this flow feeds.
func (f *PartyFlow) ChannelName() string { return f.channel.Name() }

// UserID returns the id of the party owning this flow.
func (f *PartyFlow) UserID() ident.ID { return f.userID }

// Publish sends text into the channel on behalf of the flow's user.
// No-op once the flow is shut down.
func (f *PartyFlow) Publish(text string) {
	select {
	case <-f.done:
		return
	default:
	}
	f.channel.Publish(f.userID, text)
}

// Out is the outbound half: the channel's fan-out for this party. The
// channel stops writing to it once the flow's kill switch fires; the
// channel itself is never closed, consumers select on Done instead.
func (f *PartyFlow) Out() <-chan ClientMessage { return f.out }

// Done is closed when the flow's kill switch fires.
func (f *PartyFlow) Done() <-chan struct{} { return f.done }

// Materialize attaches the flow to its channel actor and returns the
// one-shot switch severing it. The stop hook, if any, runs once on
// shutdown after the flow detaches; transports use it to unhook the flow
// from their socket plumbing. It must not call back into the
// coordinator.
func (f *PartyFlow) Materialize(stop func()) *KillSwitch {
	f.channel.attach(f.userID, f.out)
	return NewKillSwitch(func() {
		f.channel.detach(f.userID)
		close(f.done)
		if stop != nil {
			stop()
		}
	})
}
