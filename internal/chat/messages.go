package chat

import "github.com/quillchat/quill/internal/ident"

// Envelope layer between callers and the coordinator. Every command is a
// typed struct carrying a buffered reply channel; the coordinator (or,
// for List, its spawned collector) answers with exactly one Reply.

// Reply is the coordinator's answer envelope. Exactly one of the value
// fields is populated for a successful command that returns data; Err is
// set for failed commands; acknowledged no-reply transitions leave every
// field zero.
type Reply struct {
	Channels []ChannelInfo
	Channel  *ChannelInfo
	User     *UserInfo
	State    *StateSnapshot
	Err      error
}

type controlMessage interface {
	replyTo() chan<- Reply
}

type listCmd struct {
	reply chan Reply
}

type newChannelCmd struct {
	name  string
	reply chan Reply
}

type findChannelCmd struct {
	name  string
	reply chan Reply
}

type setTopicCmd struct {
	channel ident.ID
	topic   string
	reply   chan Reply
}

type dropChannelCmd struct {
	channel ident.ID
	reply   chan Reply
}

type connectCmd struct {
	nick         string
	email        string
	materializer Materializer
	channels     []ident.ID
	reply        chan Reply
}

type disconnectCmd struct {
	user  ident.ID
	reply chan Reply
}

type joinCmd struct {
	user        ident.ID
	channelName string
	reply       chan Reply
}

type leaveCmd struct {
	user    ident.ID
	channel ident.ID
	reply   chan Reply
}

type getUserCmd struct {
	user  ident.ID
	reply chan Reply
}

type readStateCmd struct {
	reply chan Reply
}

type updateStateCmd struct {
	fn    func(*State)
	reply chan Reply
}

func (c listCmd) replyTo() chan<- Reply        { return c.reply }
func (c newChannelCmd) replyTo() chan<- Reply  { return c.reply }
func (c findChannelCmd) replyTo() chan<- Reply { return c.reply }
func (c setTopicCmd) replyTo() chan<- Reply    { return c.reply }
func (c dropChannelCmd) replyTo() chan<- Reply { return c.reply }
func (c connectCmd) replyTo() chan<- Reply     { return c.reply }
func (c disconnectCmd) replyTo() chan<- Reply  { return c.reply }
func (c joinCmd) replyTo() chan<- Reply        { return c.reply }
func (c leaveCmd) replyTo() chan<- Reply       { return c.reply }
func (c getUserCmd) replyTo() chan<- Reply     { return c.reply }
func (c readStateCmd) replyTo() chan<- Reply   { return c.reply }
func (c updateStateCmd) replyTo() chan<- Reply { return c.reply }
