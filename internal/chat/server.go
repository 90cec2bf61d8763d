package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quillchat/quill/internal/ident"
	"github.com/quillchat/quill/internal/monitoring"
)

// Options configures the coordinator.
type Options struct {
	Logger zerolog.Logger

	// CommandMailbox is the coordinator's inbound queue depth.
	CommandMailbox int
	// ChannelMailbox is each channel actor's inbound queue depth.
	ChannelMailbox int
	// SinkBuffer is the per-subscriber outbound buffer. A subscriber
	// whose buffer fills loses messages until it drains.
	SinkBuffer int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.CommandMailbox <= 0 {
		opts.CommandMailbox = 256
	}
	if opts.ChannelMailbox <= 0 {
		opts.ChannelMailbox = 1024
	}
	if opts.SinkBuffer <= 0 {
		opts.SinkBuffer = 256
	}
	return opts
}

// Server is the coordinator: the single owner of the (users, channels)
// state. Commands are processed one at a time in arrival order by a
// dedicated goroutine, so every observable state transition is atomic
// with respect to concurrent callers. The only suspending command is
// List, which collects per-channel member lists out-of-band without
// blocking the mailbox.
type Server struct {
	opts   Options
	logger zerolog.Logger

	cmds chan controlMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Owned by the run goroutine only.
	state *State
}

// NewServer starts a coordinator and returns its handle.
func NewServer(opts Options) *Server {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "coordinator").Logger(),
		cmds:   make(chan controlMessage, opts.CommandMailbox),
		ctx:    ctx,
		cancel: cancel,
		state:  newState(),
	}
	s.wg.Add(1)
	go s.run()
	s.logger.Info().
		Int("command_mailbox", opts.CommandMailbox).
		Int("channel_mailbox", opts.ChannelMailbox).
		Int("sink_buffer", opts.SinkBuffer).
		Msg("Coordinator started")
	return s
}

// Close shuts the coordinator down: every live subscription is severed,
// every channel actor stopped. Commands in flight receive the
// coordinator's context error.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return
		case m := <-s.cmds:
			s.dispatch(m)
			monitoring.SetActiveChannels(len(s.state.Channels))
			monitoring.SetActiveUsers(len(s.state.Users))
		}
	}
}

func (s *Server) teardown() {
	for _, u := range s.state.Users {
		for _, ks := range u.Channels {
			if ks != nil {
				ks.Shutdown()
			}
		}
	}
	for _, ch := range s.state.Channels {
		ch.Actor.Stop()
	}
	s.logger.Info().Msg("Coordinator stopped")
}

// dispatch runs one command against the state. Panics from downstream
// code (a misbehaving materializer, a state transform) are converted to
// an Error reply so they cannot poison subsequent commands.
func (s *Server) dispatch(m controlMessage) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.LogRecoveredPanic(s.logger, "coordinator.dispatch", r)
			select {
			case m.replyTo() <- Reply{Err: fmt.Errorf("internal error: %v", r)}:
			default:
			}
		}
	}()

	switch m := m.(type) {
	case listCmd:
		s.handleList(m)
	case newChannelCmd:
		m.reply <- s.handleNewChannel(m.name)
	case findChannelCmd:
		m.reply <- s.handleFindChannel(m.name)
	case setTopicCmd:
		m.reply <- s.handleSetTopic(m.channel, m.topic)
	case dropChannelCmd:
		m.reply <- s.handleDropChannel(m.channel)
	case connectCmd:
		m.reply <- s.handleConnect(m)
	case disconnectCmd:
		m.reply <- s.handleDisconnect(m.user)
	case joinCmd:
		m.reply <- s.handleJoin(m.user, m.channelName)
	case leaveCmd:
		m.reply <- s.handleLeave(m.user, m.channel)
	case getUserCmd:
		m.reply <- s.handleGetUser(m.user)
	case readStateCmd:
		m.reply <- Reply{State: s.snapshot()}
	case updateStateCmd:
		m.fn(s.state)
		s.state.reindex()
		m.reply <- Reply{}
	}
}

// handleList snapshots the channel set and collects each actor's member
// list on a child goroutine per channel, so a busy actor never blocks
// the coordinator mailbox. The merged ChannelList is sent once every
// worker has answered.
func (s *Server) handleList(m listCmd) {
	type entry struct {
		info  ChannelInfo
		actor *Channel
	}
	entries := make([]entry, 0, len(s.state.Channels))
	for _, ch := range s.state.Channels {
		entries = append(entries, entry{
			info:  ChannelInfo{ID: ch.ID, Name: ch.Name, Topic: ch.Topic},
			actor: ch.Actor,
		})
	}

	go func() {
		infos := make([]ChannelInfo, len(entries))
		var wg sync.WaitGroup
		for i, e := range entries {
			wg.Add(1)
			go func(i int, e entry) {
				defer wg.Done()
				e.info.UserCount = len(e.actor.ListUsers())
				infos[i] = e.info
			}(i, e)
		}
		wg.Wait()
		sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
		m.reply <- Reply{Channels: infos}
	}()
}

func (s *Server) handleNewChannel(name string) Reply {
	if ch, ok := s.state.channelByName(name); ok {
		info := s.channelInfo(ch)
		return Reply{Channel: &info}
	}
	ch, err := s.createChannel(name)
	if err != nil {
		return Reply{Err: err}
	}
	info := s.channelInfo(ch)
	return Reply{Channel: &info}
}

func (s *Server) handleFindChannel(name string) Reply {
	ch, ok := s.state.channelByName(name)
	if !ok {
		return Reply{Err: ErrChannelNameNotFound}
	}
	info := s.channelInfo(ch)
	return Reply{Channel: &info}
}

func (s *Server) handleSetTopic(id ident.ID, topic string) Reply {
	ch, ok := s.state.Channels[id]
	if !ok {
		return Reply{Err: ErrChannelNotFound}
	}
	ch.Topic = topic
	return Reply{}
}

// handleDropChannel removes the channel and kicks every subscriber: each
// affected user's kill switch fires and the (user, channel) entry is
// deleted, then the actor stops.
func (s *Server) handleDropChannel(id ident.ID) Reply {
	ch, ok := s.state.Channels[id]
	if !ok {
		return Reply{Err: ErrChannelNotFound}
	}
	for _, u := range s.state.Users {
		ks, joined := u.Channels[id]
		if !joined {
			continue
		}
		if ks != nil {
			ks.Shutdown()
		}
		delete(u.Channels, id)
	}
	s.state.removeChannel(id)
	ch.Actor.Stop()
	s.logger.Info().Str("channel", ch.Name).Msg("Channel dropped")
	return Reply{}
}

func (s *Server) handleConnect(m connectCmd) Reply {
	if _, taken := s.state.userByNick(m.nick); taken {
		return Reply{Err: ErrNickTaken}
	}

	u := &UserData{
		ID:           ident.New(),
		Nick:         m.nick,
		Email:        m.email,
		Materializer: m.materializer,
		Channels:     make(map[ident.ID]*KillSwitch),
	}

	// Unknown channel ids in the initial subscription list are silently
	// dropped; only existing channels are subscribed.
	for _, chanID := range m.channels {
		ch, ok := s.state.Channels[chanID]
		if !ok {
			s.logger.Debug().
				Stringer("channel_id", chanID).
				Str("nick", m.nick).
				Msg("Ignoring unknown channel id on connect")
			continue
		}
		if _, joined := u.Channels[chanID]; joined {
			continue
		}
		ks, err := s.materialize(u, ch)
		if err != nil {
			// All-or-nothing: undo the streams already wired and
			// register nothing.
			for _, prev := range u.Channels {
				if prev != nil {
					prev.Shutdown()
				}
			}
			return Reply{Err: err}
		}
		u.Channels[chanID] = ks
	}

	s.state.addUser(u)
	s.logger.Info().
		Str("nick", u.Nick).
		Stringer("user_id", u.ID).
		Int("channels", len(u.Channels)).
		Msg("User connected")
	info := s.userInfo(u)
	return Reply{User: &info}
}

func (s *Server) handleDisconnect(id ident.ID) Reply {
	u, ok := s.state.Users[id]
	if !ok {
		return Reply{Err: ErrUserNotFound}
	}
	for _, ks := range u.Channels {
		if ks != nil {
			ks.Shutdown()
		}
	}
	s.state.removeUser(id)
	s.logger.Info().Str("nick", u.Nick).Stringer("user_id", id).Msg("User disconnected")
	return Reply{}
}

func (s *Server) handleJoin(userID ident.ID, channelName string) Reply {
	u, ok := s.state.Users[userID]
	if !ok {
		return Reply{Err: ErrUserNotFound}
	}
	ch, exists := s.state.channelByName(channelName)
	if exists {
		if _, joined := u.Channels[ch.ID]; joined {
			return Reply{Err: ErrAlreadyJoined}
		}
	} else {
		if !ValidChannelName(channelName) {
			return Reply{Err: ErrInvalidChannelName}
		}
	}

	// Validation done; create the channel on demand, then wire the
	// stream. A failed materializer leaves the user's map untouched but
	// keeps the auto-created channel, matching NewChannel's semantics.
	if !exists {
		created, err := s.createChannel(channelName)
		if err != nil {
			return Reply{Err: err}
		}
		ch = created
	}
	ks, err := s.materialize(u, ch)
	if err != nil {
		return Reply{Err: err}
	}
	u.Channels[ch.ID] = ks
	s.logger.Info().
		Str("nick", u.Nick).
		Str("channel", ch.Name).
		Bool("live", ks != nil).
		Msg("User joined channel")
	return Reply{}
}

func (s *Server) handleLeave(userID, chanID ident.ID) Reply {
	u, ok := s.state.Users[userID]
	if !ok {
		return Reply{Err: ErrUserNotFound}
	}
	ks, joined := u.Channels[chanID]
	if !joined {
		return Reply{Err: ErrNotJoined}
	}
	if ks != nil {
		ks.Shutdown()
	}
	delete(u.Channels, chanID)
	s.logger.Info().Str("nick", u.Nick).Stringer("channel_id", chanID).Msg("User left channel")
	return Reply{}
}

func (s *Server) handleGetUser(id ident.ID) Reply {
	u, ok := s.state.Users[id]
	if !ok {
		return Reply{Err: ErrUserNotFound}
	}
	info := s.userInfo(u)
	return Reply{User: &info}
}

func (s *Server) createChannel(name string) (*ChannelData, error) {
	if !ValidChannelName(name) {
		return nil, ErrInvalidChannelName
	}
	id := ident.New()
	ch := &ChannelData{
		ID:    id,
		Name:  name,
		Actor: newChannelActor(id, name, s.logger, s.opts.ChannelMailbox),
	}
	s.state.addChannel(ch)
	s.logger.Info().Str("channel", name).Stringer("channel_id", ch.ID).Msg("Channel created")
	return ch, nil
}

// materialize wires one (user, channel) stream. Headless users get no
// stream and a nil switch. Materializer panics become errors.
func (s *Server) materialize(u *UserData, ch *ChannelData) (ks *KillSwitch, err error) {
	if u.Materializer == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			monitoring.LogRecoveredPanic(s.logger, "materializer", r)
			ks, err = nil, fmt.Errorf("materializer failed: %v", r)
		}
	}()
	flow := NewPartyFlow(ch.Actor, u.ID, s.opts.SinkBuffer)
	return u.Materializer(flow)
}

func (s *Server) channelInfo(ch *ChannelData) ChannelInfo {
	return ChannelInfo{
		ID:        ch.ID,
		Name:      ch.Name,
		Topic:     ch.Topic,
		UserCount: ch.Actor.Members(),
	}
}

func (s *Server) userInfo(u *UserData) UserInfo {
	channels := make([]ChannelInfo, 0, len(u.Channels))
	for chanID := range u.Channels {
		if ch, ok := s.state.Channels[chanID]; ok {
			channels = append(channels, s.channelInfo(ch))
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	return UserInfo{ID: u.ID, Nick: u.Nick, Email: u.Email, Channels: channels}
}

func (s *Server) snapshot() *StateSnapshot {
	snap := &StateSnapshot{
		Channels: make([]ChannelInfo, 0, len(s.state.Channels)),
		Users:    make([]UserInfo, 0, len(s.state.Users)),
	}
	for _, ch := range s.state.Channels {
		snap.Channels = append(snap.Channels, s.channelInfo(ch))
	}
	for _, u := range s.state.Users {
		snap.Users = append(snap.Users, s.userInfo(u))
	}
	sort.Slice(snap.Channels, func(i, j int) bool { return snap.Channels[i].Name < snap.Channels[j].Name })
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].Nick < snap.Users[j].Nick })
	return snap
}

// ask submits a command and waits for its single reply.
func (s *Server) ask(ctx context.Context, m controlMessage, reply chan Reply) (Reply, error) {
	select {
	case s.cmds <- m:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-s.ctx.Done():
		return Reply{}, s.ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-s.ctx.Done():
		return Reply{}, s.ctx.Err()
	}
}

// List returns every channel with its live user count.
func (s *Server) List(ctx context.Context) ([]ChannelInfo, error) {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, listCmd{reply: reply}, reply)
	err = firstErr(err, r.Err)
	monitoring.RecordCommand("list", err)
	if err != nil {
		return nil, err
	}
	return r.Channels, nil
}

// NewChannel creates a channel, or returns the existing one of the same
// name without error.
func (s *Server) NewChannel(ctx context.Context, name string) (ChannelInfo, error) {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, newChannelCmd{name: name, reply: reply}, reply)
	err = firstErr(err, r.Err)
	monitoring.RecordCommand("new_channel", err)
	if err != nil {
		return ChannelInfo{}, err
	}
	return *r.Channel, nil
}

// FindChannel looks a channel up by name.
func (s *Server) FindChannel(ctx context.Context, name string) (ChannelInfo, error) {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, findChannelCmd{name: name, reply: reply}, reply)
	err = firstErr(err, r.Err)
	monitoring.RecordCommand("find_channel", err)
	if err != nil {
		return ChannelInfo{}, err
	}
	return *r.Channel, nil
}

// SetTopic updates a channel's topic.
func (s *Server) SetTopic(ctx context.Context, chanID ident.ID, topic string) error {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, setTopicCmd{channel: chanID, topic: topic, reply: reply}, reply)
	err = firstErr(err, r.Err)
	monitoring.RecordCommand("set_topic", err)
	return err
}

// DropChannel removes a channel and severs every subscription to it.
func (s *Server) DropChannel(ctx context.Context, chanID ident.ID) error {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, dropChannelCmd{channel: chanID, reply: reply}, reply)
	err = firstErr(err, r.Err)
	monitoring.RecordCommand("drop_channel", err)
	return err
}

// Connect registers a user and subscribes it to every existing channel
// in channels; unknown ids are dropped. A nil materializer registers a
// headless user.
func (s *Server) Connect(ctx context.Context, nick, email string, materializer Materializer, channels []ident.ID) (UserInfo, error) {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, connectCmd{
		nick:         nick,
		email:        email,
		materializer: materializer,
		channels:     channels,
		reply:        reply,
	}, reply)
	err = firstErr(err, r.Err)
	monitoring.RecordCommand("connect", err)
	if err != nil {
		return UserInfo{}, err
	}
	return *r.User, nil
}

// Disconnect severs all of a user's subscriptions and removes it.
func (s *Server) Disconnect(ctx context.Context, userID ident.ID) error {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, disconnectCmd{user: userID, reply: reply}, reply)
	err = firstErr(err, r.Err)
	monitoring.RecordCommand("disconnect", err)
	return err
}

// Join subscribes a user to the named channel, creating the channel on
// demand when the name is valid.
func (s *Server) Join(ctx context.Context, userID ident.ID, channelName string) error {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, joinCmd{user: userID, channelName: channelName, reply: reply}, reply)
	err = firstErr(err, r.Err)
	monitoring.RecordCommand("join", err)
	return err
}

// Leave severs a user's subscription to one channel.
func (s *Server) Leave(ctx context.Context, userID, chanID ident.ID) error {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, leaveCmd{user: userID, channel: chanID, reply: reply}, reply)
	err = firstErr(err, r.Err)
	monitoring.RecordCommand("leave", err)
	return err
}

// GetUser returns the caller-visible view of one user.
func (s *Server) GetUser(ctx context.Context, userID ident.ID) (UserInfo, error) {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, getUserCmd{user: userID, reply: reply}, reply)
	err = firstErr(err, r.Err)
	monitoring.RecordCommand("get_user", err)
	if err != nil {
		return UserInfo{}, err
	}
	return *r.User, nil
}

// ReadState returns a detached snapshot of the whole state. Intended for
// inspection and tests.
func (s *Server) ReadState(ctx context.Context) (StateSnapshot, error) {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, readStateCmd{reply: reply}, reply)
	err = firstErr(err, r.Err)
	if err != nil {
		return StateSnapshot{}, err
	}
	return *r.State, nil
}

// UpdateState applies fn to the raw state inside the serialized region.
// Intended for tests; fn must not retain references past its return.
func (s *Server) UpdateState(ctx context.Context, fn func(*State)) error {
	reply := make(chan Reply, 1)
	r, err := s.ask(ctx, updateStateCmd{fn: fn, reply: reply}, reply)
	return firstErr(err, r.Err)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
