package chat

import (
	"unicode"
	"unicode/utf8"

	"github.com/quillchat/quill/internal/ident"
)

// Materializer turns a prepared party flow into a running stream and
// returns the switch that stops it. The coordinator invokes it once per
// (user, channel) join; it must not call back into the coordinator.
//
// A nil Materializer marks a headless user (bot or test fixture): the
// user joins channels but owns no live streams.
type Materializer func(flow *PartyFlow) (*KillSwitch, error)

// ChannelData is the coordinator-owned record of one channel.
type ChannelData struct {
	ID    ident.ID
	Name  string // unique, immutable
	Topic string
	Actor *Channel // owning reference, stopped only by channel drop
}

// UserData is the coordinator-owned record of one connected user.
//
// Channels maps every joined channel id to the kill switch severing that
// subscription. A nil switch means the user joined headless.
type UserData struct {
	ID           ident.ID
	Nick         string // unique across connected users, immutable per session
	Email        string
	Materializer Materializer
	Channels     map[ident.ID]*KillSwitch
}

// State is the compound (users, channels) tuple. It is owned solely by
// the coordinator goroutine; no other component reads or writes it.
type State struct {
	Channels map[ident.ID]*ChannelData
	Users    map[ident.ID]*UserData

	byName map[string]ident.ID // channel name index
	byNick map[string]ident.ID // user nick index
}

func newState() *State {
	return &State{
		Channels: make(map[ident.ID]*ChannelData),
		Users:    make(map[ident.ID]*UserData),
		byName:   make(map[string]ident.ID),
		byNick:   make(map[string]ident.ID),
	}
}

func (st *State) channelByName(name string) (*ChannelData, bool) {
	id, ok := st.byName[name]
	if !ok {
		return nil, false
	}
	return st.Channels[id], true
}

func (st *State) userByNick(nick string) (*UserData, bool) {
	id, ok := st.byNick[nick]
	if !ok {
		return nil, false
	}
	return st.Users[id], true
}

func (st *State) addChannel(ch *ChannelData) {
	st.Channels[ch.ID] = ch
	st.byName[ch.Name] = ch.ID
}

func (st *State) removeChannel(id ident.ID) {
	if ch, ok := st.Channels[id]; ok {
		delete(st.byName, ch.Name)
		delete(st.Channels, id)
	}
}

func (st *State) addUser(u *UserData) {
	st.Users[u.ID] = u
	st.byNick[u.Nick] = u.ID
}

func (st *State) removeUser(id ident.ID) {
	if u, ok := st.Users[id]; ok {
		delete(st.byNick, u.Nick)
		delete(st.Users, id)
	}
}

// reindex rebuilds the name and nick indexes. Called after UpdateState,
// which may replace entries wholesale.
func (st *State) reindex() {
	st.byName = make(map[string]ident.ID, len(st.Channels))
	for id, ch := range st.Channels {
		st.byName[ch.Name] = id
	}
	st.byNick = make(map[string]ident.ID, len(st.Users))
	for id, u := range st.Users {
		st.byNick[u.Nick] = id
	}
}

// ValidChannelName reports whether name may identify a channel: it must
// be non-empty and start with a letter.
func ValidChannelName(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return name != "" && unicode.IsLetter(r)
}

// ChannelInfo is the caller-visible view of one channel. UserCount is
// the number of live streams currently attached to the channel actor.
type ChannelInfo struct {
	ID        ident.ID `json:"id"`
	Name      string   `json:"name"`
	Topic     string   `json:"topic"`
	UserCount int      `json:"userCount"`
}

// UserInfo is the caller-visible view of one user.
type UserInfo struct {
	ID       ident.ID      `json:"id"`
	Nick     string        `json:"nick"`
	Email    string        `json:"email,omitempty"`
	Channels []ChannelInfo `json:"channels"`
}

// StateSnapshot is a detached copy of the coordinator state, used for
// inspection and tests.
type StateSnapshot struct {
	Channels []ChannelInfo
	Users    []UserInfo
}
