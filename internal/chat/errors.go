package chat

import "errors"

// Command errors surfaced to callers. The texts are part of the API
// contract: the web facade and any other transport forward them to
// clients verbatim.
var (
	ErrInvalidChannelName  = errors.New("Invalid channel name")
	ErrChannelNameNotFound = errors.New("Channel with such name not found")
	ErrChannelNotFound     = errors.New("Channel not found")
	ErrUserNotFound        = errors.New("User with such id not found")
	ErrNickTaken           = errors.New("User with such nick already exists")
	ErrAlreadyJoined       = errors.New("User already joined this channel")
	ErrNotJoined           = errors.New("User is not joined channel")
)
