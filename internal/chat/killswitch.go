package chat

import "sync"

// KillSwitch is a one-shot handle that severs a single (user, channel)
// stream. Shutdown is idempotent: the second and later calls are no-ops.
//
// Switches are created inside the coordinator step that joins a user and
// disposed inside the coordinator step that severs the subscription
// (leave, disconnect, or channel drop). Holding a switch after severance
// is a bug.
type KillSwitch struct {
	once sync.Once
	stop func()
}

// NewKillSwitch wraps stop in a one-shot switch.
func NewKillSwitch(stop func()) *KillSwitch {
	return &KillSwitch{stop: stop}
}

// Shutdown terminates the associated stream. Safe to call more than once.
func (k *KillSwitch) Shutdown() {
	k.once.Do(func() {
		if k.stop != nil {
			k.stop()
		}
	})
}
