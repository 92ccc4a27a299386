package history

import "github.com/hupe1980/agentsm/core"

// EvictionPolicy inspects a copy of the history and returns the number of
// leading (oldest) messages to drop.
type EvictionPolicy func(msgs []core.Message) int

// EvictAll drops the whole history.
func EvictAll(msgs []core.Message) int { return len(msgs) }

// KeepLast retains at most n of the newest messages. n <= 0 keeps everything.
func KeepLast(n int) EvictionPolicy {
	return func(msgs []core.Message) int {
		if n <= 0 || len(msgs) <= n {
			return 0
		}
		return len(msgs) - n
	}
}
