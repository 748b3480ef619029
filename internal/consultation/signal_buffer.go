package consultation

import (
	"encoding/json"
	"time"
)

type bufferedSignal struct {
	at     time.Time
	signal json.RawMessage
}

// signalBuffer holds webrtc-signal messages whose source has no link yet,
// keyed by source connection id. Entries older than ttl are discarded and
// each source keeps at most limit, oldest dropped first. Not safe for
// concurrent use.
type signalBuffer struct {
	ttl     time.Duration
	limit   int
	now     func() time.Time
	pending map[string][]bufferedSignal
}

func newSignalBuffer(ttl time.Duration, limit int) *signalBuffer {
	return &signalBuffer{
		ttl:     ttl,
		limit:   limit,
		now:     time.Now,
		pending: make(map[string][]bufferedSignal),
	}
}

// add reports whether an older signal had to be dropped to make room.
func (b *signalBuffer) add(source string, signal json.RawMessage) bool {
	b.expire()

	queue := append(b.pending[source], bufferedSignal{at: b.now(), signal: signal})
	dropped := false
	if len(queue) > b.limit {
		queue = queue[len(queue)-b.limit:]
		dropped = true
	}
	b.pending[source] = queue
	return dropped
}

// take removes and returns the live signals for source in arrival order.
func (b *signalBuffer) take(source string) []json.RawMessage {
	b.expire()

	queue := b.pending[source]
	delete(b.pending, source)

	out := make([]json.RawMessage, 0, len(queue))
	for _, s := range queue {
		out = append(out, s.signal)
	}
	return out
}

func (b *signalBuffer) drop(source string) {
	delete(b.pending, source)
}

func (b *signalBuffer) reset() {
	b.pending = make(map[string][]bufferedSignal)
}

func (b *signalBuffer) size() int {
	n := 0
	for _, q := range b.pending {
		n += len(q)
	}
	return n
}

func (b *signalBuffer) expire() {
	cutoff := b.now().Add(-b.ttl)
	for source, queue := range b.pending {
		i := 0
		for i < len(queue) && !queue[i].at.After(cutoff) {
			i++
		}
		switch {
		case i == len(queue):
			delete(b.pending, source)
		case i > 0:
			b.pending[source] = queue[i:]
		}
	}
}
