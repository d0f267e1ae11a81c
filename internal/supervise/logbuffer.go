package supervise

import "sync"

// logBufferLines bounds the rolling per-tunnel log buffer.
const logBufferLines = 1000

// subscriberBuffer is the per-subscriber channel depth; slow subscribers
// drop lines rather than stalling the process scanners.
const subscriberBuffer = 64

// LogBuffer keeps the last [logBufferLines] process output lines and fans
// new lines out to live subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	lines   []string
	subs    map[int]chan string
	nextSub int
	closed  bool
}

func newLogBuffer() *LogBuffer {
	return &LogBuffer{subs: make(map[int]chan string)}
}

// Append records one line, truncating the oldest entries beyond the buffer
// bound, and broadcasts it to subscribers without blocking.
func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.lines = append(b.lines, line)
	if len(b.lines) > logBufferLines {
		b.lines = b.lines[len(b.lines)-logBufferLines:]
	}

	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Tail returns a copy of the most recent n lines (all lines when n <= 0 or
// exceeds the buffer).
func (b *LogBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := 0
	if n > 0 && n < len(b.lines) {
		start = len(b.lines) - n
	}
	out := make([]string, len(b.lines)-start)
	copy(out, b.lines[start:])
	return out
}

// Subscribe registers a live log listener.  The returned cancel func must be
// called when the subscriber disconnects; it unregisters the listener and
// closes the channel.
func (b *LogBuffer) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Close drops all subscribers; used when the tunnel is deleted.
func (b *LogBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
