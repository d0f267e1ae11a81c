package supervise

import (
	"strconv"
	"testing"
)

func TestLogBufferTruncatesOldest(t *testing.T) {
	t.Parallel()

	b := newLogBuffer()
	for i := 0; i < logBufferLines+10; i++ {
		b.Append("line " + strconv.Itoa(i))
	}

	all := b.Tail(0)
	if len(all) != logBufferLines {
		t.Fatalf("buffer length: got %d, want %d", len(all), logBufferLines)
	}
	if all[0] != "line 10" {
		t.Fatalf("oldest retained line: got %q", all[0])
	}

	tail := b.Tail(3)
	if len(tail) != 3 || tail[2] != "line "+strconv.Itoa(logBufferLines+9) {
		t.Fatalf("tail: %v", tail)
	}
}

func TestLogBufferSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := newLogBuffer()
	ch, cancel := b.Subscribe()
	defer cancel()

	// Overfill the subscriber channel; Append must never block.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Append("line")
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("subscriber channel depth: got %d, want %d", len(ch), subscriberBuffer)
	}
}

func TestLogBufferCancelClosesChannel(t *testing.T) {
	t.Parallel()

	b := newLogBuffer()
	ch, cancel := b.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatal("expected closed channel after cancel")
	}
	// Cancel twice is safe.
	cancel()
	b.Append("after cancel")
}

func TestLogBufferClose(t *testing.T) {
	t.Parallel()

	b := newLogBuffer()
	ch, _ := b.Subscribe()
	b.Close()

	if _, open := <-ch; open {
		t.Fatal("expected subscribers closed on Close")
	}
	b.Append("ignored")
	if len(b.Tail(0)) != 0 {
		t.Fatal("append after close must be ignored")
	}

	// New subscriptions on a closed buffer get an already-closed channel.
	ch2, cancel2 := b.Subscribe()
	if _, open := <-ch2; open {
		t.Fatal("expected closed channel from closed buffer")
	}
	cancel2()
}
