package progress

import (
	"context"
	"errors"
	"testing"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-digest/stats"
)

type fakeStream struct {
	names []string
}

func (f *fakeStream) SubscribeStats(name string, _ func(context.Context, <-chan stats.Event) error) {
	f.names = append(f.names, name)
}

func TestBarCountsSummaries(t *testing.T) {
	pterm.DisableOutput()
	t.Cleanup(pterm.EnableOutput)

	for _, level := range []string{"info", "debug"} {
		t.Run(level, func(t *testing.T) {
			bar := New(level)
			events := make(chan stats.Event, 8)
			events <- stats.Event{Type: stats.EventTypeQueued, Count: 3}
			events <- stats.Event{Type: stats.EventTypeSummarized, Detail: "A very long subject line that certainly exceeds the title limit"}
			events <- stats.Event{Type: stats.EventTypeFailed, Err: errors.New("rate limited")}
			events <- stats.Event{Type: stats.EventTypeSummarized}
			events <- stats.Event{Type: stats.EventTypeError, Err: errors.New("archive failed")}
			close(events)

			if err := bar.Subscriber(context.Background(), events); err != nil {
				t.Fatalf("Subscriber() error = %v", err)
			}
			done, failed := bar.Counts()
			if done != 3 || failed != 1 {
				t.Fatalf("Counts() = %d, %d; want 3, 1", done, failed)
			}
			if bar.pb != nil {
				t.Fatal("bar not stopped")
			}
		})
	}
}

func TestReporterSubscribesOnlyWhenEnabled(t *testing.T) {
	stream := &fakeStream{}
	NewReporter(stream, New("warn"), nil)
	if len(stream.names) != 0 {
		t.Fatalf("disabled reporter subscribed %v", stream.names)
	}

	NewReporter(stream, New("info"), nil)
	if len(stream.names) != 2 {
		t.Fatalf("enabled reporter subscribed %v", stream.names)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "short", n: 10, want: "short"},
		{in: "exactly10!", n: 10, want: "exactly10!"},
		{in: "this is too long", n: 10, want: "this is..."},
		{in: "日本語のメール件名です", n: 6, want: "日本語..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
