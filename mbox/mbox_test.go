package mbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

const sampleMbox = `From alice@example.com Mon Jan  1 10:00:00 2024
From: Alice <alice@example.com>
Subject: first
Message-ID: <one@example.com>
Date: Mon, 01 Jan 2024 10:00:00 +0000
Status: RO

already read
From bob@example.com Tue Jan  2 10:00:00 2024
From: Bob <bob@example.com>
Subject: second
Message-ID: <two@example.com>
Date: Tue, 02 Jan 2024 10:00:00 +0000
Status: O

unread body two
From carol@example.com Wed Jan  3 10:00:00 2024
From: Carol <carol@example.com>
Subject: third
Message-ID: <three@example.com>
Date: Wed, 03 Jan 2024 10:00:00 +0000

unread body three
`

func newTestFetcher(data string) *Fetcher {
	return &Fetcher{
		path: "test.mbox",
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte(data))), nil
		},
	}
}

func TestFetchUnseenNewestFirst(t *testing.T) {
	f := newTestFetcher(sampleMbox)

	msgs, err := f.Fetch(context.Background(), 10, false)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Fetch() returned %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "three@example.com" || msgs[1].ID != "two@example.com" {
		t.Fatalf("order = [%s %s], want [three two]", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].Sender != "Carol" || msgs[0].SenderAddr != "carol@example.com" {
		t.Errorf("sender = %q <%s>", msgs[0].Sender, msgs[0].SenderAddr)
	}
	if msgs[1].Body != "unread body two" {
		t.Errorf("body = %q", msgs[1].Body)
	}
}

func TestFetchAllRespectsLimit(t *testing.T) {
	f := newTestFetcher(sampleMbox)

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{name: "all", limit: 10, want: []string{"three@example.com", "two@example.com", "one@example.com"}},
		{name: "limited", limit: 2, want: []string{"three@example.com", "two@example.com"}},
		{name: "one", limit: 1, want: []string{"three@example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := f.Fetch(context.Background(), tt.limit, true)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if len(msgs) != len(tt.want) {
				t.Fatalf("Fetch() returned %d messages, want %d", len(msgs), len(tt.want))
			}
			for i, id := range tt.want {
				if msgs[i].ID != id {
					t.Errorf("msgs[%d].ID = %q, want %q", i, msgs[i].ID, id)
				}
			}
		})
	}
}

func TestFetchOpenError(t *testing.T) {
	wantErr := errors.New("boom")
	f := &Fetcher{
		path: "missing.mbox",
		open: func() (io.ReadCloser, error) { return nil, wantErr },
	}
	if _, err := f.Fetch(context.Background(), 5, true); !errors.Is(err, wantErr) {
		t.Fatalf("Fetch() error = %v, want %v", err, wantErr)
	}
}

func TestFetchCancelled(t *testing.T) {
	f := newTestFetcher(sampleMbox)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Fetch(ctx, 5, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("Fetch() error = %v, want context.Canceled", err)
	}
}

func TestFetchEmpty(t *testing.T) {
	f := newTestFetcher("")
	msgs, err := f.Fetch(context.Background(), 5, true)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("Fetch() returned %d messages, want 0", len(msgs))
	}
}

func TestNewFetcherRequiresPath(t *testing.T) {
	if _, err := NewFetcher(Options{Path: "  "}, nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
