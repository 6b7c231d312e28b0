package filter

import (
	"testing"
	"time"

	"github.com/dhcgn/mail-digest/model"
)

var benchMessage = model.MailMessage{
	ID:         "bench@example.com",
	Sender:     "Test",
	SenderAddr: "test@example.com",
	Subject:    "Test",
	Date:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	Body:       "This message contains important content that should match the filter.",
}

func BenchmarkFilterAllows(b *testing.B) {
	cases := []struct {
		name string
		opts Options
	}{
		{name: "off", opts: Options{}},
		{name: "include header", opts: Options{IncludeHeader: []string{`From:.*@example\.com`}}},
		{name: "several header patterns", opts: Options{IncludeHeader: []string{
			`From:.*@nowhere\.org`,
			`Subject:.*Invoice.*`,
			`Message-ID:.*bench.*`,
		}}},
		{name: "exclude body", opts: Options{ExcludeBody: []string{"important.*content"}}},
	}
	for _, bc := range cases {
		f, err := New(bc.opts)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(bc.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				f.Allows(benchMessage)
			}
		})
	}
}

func BenchmarkFilterPartition(b *testing.B) {
	f, err := New(Options{ExcludeHeader: []string{`(?m)^Subject: Newsletter`}})
	if err != nil {
		b.Fatal(err)
	}
	msgs := make([]model.MailMessage, 50)
	for i := range msgs {
		msgs[i] = benchMessage
		if i%3 == 0 {
			msgs[i].Subject = "Newsletter"
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Partition(msgs)
	}
}
