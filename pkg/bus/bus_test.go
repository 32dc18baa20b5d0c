package bus

import (
	"context"
	"testing"
	"time"

	"github.com/remdis-go/remdis/pkg/iu"
)

func TestPublishSubscribeBasic(t *testing.T) {
	b := New()
	sub := b.Subscribe("asr.partial")

	want := iu.NewAdd("asr", iu.ASRToken, []byte("hi"), nil, "")
	b.Publish("asr.partial", want)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := sub.Next(ctx)
	if !ok {
		t.Fatal("expected an IU")
	}
	if got.ID != want.ID {
		t.Fatalf("got %s want %s", got.ID, want.ID)
	}
}

func TestFIFOPerPublisherTopic(t *testing.T) {
	b := New()
	sub := b.Subscribe("dialogue.text")

	var published []iu.IU
	for i := 0; i < 5; i++ {
		u := iu.NewAdd("dialogue", iu.Text, []byte{byte('a' + i)}, nil, "")
		published = append(published, u)
		b.Publish("dialogue.text", u)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range published {
		got, ok := sub.Next(ctx)
		if !ok || got.ID != want.ID {
			t.Fatalf("FIFO violated: got %+v want %+v", got, want)
		}
	}
}

func TestBackpressureDropsOldestUncommitted(t *testing.T) {
	b := New()
	sub := b.subscribeWithCapacity(2, "dialogue.text")

	first := iu.NewAdd("dialogue", iu.Text, []byte("first"), nil, "")
	second := iu.NewAdd("dialogue", iu.Text, []byte("second"), nil, "")
	third := iu.NewAdd("dialogue", iu.Text, []byte("third"), nil, "")

	b.Publish("dialogue.text", first)
	b.Publish("dialogue.text", second)
	b.Publish("dialogue.text", third) // queue full of uncommitted ADDs: drop `first`

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got1, _ := sub.Next(ctx)
	got2, _ := sub.Next(ctx)
	if got1.ID != second.ID || got2.ID != third.ID {
		t.Fatalf("expected oldest uncommitted dropped, got %s then %s", got1.ID, got2.ID)
	}
}

func TestBackpressureNeverDropsCommit(t *testing.T) {
	b := New()
	sub := b.subscribeWithCapacity(1, "dialogue.text")

	add := iu.NewAdd("dialogue", iu.Text, []byte("hi"), nil, "")
	commit := iu.NewCommit("dialogue", add)
	b.Publish("dialogue.text", add)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, _ := sub.Next(ctx) // drains `add`, freeing the slot
	if got.ID != add.ID {
		t.Fatalf("expected %s, got %s", add.ID, got.ID)
	}

	b.Publish("dialogue.text", commit)

	// Fill the queue with the commit, then attempt a publish that must
	// block until the commit is drained.
	published := make(chan struct{})
	next := iu.NewAdd("dialogue", iu.Text, []byte("after-commit"), nil, "")
	go func() {
		b.Publish("dialogue.text", next)
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish should have blocked while oldest queued IU is a COMMIT")
	case <-time.After(100 * time.Millisecond):
	}

	gotCommit, _ := sub.Next(ctx)
	if gotCommit.ID != commit.ID {
		t.Fatalf("expected commit to survive, got %s", gotCommit.ID)
	}

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish should unblock once space frees")
	}
}

func TestDisruptAndClientReconnect(t *testing.T) {
	b := New()
	c := NewClient(b, "asr.partial")

	b.Disrupt()

	want := iu.NewAdd("asr", iu.ASRToken, []byte("hi"), nil, "")

	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		// Publish after the client has had a chance to notice the
		// disruption and resubscribe.
		time.Sleep(100 * time.Millisecond)
		b.Publish("asr.partial", want)
		close(done)
	}()

	got, ok := c.Next(ctx)
	<-done
	if !ok {
		t.Fatal("expected client to reconnect and deliver the IU")
	}
	if got.ID != want.ID {
		t.Fatalf("got %s want %s", got.ID, want.ID)
	}
}
