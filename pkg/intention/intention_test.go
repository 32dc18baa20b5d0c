package intention

import (
	"context"
	"testing"
	"time"

	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/iu"
)

func TestWatchdogFiresAfterSilence(t *testing.T) {
	b := bus.New()
	w := New(b, 60*time.Millisecond, 10*time.Millisecond)
	sub := b.Subscribe(TopicIntent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.OnStart(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.OnShutdown(context.Background())

	dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
	defer dcancel()
	u, ok := sub.Next(dctx)
	if !ok || u.DataType != iu.Intent {
		t.Fatalf("expected an INTENT IU, got %+v ok=%v", u, ok)
	}
}

func TestWatchdogResetsOnASRActivity(t *testing.T) {
	b := bus.New()
	w := New(b, 80*time.Millisecond, 10*time.Millisecond)
	sub := b.Subscribe(TopicIntent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.OnStart(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.OnShutdown(context.Background())

	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		w.OnIU(ctx, iu.NewAdd("asr", iu.ASRToken, []byte("still talking"), nil, ""))
		time.Sleep(20 * time.Millisecond)
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer dcancel()
	if _, ok := sub.Next(dctx); ok {
		t.Fatal("expected no INTENT IU while ASR activity keeps resetting the clock")
	}
}
