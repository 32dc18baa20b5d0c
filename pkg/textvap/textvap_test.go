package textvap

import (
	"context"
	"testing"
	"time"

	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/dialogue"
	"github.com/remdis-go/remdis/pkg/iu"
)

type stubPrompt struct{}

func (stubPrompt) BackchannelPrompt(partial string) []dialogue.Message {
	return []dialogue.Message{{Role: "user", Content: partial}}
}

type jsonLLM struct{ body string }

func (l jsonLLM) Stream(ctx context.Context, messages []dialogue.Message) (<-chan dialogue.Token, error) {
	out := make(chan dialogue.Token, 1)
	out <- dialogue.Token{Text: l.body}
	close(out)
	return out, nil
}

func TestPublishesBackchannelOnValidSuggestion(t *testing.T) {
	b := bus.New()
	llm := jsonLLM{body: "ANALYSIS: user trailed off mid-topic\nEMOTION: interested 6\nACTION: nod\nCONCEPT: Paris\n"}
	a := New(b, llm, stubPrompt{}, nil).WithInterval(1)
	sub := b.Subscribe(TopicBackchannel)

	ctx := context.Background()
	if err := a.OnIU(ctx, iu.NewAdd("asr", iu.ASRToken, []byte("I went to Paris last year"), nil, "")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, ok := sub.Next(dctx)
	if !ok || u.Metadata["concept"] != "Paris" || u.Metadata["intensity"] != 6 {
		t.Fatalf("expected a BACKCHANNEL IU with concept=Paris intensity=6, got %+v ok=%v", u, ok)
	}
}

func TestDiscardsMalformedSuggestion(t *testing.T) {
	b := bus.New()
	llm := jsonLLM{body: "not the expected format"}
	a := New(b, llm, stubPrompt{}, nil).WithInterval(1)
	sub := b.Subscribe(TopicBackchannel)

	ctx := context.Background()
	if err := a.OnIU(ctx, iu.NewAdd("asr", iu.ASRToken, []byte("hmm"), nil, "")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := sub.Next(dctx); ok {
		t.Fatal("expected no BACKCHANNEL IU for a malformed suggestion")
	}
}

func TestDiscardsEmotionLineWithOutOfRangeIntensity(t *testing.T) {
	b := bus.New()
	llm := jsonLLM{body: "ANALYSIS: none\nEMOTION: interested 12\nACTION: nod\nCONCEPT: Paris\n"}
	a := New(b, llm, stubPrompt{}, nil).WithInterval(1)
	sub := b.Subscribe(TopicBackchannel)

	ctx := context.Background()
	a.OnIU(ctx, iu.NewAdd("asr", iu.ASRToken, []byte("hmm"), nil, ""))

	dctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := sub.Next(dctx); ok {
		t.Fatal("expected no BACKCHANNEL IU for an out-of-range intensity")
	}
}

func TestOnlyConsidersEveryNthPartial(t *testing.T) {
	b := bus.New()
	llm := jsonLLM{body: "ANALYSIS: none\nEMOTION: interested 6\nACTION: nod\nCONCEPT: Paris\n"}
	a := New(b, llm, stubPrompt{}, nil).WithInterval(3)
	sub := b.Subscribe(TopicBackchannel)

	ctx := context.Background()
	a.OnIU(ctx, iu.NewAdd("asr", iu.ASRToken, []byte("I"), nil, ""))
	a.OnIU(ctx, iu.NewAdd("asr", iu.ASRToken, []byte("went to"), nil, ""))

	dctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := sub.Next(dctx); ok {
		t.Fatal("expected no suggestion call before the third partial")
	}

	a.OnIU(ctx, iu.NewAdd("asr", iu.ASRToken, []byte("Paris"), nil, ""))
	dctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if _, ok := sub.Next(dctx2); !ok {
		t.Fatal("expected a suggestion call on the third partial")
	}
}

func TestDropsPartialWhileCallInFlight(t *testing.T) {
	b := bus.New()
	block := make(chan dialogue.Token)
	llm := blockingLLM{ch: block}
	a := New(b, llm, stubPrompt{}, nil).WithInterval(1)

	ctx := context.Background()
	a.OnIU(ctx, iu.NewAdd("asr", iu.ASRToken, []byte("first"), nil, ""))
	time.Sleep(20 * time.Millisecond)
	if a.inFlight != 1 {
		t.Fatal("expected the first call to mark inFlight")
	}
	a.OnIU(ctx, iu.NewAdd("asr", iu.ASRToken, []byte("second"), nil, ""))
	close(block)
}

type blockingLLM struct{ ch chan dialogue.Token }

func (l blockingLLM) Stream(ctx context.Context, messages []dialogue.Message) (<-chan dialogue.Token, error) {
	return l.ch, nil
}
