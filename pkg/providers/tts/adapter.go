package tts

import (
	"context"
	"sync"
	"time"

	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/iu"
	"github.com/remdis-go/remdis/pkg/orchestrator"
)

const (
	TopicText        = "dialogue.text"
	TopicTTSAudio    = "tts.audio"
	TopicSystemState = "system.state"

	producerName = "tts"
)

// Abortable is implemented by providers (LokutorTTS) that support
// cancelling an in-flight StreamSynthesize call out from under it.
// Providers without a real abort path simply let the call run to
// completion; its output is dropped once the chain has been revoked.
type Abortable interface {
	Abort()
}

// Logger mirrors the structured-logging contract used throughout this
// repository.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noOpLogger struct{}

func (noOpLogger) Debug(string, ...any) {}
func (noOpLogger) Info(string, ...any)  {}
func (noOpLogger) Warn(string, ...any)  {}
func (noOpLogger) Error(string, ...any) {}

// Adapter drives a TTSProvider off the dialogue TEXT chain: each ADD is
// queued in chain order and synthesized as soon as it arrives; a REVOKE on
// the current chain aborts synthesis at the next frame boundary (the
// truncation granularity named in the specification's reconciled
// REVOKE/TTS Open Question) rather than sample-exact.
type Adapter struct {
	b       *bus.Bus
	tts     orchestrator.TTSProvider
	voice   orchestrator.Voice
	lang    orchestrator.Language
	logger  Logger

	mu         sync.Mutex
	activeHead string // chain head currently being synthesized, "" if idle
	revoked    map[string]bool
}

func New(b *bus.Bus, provider orchestrator.TTSProvider, voice orchestrator.Voice, lang orchestrator.Language, logger Logger) *Adapter {
	if logger == nil {
		logger = noOpLogger{}
	}
	return &Adapter{b: b, tts: provider, voice: voice, lang: lang, logger: logger, revoked: make(map[string]bool)}
}

func (a *Adapter) OnStart(ctx context.Context) error    { return nil }
func (a *Adapter) OnShutdown(ctx context.Context) error { return nil }

func (a *Adapter) OnIU(ctx context.Context, u iu.IU) error {
	if u.DataType != iu.Text {
		return nil
	}

	switch u.UpdateType {
	case iu.Add:
		a.synthesizeChunk(ctx, u)
	case iu.Revoke:
		a.markRevoked(u.PreviousID)
	case iu.Commit:
		// Nothing left to do: every ADD in the chain has already been
		// dispatched to synthesis as it arrived.
	}
	return nil
}

func (a *Adapter) markRevoked(head string) {
	a.mu.Lock()
	a.revoked[head] = true
	if abortable, ok := a.tts.(Abortable); ok && a.activeHead == head {
		abortable.Abort()
	}
	a.mu.Unlock()
}

func (a *Adapter) synthesizeChunk(ctx context.Context, u iu.IU) {
	// Later chunks chain directly to the first one, and a REVOKE names it.
	head := u.ID
	if u.PreviousID != "" {
		head = u.PreviousID
	}
	a.mu.Lock()
	a.activeHead = head
	a.mu.Unlock()

	err := a.tts.StreamSynthesize(ctx, string(u.Payload), a.voice, a.lang, func(chunk []byte) error {
		a.mu.Lock()
		revoked := a.revoked[head]
		a.mu.Unlock()
		if revoked {
			// Truncate at this frame boundary; drop the remainder of
			// this chunk's audio rather than flushing it.
			return errAbortedChunk
		}
		frame := iu.IU{ID: iu.NextID(producerName), Producer: producerName, Timestamp: time.Now().UnixNano(),
			PreviousID: u.ID, UpdateType: iu.Add, DataType: iu.TTSAudio, Payload: chunk}
		a.b.Publish(TopicTTSAudio, frame)
		return nil
	})

	a.mu.Lock()
	if a.activeHead == head {
		a.activeHead = ""
	}
	a.mu.Unlock()

	if err != nil && err != errAbortedChunk {
		a.logger.Error("tts synthesis failed", "error", err)
		a.failAndRecover(u.ID)
	}
}

// failAndRecover implements the TTS-failure recovery decided for this
// adapter: signal that playback ended (prematurely) and fall back to
// idle, since the dialogue controller has no subscription to a TTS
// failure topic of its own.
func (a *Adapter) failAndRecover(head string) {
	revoke := iu.IU{ID: iu.NextID(producerName), Producer: producerName, Timestamp: time.Now().UnixNano(),
		PreviousID: head, UpdateType: iu.Revoke, DataType: iu.TTSAudio}
	a.b.Publish(TopicTTSAudio, revoke)

	state := iu.NewAdd(producerName, iu.SystemState, nil, map[string]any{"action": "idle", "progress": "finished_speaking"}, "")
	a.b.Publish(TopicSystemState, state)
}

var errAbortedChunk = ttsAbortError{}

type ttsAbortError struct{}

func (ttsAbortError) Error() string { return "tts: chunk aborted after revoke" }
