// Package asr adapts the speech-to-text providers in
// github.com/remdis-go/remdis/pkg/providers/stt into a module.Handler that
// consumes AUDIO IUs and publishes ASR_TOKEN/ASR_COMMIT IUs, matching the
// wire contract github.com/remdis-go/remdis/pkg/dialogue expects on
// asr.partial and asr.commit.
package asr

import (
	"context"
	"time"

	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/iu"
	"github.com/remdis-go/remdis/pkg/orchestrator"
)

const (
	TopicAudio      = "audio.frame"
	TopicASRPartial = "asr.partial"
	TopicASRCommit  = "asr.commit"

	producerName = "asr"
)

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

// Adapter wraps an orchestrator.STTProvider for batch transcription keyed
// on an AUDIO ADD...COMMIT chain. It always calls Transcribe, even when the
// provider also implements orchestrator.StreamingSTTProvider; incremental
// transcription is done by StreamingAdapter.
type Adapter struct {
	b      *bus.Bus
	stt    orchestrator.STTProvider
	lang   orchestrator.Language
	logger Logger

	buf []byte
}

// New constructs an Adapter. logger may be nil.
func New(b *bus.Bus, stt orchestrator.STTProvider, lang orchestrator.Language, logger Logger) *Adapter {
	if logger == nil {
		logger = noOpLogger{}
	}
	return &Adapter{b: b, stt: stt, lang: lang, logger: logger}
}

func (a *Adapter) OnStart(ctx context.Context) error {
	a.logger.Info("asr adapter started", "provider", a.stt.Name())
	return nil
}

func (a *Adapter) OnShutdown(ctx context.Context) error { return nil }

// OnIU implements module.Handler. It accumulates AUDIO ADD payloads and,
// on the chain's COMMIT (the end-of-utterance signal from the audio
// capture layer), runs a transcription pass and publishes the result.
func (a *Adapter) OnIU(ctx context.Context, u iu.IU) error {
	if u.DataType != iu.Audio {
		return nil
	}

	switch u.UpdateType {
	case iu.Add:
		a.buf = append(a.buf, u.Payload...)
		// A provider-agnostic interim signal: announce that audio is
		// flowing without committing to any transcript text yet.
		partial := iu.NewAdd(producerName, iu.ASRToken, nil, map[string]any{"stability": 0.0}, "")
		a.b.Publish(TopicASRPartial, partial)

	case iu.Commit:
		a.transcribe(ctx)

	case iu.Revoke:
		a.buf = nil
	}
	return nil
}

func (a *Adapter) transcribe(ctx context.Context) {
	audio := a.buf
	a.buf = nil
	if len(audio) == 0 {
		return
	}

	text, err := a.stt.Transcribe(ctx, audio, a.lang)
	if err != nil {
		a.logger.Error("transcription failed", "error", err)
		return
	}
	if text == "" {
		return
	}

	partial := iu.NewAdd(producerName, iu.ASRToken, []byte(text), map[string]any{"stability": 1.0}, "")
	a.b.Publish(TopicASRPartial, partial)

	commit := iu.IU{ID: iu.NextID(producerName), Producer: producerName, Timestamp: time.Now().UnixNano(),
		PreviousID: partial.ID, DataType: iu.ASRCommit, UpdateType: iu.Commit, Payload: []byte(text)}
	a.b.Publish(TopicASRCommit, commit)
}

// StreamingAdapter drives a true incremental orchestrator.StreamingSTTProvider,
// publishing an ASR_TOKEN per interim callback and an ASR_COMMIT when the
// provider marks a result final.
type StreamingAdapter struct {
	b      *bus.Bus
	stt    orchestrator.StreamingSTTProvider
	lang   orchestrator.Language
	logger Logger

	audioIn chan<- []byte
}

func NewStreaming(b *bus.Bus, stt orchestrator.StreamingSTTProvider, lang orchestrator.Language, logger Logger) *StreamingAdapter {
	if logger == nil {
		logger = noOpLogger{}
	}
	return &StreamingAdapter{b: b, stt: stt, lang: lang, logger: logger}
}

func (a *StreamingAdapter) OnStart(ctx context.Context) error {
	in, err := a.stt.StreamTranscribe(ctx, a.lang, func(transcript string, isFinal bool) error {
		if !isFinal {
			a.b.Publish(TopicASRPartial, iu.NewAdd(producerName, iu.ASRToken, []byte(transcript), map[string]any{"stability": 0.5}, ""))
			return nil
		}
		final := iu.NewAdd(producerName, iu.ASRToken, []byte(transcript), map[string]any{"stability": 1.0}, "")
		a.b.Publish(TopicASRPartial, final)
		a.b.Publish(TopicASRCommit, iu.IU{ID: iu.NextID(producerName), Producer: producerName,
			Timestamp: time.Now().UnixNano(), PreviousID: final.ID, DataType: iu.ASRCommit, UpdateType: iu.Commit, Payload: []byte(transcript)})
		return nil
	})
	if err != nil {
		return err
	}
	a.audioIn = in
	a.logger.Info("streaming asr adapter started", "provider", a.stt.Name())
	return nil
}

func (a *StreamingAdapter) OnShutdown(ctx context.Context) error { return nil }

func (a *StreamingAdapter) OnIU(ctx context.Context, u iu.IU) error {
	if u.DataType != iu.Audio || u.UpdateType != iu.Add || a.audioIn == nil {
		return nil
	}
	select {
	case a.audioIn <- u.Payload:
	case <-ctx.Done():
	}
	return nil
}
