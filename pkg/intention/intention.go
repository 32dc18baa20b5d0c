// Package intention implements the standalone silence watchdog: it tracks
// the most recent ASR and TTS activity and publishes an INTENT IU to
// intent.timeout when max_silence_time elapses with neither. The dialogue
// controller owns no timer of its own; this is the sole source of
// INTENT IUs.
package intention

import (
	"context"
	"sync"
	"time"

	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/iu"
)

const (
	TopicASRPartial  = "asr.partial"
	TopicASRCommit   = "asr.commit"
	TopicSystemState = "system.state"
	TopicTTSAudio    = "tts.audio"
	TopicIntent      = "intent.timeout"

	producerName = "intention"
)

// Watchdog is a module.Handler: its OnIU updates the last-activity clock
// on ASR, TTS_AUDIO and SYSTEM_STATE IUs, and a background ticker (started in
// OnStart) fires the actual timeout check.
type Watchdog struct {
	b           *bus.Bus
	maxSilence  time.Duration
	tickPeriod  time.Duration

	mu           sync.Mutex
	lastActivity time.Time
	stopped      chan struct{}
	wg           sync.WaitGroup
}

// New constructs a Watchdog. tickPeriod controls how often the silence
// duration is checked; it should be a small fraction of maxSilence.
func New(b *bus.Bus, maxSilence time.Duration, tickPeriod time.Duration) *Watchdog {
	if tickPeriod <= 0 {
		tickPeriod = maxSilence / 10
	}
	return &Watchdog{b: b, maxSilence: maxSilence, tickPeriod: tickPeriod, stopped: make(chan struct{})}
}

func (w *Watchdog) OnStart(ctx context.Context) error {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()

	w.wg.Add(1)
	go w.tick(ctx)
	return nil
}

func (w *Watchdog) OnShutdown(ctx context.Context) error {
	close(w.stopped)
	w.wg.Wait()
	return nil
}

// OnIU implements module.Handler. Any ASR activity, a SYSTEM_STATE IU
// reporting TTS has started, or a TTS_AUDIO frame actually streaming
// out to the speaker resets the silence clock. The SYSTEM_STATE
// "speaking" transition only fires once at the start of synthesis
// (pkg/dialogue/generation.go), so long responses would otherwise look
// like silence for their entire duration; subscribing to tts.audio
// keeps lastActivity fresh for as long as audio keeps arriving.
func (w *Watchdog) OnIU(ctx context.Context, u iu.IU) error {
	switch u.DataType {
	case iu.ASRToken, iu.ASRCommit:
		w.touch()
	case iu.TTSAudio:
		if u.UpdateType == iu.Add {
			w.touch()
		}
	case iu.SystemState:
		if action, _ := u.Metadata["action"].(string); action == "speaking" {
			w.touch()
		}
	}
	return nil
}

func (w *Watchdog) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

func (w *Watchdog) tick(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			silentFor := time.Since(w.lastActivity)
			w.mu.Unlock()

			if silentFor >= w.maxSilence {
				w.touch() // avoid firing again next tick before the controller reacts
				w.b.Publish(TopicIntent, iu.NewAdd(producerName, iu.Intent, nil, map[string]any{"silent_for": silentFor}, ""))
			}
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		}
	}
}
