// Package vap generalizes the RMS/hysteresis voice-activity technique in
// github.com/remdis-go/remdis/pkg/orchestrator's RMSVAD into a continuous
// turn-taking-probability producer, publishing VAP IUs that the dialogue
// controller consumes on vap.prob.
package vap

import (
	"context"
	"math"
	"time"

	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/iu"
	"github.com/remdis-go/remdis/pkg/orchestrator"
)

const (
	TopicAudio = "audio.frame"
	TopicVAP   = "vap.prob"

	producerName = "vap"
)

// Adapter turns orchestrator.RMSVAD's discrete SPEECH_START/SPEECH_END/
// SILENCE events into a smoothed [0, 1] probability of "the user has
// finished their turn", republished on every processed AUDIO frame. The
// probability rises while the VAD reports silence (the classic proxy for
// end-of-turn) and resets to 0 the instant speech is reconfirmed, with a
// one-pole low-pass filter (alpha) standing in for a wait-before-declaring
// silent hold that a raw RMS gate would otherwise chatter on.
type Adapter struct {
	b     *bus.Bus
	vad   orchestrator.VADProvider
	alpha float64

	prob float64
}

// New constructs an Adapter. alpha in (0, 1] controls how quickly the
// probability rises during silence; 0.2 is a reasonable default (roughly
// a 5-frame time constant at typical 20ms frame sizes).
func New(b *bus.Bus, vad orchestrator.VADProvider, alpha float64) *Adapter {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &Adapter{b: b, vad: vad, alpha: alpha}
}

func (a *Adapter) OnStart(ctx context.Context) error   { return nil }
func (a *Adapter) OnShutdown(ctx context.Context) error { return nil }

// OnIU implements module.Handler, consuming raw AUDIO ADD frames.
func (a *Adapter) OnIU(ctx context.Context, u iu.IU) error {
	if u.DataType != iu.Audio || u.UpdateType != iu.Add {
		return nil
	}

	event, err := a.vad.Process(u.Payload)
	if err != nil {
		return err
	}

	speaking := false
	if sp, ok := a.vad.(interface{ IsSpeaking() bool }); ok {
		speaking = sp.IsSpeaking()
	}

	switch {
	case event != nil && event.Type == orchestrator.VADSpeechStart:
		a.prob = 0
	case speaking:
		a.prob = 0
	default:
		a.prob = a.prob + a.alpha*(1-a.prob)
	}
	a.prob = math.Max(0, math.Min(1, a.prob))

	vapIU := iu.NewAdd(producerName, iu.VAP, nil, map[string]any{"probability": a.prob}, "")
	vapIU.Timestamp = time.Now().UnixNano()
	a.b.Publish(TopicVAP, vapIU)
	return nil
}
