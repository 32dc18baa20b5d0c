package main

import (
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/iu"
	"github.com/remdis-go/remdis/pkg/orchestrator"
)

const (
	sampleRate = 44100
	channels   = 1

	audioProducer = "mic"
)

// audioIO owns the malgo duplex device: it publishes captured microphone
// frames as an AUDIO chain on audio.frame (committing the chain whenever
// its own RMS VAD instance reports a speech-to-silence transition, the
// end-of-utterance signal pkg/providers/asr's batch Adapter waits for),
// and plays back whatever pkg/providers/tts publishes on tts.audio,
// discarding buffered playback on REVOKE (barge-in truncation). Captured
// frames that correlate with recently-played-back audio are suppressed
// before being published, so the speaker's own voice played through an
// open mic doesn't get mistaken for the user barging in.
type audioIO struct {
	b    *bus.Bus
	vad  *orchestrator.RMSVAD
	echo *orchestrator.EchoSuppressor

	chainMu  sync.Mutex
	chainTip *iu.IU // nil when no chain is open

	playbackMu    sync.Mutex
	playbackBytes []byte
}

func newAudioIO(b *bus.Bus, vadThreshold float64) *audioIO {
	return &audioIO{
		b:    b,
		vad:  orchestrator.NewRMSVAD(vadThreshold, 500*time.Millisecond),
		echo: orchestrator.NewEchoSuppressor(),
	}
}

// onSamples is the malgo device callback: pInput carries captured mic
// audio, pOutput is the buffer to fill for playback.
func (a *audioIO) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if pInput != nil {
		a.onCapture(pInput)
	}
	if pOutput != nil {
		a.onPlayback(pOutput)
	}
}

func (a *audioIO) onCapture(frame []byte) {
	if a.echo.IsEcho(frame) {
		return
	}

	event, err := a.vad.Process(frame)
	if err != nil {
		return
	}

	a.chainMu.Lock()
	defer a.chainMu.Unlock()

	var prevID string
	if a.chainTip != nil {
		prevID = a.chainTip.ID
	}
	add := iu.NewAdd(audioProducer, iu.Audio, append([]byte(nil), frame...), nil, prevID)
	a.chainTip = &add
	a.b.Publish("audio.frame", add)

	if event != nil && event.Type == orchestrator.VADSpeechEnd {
		commit := iu.NewCommit(audioProducer, add)
		a.b.Publish("audio.frame", commit)
		a.chainTip = nil
	}
}

func (a *audioIO) onPlayback(out []byte) {
	a.playbackMu.Lock()
	n := copy(out, a.playbackBytes)
	a.playbackBytes = a.playbackBytes[n:]
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	a.playbackMu.Unlock()

	if n > 0 {
		a.echo.RecordPlayedAudio(out[:n])
	}
}

func (a *audioIO) enqueuePlayback(chunk []byte) {
	a.playbackMu.Lock()
	a.playbackBytes = append(a.playbackBytes, chunk...)
	a.playbackMu.Unlock()
}

func (a *audioIO) clearPlayback() {
	a.playbackMu.Lock()
	a.playbackBytes = nil
	a.playbackMu.Unlock()
}

func newDuplexDeviceConfig() malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = channels
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = channels
	cfg.SampleRate = sampleRate
	cfg.Alsa.NoMMap = 1
	return cfg
}
