// Package textvap implements the rate-limited LLM-backed backchannel and
// concept-extraction adapter: on each ASR partial it may, at most one call
// in flight at a time, ask an LLM whether the in-progress utterance
// warrants a backchannel response, and on a strict parse publishes a
// BACKCHANNEL IU to bc.suggest.
package textvap

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/dialogue"
	"github.com/remdis-go/remdis/pkg/iu"
)

const (
	TopicASRPartial  = "asr.partial"
	TopicBackchannel = "bc.suggest"

	producerName = "textvap"

	// DefaultInterval is how many ASR partials pass between suggestion
	// calls when New is given interval <= 0.
	DefaultInterval = 3
)

// Suggestion is the strict shape the LLM is prompted to return: four
// required lines (ANALYSIS, EMOTION, ACTION, CONCEPT) plus an optional
// fifth (VERBAL) naming a phrase to speak aloud.
type Suggestion struct {
	Intensity  int // 1-9
	Expression string
	Action     string
	Concept    string
	Verbal     bool
	Phrase     string
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

// PromptBuilder renders the backchannel/concept-extraction template for a
// given in-progress utterance.
type PromptBuilder interface {
	BackchannelPrompt(partialUtterance string) []dialogue.Message
}

// Adapter is a module.Handler consuming ASR partials. It is CAS-guarded so
// at most one LLM call is ever in flight: a partial arriving while a call
// is outstanding is silently dropped, matching the rate-limited contract.
type Adapter struct {
	b        *bus.Bus
	llm      dialogue.LLMStreamer
	prompt   PromptBuilder
	logger   Logger
	interval int
	inFlight int32

	partialCount int // OnIU is driven sequentially, so this needs no guard
}

func New(b *bus.Bus, llm dialogue.LLMStreamer, prompt PromptBuilder, logger Logger) *Adapter {
	if logger == nil {
		logger = noOpLogger{}
	}
	return &Adapter{b: b, llm: llm, prompt: prompt, logger: logger, interval: DefaultInterval}
}

// WithInterval overrides the default text_vap_interval (every Nth ASR
// partial triggers a suggestion call). interval <= 0 is ignored.
func (a *Adapter) WithInterval(interval int) *Adapter {
	if interval > 0 {
		a.interval = interval
	}
	return a
}

func (a *Adapter) OnStart(ctx context.Context) error    { return nil }
func (a *Adapter) OnShutdown(ctx context.Context) error { return nil }

func (a *Adapter) OnIU(ctx context.Context, u iu.IU) error {
	if u.DataType != iu.ASRToken || u.UpdateType != iu.Add {
		return nil
	}
	text := string(u.Payload)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	a.partialCount++
	if a.partialCount%a.interval != 0 {
		return nil // text_vap_interval: only every Nth partial is considered
	}

	if !atomic.CompareAndSwapInt32(&a.inFlight, 0, 1) {
		return nil // a suggestion call is already outstanding; drop this partial
	}

	go a.suggest(ctx, text)
	return nil
}

func (a *Adapter) suggest(ctx context.Context, text string) {
	defer atomic.StoreInt32(&a.inFlight, 0)

	messages := a.prompt.BackchannelPrompt(text)
	tokens, err := a.llm.Stream(ctx, messages)
	if err != nil {
		a.logger.Warn("textvap: llm call failed", "error", err)
		return
	}

	var buf strings.Builder
	for tok := range tokens {
		if tok.Err != nil {
			a.logger.Warn("textvap: llm stream failed", "error", tok.Err)
			return
		}
		buf.WriteString(tok.Text)
	}

	sug, ok := parseSuggestion(buf.String())
	if !ok {
		// Strict parse-or-reject: a malformed suggestion is silently
		// dropped rather than surfaced as an error.
		a.logger.Debug("textvap: discarding unparseable suggestion", "raw", buf.String())
		return
	}
	if sug.Concept == "" && sug.Expression == "" && sug.Action == "" {
		return
	}

	add := iu.NewAdd(producerName, iu.Backchannel, nil, map[string]any{
		"intensity":  sug.Intensity,
		"expression": sug.Expression,
		"action":     sug.Action,
		"concept":    sug.Concept,
		"verbal":     sug.Verbal,
		"phrase":     sug.Phrase,
	}, "")
	a.b.Publish(TopicBackchannel, add)
}

// parseSuggestion matches the four required label-prefixed lines
// (ANALYSIS, EMOTION, ACTION, CONCEPT) plus the optional fifth (VERBAL).
// ANALYSIS is read but discarded. Any missing required line, or an
// EMOTION line whose intensity isn't an integer in 1-9, rejects the
// whole response rather than returning a partially-filled Suggestion.
func parseSuggestion(raw string) (Suggestion, bool) {
	var sug Suggestion
	var sawAnalysis, sawEmotion, sawAction, sawConcept bool

	for _, line := range strings.Split(raw, "\n") {
		label, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		label = strings.ToUpper(strings.TrimSpace(label))
		value = strings.TrimSpace(value)

		switch label {
		case "ANALYSIS":
			sawAnalysis = true // its content is ignored
		case "EMOTION":
			mood, intensity, ok := strings.Cut(value, " ")
			if !ok {
				return Suggestion{}, false
			}
			n, err := strconv.Atoi(strings.TrimSpace(intensity))
			if err != nil || n < 1 || n > 9 {
				return Suggestion{}, false
			}
			sug.Expression = strings.TrimSpace(mood)
			sug.Intensity = n
			sawEmotion = true
		case "ACTION":
			if strings.EqualFold(value, "none") {
				value = ""
			}
			sug.Action = value
			sawAction = true
		case "CONCEPT":
			sug.Concept = value
			sawConcept = true
		case "VERBAL":
			sug.Verbal = value != ""
			sug.Phrase = value
		}
	}

	if !sawAnalysis || !sawEmotion || !sawAction || !sawConcept {
		return Suggestion{}, false
	}
	return sug, true
}
