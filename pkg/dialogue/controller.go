package dialogue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/iu"
)

// Topic names the controller reads from and writes to.
const (
	TopicASRPartial  = "asr.partial"
	TopicASRCommit   = "asr.commit"
	TopicVAP         = "vap.prob"
	TopicIntent      = "intent.timeout"
	TopicBackchannel = "bc.suggest"
	TopicText        = "dialogue.text"
	TopicSystemState = "system.state"
)

const producerName = "dialogue"

// Controller is the turn-taking state machine. It satisfies
// module.Handler and is meant to be driven by module.Run.
type Controller struct {
	b      *bus.Bus
	llm    LLMStreamer
	prompt PromptBuilder
	cfg    Config
	logger Logger

	mu                      sync.Mutex
	state                   State
	history                 []Turn
	userDraftText           string
	userTurnStartedAt       time.Time
	draft                   *draft
	lastASRActivity         time.Time
	lastVAPActivity         time.Time
	vapFallback             bool
	timeoutCount            int
	coolingDownUntil        time.Time
	verbalBackchannelCount  int
	backchannelRotation     int

	wg sync.WaitGroup
}

// New constructs a Controller. llm and prompt are required collaborators;
// logger may be nil (a no-op logger is used).
func New(b *bus.Bus, llm LLMStreamer, prompt PromptBuilder, cfg Config, logger Logger) *Controller {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &Controller{
		b:      b,
		llm:    llm,
		prompt: prompt,
		cfg:    cfg,
		logger: logger,
		state:  Idle,
	}
}

// State returns the controller's current state. Safe for concurrent use.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns a copy of the trimmed dialogue history.
func (c *Controller) History() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.history))
	copy(out, c.history)
	return out
}

// OnStart implements module.Handler.
func (c *Controller) OnStart(ctx context.Context) error {
	c.logger.Info("dialogue controller started")
	return nil
}

// OnShutdown implements module.Handler.
func (c *Controller) OnShutdown(ctx context.Context) error {
	c.mu.Lock()
	d := c.draft
	c.draft = nil
	c.mu.Unlock()
	if d != nil && d.cancel != nil {
		d.cancel()
	}
	c.wg.Wait()
	return nil
}

// OnIU implements module.Handler. It is called sequentially: no concurrent
// dispatch into the controller.
func (c *Controller) OnIU(ctx context.Context, u iu.IU) error {
	switch u.DataType {
	case iu.ASRToken:
		c.handleASRPartial(ctx, u)
	case iu.ASRCommit:
		c.handleASRCommit(ctx, u)
	case iu.VAP:
		c.handleVAP(u)
	case iu.Intent:
		c.handleIntent(ctx, u)
	case iu.Backchannel:
		c.handleBackchannel(ctx, u)
	}
	return nil
}

func (c *Controller) handleASRPartial(ctx context.Context, u iu.IU) {
	text := string(u.Payload)
	stability, _ := u.Metadata["stability"].(float64)
	now := time.Now()

	c.mu.Lock()
	c.lastASRActivity = now
	c.timeoutCount = 0 // user speech breaks a run of consecutive timeout prompts

	switch c.state {
	case Idle, TimeoutPrompt:
		c.state = Listening
		c.userTurnStartedAt = now
		c.userDraftText = text
		c.verbalBackchannelCount = 0

	case Speaking:
		if stability >= c.cfg.BargeInStability {
			c.bargeIn(ctx)
			c.state = Listening
			c.userTurnStartedAt = now
			c.userDraftText = text
		} else {
			c.mu.Unlock()
			return
		}

	case Listening, Thinking, Backchannel:
		c.userDraftText = text

	default:
		c.userDraftText = text
	}

	snapshot := c.buildSnapshot()
	needsRestart := c.draft == nil || c.draft.promptSnapshot != snapshot
	turnStartedAt := c.userTurnStartedAt
	c.mu.Unlock()

	if needsRestart {
		c.restartDraft(ctx, snapshot, false, turnStartedAt)
	}
}

func (c *Controller) handleASRCommit(ctx context.Context, u iu.IU) {
	now := time.Now()

	c.mu.Lock()
	c.lastASRActivity = now
	userText := c.userDraftText
	turnStartedAt := c.userTurnStartedAt
	if turnStartedAt.IsZero() {
		turnStartedAt = now
	}

	c.history = append(c.history, Turn{Role: "user", Text: userText, StartedAt: turnStartedAt, EndedAt: now})
	c.trimHistoryLocked()

	c.state = Thinking
	snapshot := c.buildSnapshot()
	needsRestart := c.draft == nil || c.draft.promptSnapshot != snapshot
	if c.draft != nil {
		c.draft.setUserTurnCommitted(true)
	}
	c.mu.Unlock()

	if needsRestart {
		c.restartDraft(ctx, snapshot, true, turnStartedAt)
	} else {
		c.mu.Lock()
		if c.draft != nil {
			c.draft.setUserTurnCommitted(true)
		}
		c.mu.Unlock()
	}
}

func (c *Controller) handleVAP(u iu.IU) {
	now := time.Now()
	prob, _ := u.Metadata["probability"].(float64)

	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastVAPActivity) > 2*c.cfg.VAPExpectedPeriod {
		c.vapFallback = true
	} else {
		c.vapFallback = false
	}
	c.lastVAPActivity = now

	if c.lastASRActivity.IsZero() || now.Sub(c.lastASRActivity) > c.cfg.ReconcileWindow {
		// Stale relative to the most recent ASR activity; log only.
		c.logger.Debug("vap iu outside reconciliation window, ignoring for transition", "vap_ts", u.Timestamp)
		return
	}

	if c.vapFallback {
		// Per the silent-VAP fallback policy, ASR COMMIT alone drives
		// transitions; ignore probability-based triggers.
		return
	}

	if c.state == Listening && prob >= c.cfg.VAPThreshold {
		c.state = Thinking
	}
}

func (c *Controller) handleIntent(ctx context.Context, u iu.IU) {
	now := time.Now()

	c.mu.Lock()
	if c.state != Idle || now.Before(c.coolingDownUntil) {
		c.mu.Unlock()
		return
	}
	c.state = TimeoutPrompt
	if c.timeoutCount >= c.cfg.MaxTimeoutNum {
		// The cooldown has passed: start a new run of consecutive prompts.
		c.timeoutCount = 0
	}
	c.timeoutCount++
	hitLimit := c.timeoutCount >= c.cfg.MaxTimeoutNum
	if hitLimit {
		c.coolingDownUntil = now.Add(c.cfg.BlockTime)
	}
	history := append([]Turn(nil), c.trimmedHistoryLocked()...)
	c.mu.Unlock()

	messages := c.prompt.TimeoutPrompt(history)
	c.startGeneration(ctx, "timeout-"+u.ID, messages, false, now)
}

func (c *Controller) handleBackchannel(ctx context.Context, u iu.IU) {
	c.mu.Lock()
	if c.state == Speaking {
		c.mu.Unlock()
		return
	}
	prevState := c.state
	c.state = Backchannel
	c.mu.Unlock()

	expression, _ := u.Metadata["expression"].(string)
	action, _ := u.Metadata["action"].(string)
	concept, _ := u.Metadata["concept"].(string)
	verbal, _ := u.Metadata["verbal"].(bool)
	phrase, _ := u.Metadata["phrase"].(string)

	c.publishSystemState(map[string]any{
		"expression": expression,
		"action":     action,
		"concept":    concept,
		"progress":   "backchannel",
	})

	c.mu.Lock()
	canSpeak := verbal && c.verbalBackchannelCount < c.cfg.MaxVerbalBackchannelNum
	if canSpeak {
		c.verbalBackchannelCount++
		if phrase == "" {
			phrase = c.nextCannedBackchannel()
		}
	}
	c.mu.Unlock()

	if canSpeak && phrase != "" {
		add := iu.NewAdd(producerName, iu.Text, []byte(phrase), map[string]any{"backchannel": true}, "")
		c.b.Publish(TopicText, add)
		c.b.Publish(TopicText, iu.NewCommit(producerName, add))
	}

	c.mu.Lock()
	if c.state == Backchannel {
		c.state = prevState
	}
	c.mu.Unlock()
}

// nextCannedBackchannel cycles through cfg.Backchannels for a verbal
// suggestion that carried no phrase of its own. Callers must hold c.mu.
// Returns "" when no canned phrases are configured.
func (c *Controller) nextCannedBackchannel() string {
	if len(c.cfg.Backchannels) == 0 {
		return ""
	}
	phrase := c.cfg.Backchannels[c.backchannelRotation%len(c.cfg.Backchannels)]
	c.backchannelRotation++
	return phrase
}

// bargeIn revokes the in-flight TTS/text chain and cancels the active
// generation. Callers must hold c.mu.
func (c *Controller) bargeIn(ctx context.Context) {
	d := c.draft
	c.draft = nil
	if d == nil {
		return
	}
	if head := d.head(); head != "" {
		revoke := iu.IU{ID: iu.NextID(producerName), Producer: producerName, Timestamp: time.Now().UnixNano(),
			PreviousID: head, UpdateType: iu.Revoke, DataType: iu.Text}
		c.b.Publish(TopicText, revoke)
	}
	if d.cancel != nil {
		d.cancel()
	}
	c.publishSystemStateLocked(map[string]any{"action": "interrupted", "progress": "barge_in"})
}

func (c *Controller) buildSnapshot() string {
	var sb strings.Builder
	for _, t := range c.trimmedHistoryLocked() {
		sb.WriteString(t.Role)
		sb.WriteString(":")
		sb.WriteString(t.Text)
		sb.WriteString("\n")
	}
	sb.WriteString("user:")
	sb.WriteString(c.userDraftText)
	return sb.String()
}

func (c *Controller) trimmedHistoryLocked() []Turn {
	n := c.cfg.MaxMessagesInContext
	if n <= 0 || n >= len(c.history) {
		return c.history
	}
	return c.history[len(c.history)-n:]
}

func (c *Controller) trimHistoryLocked() {
	if c.cfg.HistoryLength > 0 && len(c.history) > c.cfg.HistoryLength {
		c.history = c.history[len(c.history)-c.cfg.HistoryLength:]
	}
}

// restartDraft cancels whatever generation is in flight (if any) and
// starts a fresh one from snapshot.
func (c *Controller) restartDraft(ctx context.Context, snapshot string, userTurnCommitted bool, turnStartedAt time.Time) {
	c.mu.Lock()
	old := c.draft
	c.draft = nil
	c.mu.Unlock()

	if old != nil {
		if head := old.head(); head != "" {
			revoke := iu.IU{ID: iu.NextID(producerName), Producer: producerName, Timestamp: time.Now().UnixNano(),
				PreviousID: head, UpdateType: iu.Revoke, DataType: iu.Text}
			c.b.Publish(TopicText, revoke)
		}
		if old.cancel != nil {
			old.cancel()
		}
	}

	c.mu.Lock()
	draftText := c.userDraftText
	history := append([]Turn(nil), c.trimmedHistoryLocked()...)
	c.mu.Unlock()

	messages := c.prompt.ResponsePrompt(history, draftText)
	c.startGeneration(ctx, snapshot, messages, userTurnCommitted, turnStartedAt)
}

func (c *Controller) publishSystemState(fields map[string]any) {
	add := iu.NewAdd(producerName, iu.SystemState, nil, fields, "")
	c.b.Publish(TopicSystemState, add)
}

// publishSystemStateLocked is identical to publishSystemState but
// documents that it is safe to call while c.mu is held (it only touches
// the bus, never controller state).
func (c *Controller) publishSystemStateLocked(fields map[string]any) {
	c.publishSystemState(fields)
}
