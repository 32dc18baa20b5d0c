package dialogue

import (
	"context"
	"strings"
	"time"

	"github.com/remdis-go/remdis/pkg/iu"
)

// startGeneration spawns the speculative generation goroutine for a draft
// identified by snapshot (used later to detect whether a subsequent ASR
// partial diverges from it). At most one generation is active per
// controller: callers must have already cancelled any prior draft.
func (c *Controller) startGeneration(ctx context.Context, snapshot string, messages []Message, userTurnCommitted bool, turnStartedAt time.Time) {
	genCtx, cancel := context.WithCancel(ctx)
	d := &draft{
		promptSnapshot:    snapshot,
		generationID:      iu.NextID(producerName),
		cancel:            cancel,
		startedAt:         time.Now(),
		userTurnCommitted: userTurnCommitted,
	}

	c.mu.Lock()
	c.draft = d
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runGeneration(genCtx, d, messages, turnStartedAt)
}

func (c *Controller) runGeneration(ctx context.Context, d *draft, messages []Message, turnStartedAt time.Time) {
	defer c.wg.Done()

	tokens, err := c.llm.Stream(ctx, messages)
	if err != nil {
		c.failGeneration(d, turnStartedAt)
		return
	}

	firstTokenTimer := time.NewTimer(c.cfg.ResponseGenerationTimeout)
	defer firstTokenTimer.Stop()

	var buf strings.Builder
	gotFirstToken := false
	enteredSpeaking := false

	for {
		select {
		case tok, ok := <-tokens:
			if !ok {
				c.finishGeneration(d, buf.String(), turnStartedAt)
				return
			}
			if !gotFirstToken {
				gotFirstToken = true
				firstTokenTimer.Stop()
			}
			if tok.Err != nil {
				c.failGeneration(d, turnStartedAt)
				return
			}

			buf.WriteString(tok.Text)
			if !enteredSpeaking {
				enteredSpeaking = true
				c.mu.Lock()
				c.state = Speaking
				c.mu.Unlock()
				c.publishSystemState(map[string]any{"action": "speaking", "progress": "started", "current_text": buf.String()})
			}

			if endsInSplitPattern(buf.String(), c.cfg.SplitPattern) {
				c.flushChunk(d, buf.String())
				buf.Reset()
			}

		case <-firstTokenTimer.C:
			if !gotFirstToken {
				c.logger.Warn("llm generation timed out waiting for first token", "generation", d.generationID)
				c.timeoutGeneration(d, turnStartedAt)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func endsInSplitPattern(s string, pattern string) bool {
	if s == "" || pattern == "" {
		return false
	}
	last := s[len(s)-1]
	return strings.IndexByte(pattern, last) >= 0
}

// flushChunk emits the accumulated buffer as a TEXT ADD on d's chain.
func (c *Controller) flushChunk(d *draft, text string) {
	var add iu.IU
	head := d.head()
	if head == "" {
		add = iu.NewAdd(producerName, iu.Text, []byte(text), nil, "")
	} else {
		add = iu.IU{ID: iu.NextID(producerName), Producer: producerName, Timestamp: time.Now().UnixNano(),
			PreviousID: head, UpdateType: iu.Add, DataType: iu.Text, Payload: []byte(text)}
	}
	d.setChainHead(add.ID, text)
	c.b.Publish(TopicText, add)
}

// finishGeneration is called when the LLM stream closes normally.
func (c *Controller) finishGeneration(d *draft, tail string, turnStartedAt time.Time) {
	if tail != "" {
		c.flushChunk(d, tail)
	}
	if head := d.head(); head != "" {
		commit := iu.NewCommit(producerName, iu.IU{ID: head, DataType: iu.Text})
		c.b.Publish(TopicText, commit)
	}

	now := time.Now()
	fullText := d.text()
	c.mu.Lock()
	if c.draft == d {
		c.draft = nil
	}
	c.history = append(c.history, Turn{Role: "system", Text: fullText, StartedAt: turnStartedAt, EndedAt: now})
	c.trimHistoryLocked()
	c.state = Idle
	c.mu.Unlock()

	// Modeling simplification: TTS playback completion ("system finished
	// speaking") is treated as immediate once the text chain commits,
	// since audio rendering is an external collaborator out of this
	// controller's scope.
	c.publishSystemState(map[string]any{"action": "idle", "progress": "finished_speaking"})
}

// failGeneration handles an LLM adapter failure mid-generation: revoke any
// published chunks, log, and fall back to LISTENING or IDLE.
func (c *Controller) failGeneration(d *draft, turnStartedAt time.Time) {
	c.logger.Error("llm generation failed", "generation", d.generationID, "error", ErrLLMFailed)
	c.revokeAndRecover(d)
}

func (c *Controller) timeoutGeneration(d *draft, turnStartedAt time.Time) {
	c.logger.Error("llm generation failed", "generation", d.generationID, "error", ErrLLMTimeout)
	c.revokeAndRecover(d)
}

func (c *Controller) revokeAndRecover(d *draft) {
	if d.cancel != nil {
		d.cancel()
	}
	if head := d.head(); head != "" {
		revoke := iu.IU{ID: iu.NextID(producerName), Producer: producerName, Timestamp: time.Now().UnixNano(),
			PreviousID: head, UpdateType: iu.Revoke, DataType: iu.Text}
		c.b.Publish(TopicText, revoke)
	}

	c.mu.Lock()
	if c.draft == d {
		c.draft = nil
	}
	if d.isUserTurnCommitted() {
		c.state = Idle
	} else {
		c.state = Listening
	}
	c.mu.Unlock()

	c.publishSystemState(map[string]any{"action": "idle", "progress": "generation_failed"})
}
