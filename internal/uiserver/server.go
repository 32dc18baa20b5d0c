// Package uiserver exposes a coder/websocket endpoint that fans out the
// UI protocol named in the specification's external interfaces section
// to connected browser/avatar clients, fed from the system.state,
// dialogue.text, asr.partial and asr.commit bus topics, and accepts a
// text-only fallback input path
// from clients.
package uiserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/iu"
)

const (
	TopicSystemState = "system.state"
	TopicText        = "dialogue.text"

	// TopicASRPartial and TopicASRCommit match pkg/providers/asr's topic
	// names: the text-input fallback path injects directly onto the same
	// topics a real ASR adapter publishes to, bypassing speech
	// recognition entirely rather than routing through a side channel.
	TopicASRPartial = "asr.partial"
	TopicASRCommit  = "asr.commit"

	producerName = "uiserver"
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

// outboundMessage is the system->client event envelope named in the
// specification's UI protocol: new_text, asr_token, partial_user,
// user_finished_speaking, asr_revoked, system_state,
// system_finished_speaking.
type outboundMessage struct {
	Type string `json:"type"`

	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	Stability float64 `json:"stability,omitempty"`

	Expression  string `json:"expression,omitempty"`
	Action      string `json:"action,omitempty"`
	Progress    string `json:"progress,omitempty"`
	CurrentText string `json:"current_text,omitempty"`
	Concept     string `json:"concept,omitempty"`
}

// inboundMessage is the one client->system event the protocol names:
// user_input {text, is_final}.
type inboundMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Server fans out bus IUs to every connected client and forwards
// user_input messages back onto the bus as a text-chat fallback input
// path (bypassing ASR entirely).
type Server struct {
	b      *bus.Bus
	logger Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New constructs a Server. Call Run to start draining the bus topics it
// fans out, and register ServeHTTP with an http.ServeMux.
func New(b *bus.Bus, logger Logger) *Server {
	if logger == nil {
		logger = noOpLogger{}
	}
	return &Server{b: b, logger: logger, clients: make(map[*websocket.Conn]struct{})}
}

// Run drains system.state, dialogue.text, asr.partial, and asr.commit
// until ctx is cancelled, translating each IU into an outboundMessage
// broadcast to every connected client. Intended to be run in its own
// goroutine.
func (s *Server) Run(ctx context.Context) {
	client := bus.NewClient(s.b, TopicSystemState, TopicText, TopicASRPartial, TopicASRCommit)
	defer client.Close()

	for {
		u, ok := client.Next(ctx)
		if !ok {
			return
		}
		msgs := translate(u)
		for _, msg := range msgs {
			s.broadcast(ctx, msg)
		}
	}
}

// translate maps one bus IU onto zero, one, or two outbound UI protocol
// messages. An ASR_TOKEN ADD produces both asr_token (carries stability,
// for a live-transcript display that fades in confidence) and
// partial_user (the plain running transcript), since spec.md:174 names
// them as two distinct message types rather than one merged shape.
func translate(u iu.IU) []outboundMessage {
	switch u.DataType {
	case iu.SystemState:
		expression, _ := u.Metadata["expression"].(string)
		action, _ := u.Metadata["action"].(string)
		progress, _ := u.Metadata["progress"].(string)
		concept, _ := u.Metadata["concept"].(string)
		currentText, _ := u.Metadata["current_text"].(string)
		if progress == "finished_speaking" {
			return []outboundMessage{{Type: "system_finished_speaking"}}
		}
		return []outboundMessage{{Type: "system_state", Expression: expression, Action: action, Progress: progress, Concept: concept, CurrentText: currentText}}

	case iu.Text:
		switch u.UpdateType {
		case iu.Add:
			return []outboundMessage{{Type: "new_text", Role: "system", Text: string(u.Payload)}}
		case iu.Revoke:
			return []outboundMessage{{Type: "asr_revoked"}}
		}

	case iu.ASRToken:
		if u.UpdateType != iu.Add {
			return nil
		}
		stability, _ := u.Metadata["stability"].(float64)
		text := string(u.Payload)
		return []outboundMessage{
			{Type: "asr_token", Text: text, Stability: stability},
			{Type: "partial_user", Text: text},
		}

	case iu.ASRCommit:
		if u.UpdateType != iu.Commit {
			return nil
		}
		return []outboundMessage{{Type: "user_finished_speaking"}}
	}
	return nil
}

func (s *Server) broadcast(ctx context.Context, msg outboundMessage) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := wsjson.Write(ctx, c, msg); err != nil {
			s.logger.Warn("uiserver: dropping client after write failure", "error", err)
			s.removeClient(c)
		}
	}
}

// ServeHTTP upgrades the connection and reads inbound user_input messages
// until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.addClient(conn)
	defer func() {
		s.removeClient(conn)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		var in inboundMessage
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			return
		}
		if in.Type != "user_input" {
			continue
		}
		s.publishUserInput(in)
	}
}

func (s *Server) publishUserInput(in inboundMessage) {
	if !in.IsFinal {
		s.b.Publish(TopicASRPartial, iu.NewAdd(producerName, iu.ASRToken, []byte(in.Text), map[string]any{"stability": 0.9}, ""))
		return
	}
	add := iu.NewAdd(producerName, iu.ASRToken, []byte(in.Text), map[string]any{"stability": 1.0}, "")
	s.b.Publish(TopicASRPartial, add)
	commit := iu.NewCommit(producerName, add)
	commit.DataType = iu.ASRCommit
	commit.Payload = []byte(in.Text)
	s.b.Publish(TopicASRCommit, commit)
}

func (s *Server) addClient(c *websocket.Conn) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
