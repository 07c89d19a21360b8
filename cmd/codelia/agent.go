package main

import (
	"context"
	"sync"

	"github.com/codelia/codelia/pkg/agent"
	"github.com/codelia/codelia/pkg/models"
)

// echoAgent is the built-in development agent: it answers every turn by
// echoing the input back as assistant text. Deployments plug a
// provider-backed agent.Factory into the pool instead.
type echoAgent struct {
	mu      sync.Mutex
	history []models.Message
	seq     int
}

func echoFactory() agent.Factory {
	return func(_ context.Context, spec agent.BuildSpec) (agent.Agent, error) {
		a := &echoAgent{seq: spec.InvokeSeq}
		a.ReplaceHistory(spec.History)
		return a, nil
	}
}

func (a *echoAgent) Run(ctx context.Context, input string, emit agent.EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	a.history = append(a.history, models.Message{Role: models.RoleUser, Content: models.TextContent(input)})
	a.seq++
	a.mu.Unlock()

	reply := "echo: " + input
	if err := emit(agent.Event{Type: models.EventTypeText, Data: map[string]any{"content": reply}}); err != nil {
		return err
	}
	if err := emit(agent.Event{Type: models.EventTypeFinal, Data: map[string]any{"content": reply}}); err != nil {
		return err
	}

	a.mu.Lock()
	a.history = append(a.history, models.Message{Role: models.RoleAssistant, Content: models.TextContent(reply)})
	a.mu.Unlock()
	return nil
}

func (a *echoAgent) History() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Message(nil), a.history...)
}

func (a *echoAgent) ReplaceHistory(messages []models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append([]models.Message(nil), messages...)
}

func (a *echoAgent) InvokeSeq() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}
