package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coach-chat-jobs/internal/domain/ports/adapter"
)

var _ adapter.LLMProvider = (*ScriptedAdapter)(nil)

// ErrScriptedFailure is returned mid-stream when the user message asks for it.
var ErrScriptedFailure = errors.New("scripted provider failure")

const (
	scriptedFailTrigger   = "[fail]"
	scriptedFinishTrigger = "wrap up"
)

// ScriptedAdapter is the provider used in dev mode. It streams a canned coaching
// reply word by word. A message containing "wrap up" gets a concluding reply with
// the completion marker, and "[fail]" breaks the stream halfway.
type ScriptedAdapter struct {
	delay  time.Duration
	marker string
}

func NewScriptedAdapter(delay time.Duration, marker string) *ScriptedAdapter {
	return &ScriptedAdapter{delay: delay, marker: marker}
}

func (s *ScriptedAdapter) Name() string { return "scripted" }

func (s *ScriptedAdapter) Generate(ctx context.Context, req adapter.GenerateRequest, onChunk adapter.ChunkHandler) (adapter.Usage, error) {
	reply := s.reply(req)
	words := strings.SplitAfter(reply, " ")
	failAt := -1
	if strings.Contains(strings.ToLower(req.NewMessage), scriptedFailTrigger) {
		failAt = len(words) / 2
	}

	var t *time.Ticker
	if s.delay > 0 {
		t = time.NewTicker(s.delay)
		defer t.Stop()
	}
	for i, w := range words {
		if i == failAt {
			return adapter.Usage{}, ErrScriptedFailure
		}
		if t != nil {
			select {
			case <-ctx.Done():
				return adapter.Usage{}, ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return adapter.Usage{}, err
		}
		if err := onChunk(w); err != nil {
			return adapter.Usage{}, err
		}
	}
	return adapter.Usage{}, nil
}

func (s *ScriptedAdapter) reply(req adapter.GenerateRequest) string {
	turns := 0
	for _, m := range req.History {
		if m.Role == "user" {
			turns++
		}
	}
	msg := strings.TrimSpace(req.NewMessage)
	if !strings.Contains(strings.ToLower(msg), scriptedFinishTrigger) {
		return fmt.Sprintf("Thanks for sharing. You said: %q. This is turn %d of our session. "+
			"What feels like the most important next step for you?", msg, turns+1)
	}
	return fmt.Sprintf("Great work today. Let's capture what we covered.\n\n"+
		"```json\n{\"summary\":\"Session closed after %d turns.\",\"goals\":[\"Follow up on the next step you named\"]}\n```\n\n%s",
		turns+1, s.marker)
}
