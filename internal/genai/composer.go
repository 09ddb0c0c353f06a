package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/EngagePipe/internal/models"
)

// GoodbyeOptions are the numbered replies the inbound classifier maps to
// goodbye_response_1, goodbye_response_2 and goodbye_response_3.
const GoodbyeOptions = "1. I'm not sure how this works\n" +
	"2. I'm busy, remind me later\n" +
	"3. All good, I'll reach out when I need you"

// StaticGoodbyeOpener is the opening used when no model is configured or the
// model call fails.
const StaticGoodbyeOpener = "Hi! It's been a while since we last talked. How are things going? Reply with a number:"

const goodbyeSystemPrompt = `You write one short, warm check-in message for a user of a conversational assistant who has not written in two weeks.
Do not guilt the user. Do not ask questions that need a free-text answer. At most two sentences. End by inviting them to reply with a number.`

// Generator produces text from a system and a user prompt. *Client satisfies it.
type Generator interface {
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Composer renders outbound message text.
type Composer struct {
	gen Generator
}

// NewComposer creates a Composer. gen may be nil for static text only.
func NewComposer(gen Generator) *Composer {
	return &Composer{gen: gen}
}

// Compose returns the text for an outbound message. The numbered options are
// always appended verbatim so replies stay machine-readable.
func (c *Composer) Compose(ctx context.Context, kind models.MessageType, userID string) (string, error) {
	switch kind {
	case models.MessageTypeGoodbye:
		return c.opener(ctx, userID) + "\n\n" + GoodbyeOptions, nil
	default:
		return "", fmt.Errorf("no template for message type %q", kind)
	}
}

func (c *Composer) opener(ctx context.Context, userID string) string {
	if c.gen == nil {
		return StaticGoodbyeOpener
	}
	text, err := c.gen.GeneratePromptWithContext(ctx, goodbyeSystemPrompt, "Write the check-in message.")
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		slog.Warn("Composer.opener: falling back to static text", "userID", userID, "error", err)
		return StaticGoodbyeOpener
	}
	return text
}
