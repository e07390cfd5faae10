package intel

import "context"

// Completer is a single-turn text completion backend.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

const systemPrompt = "You are an expert site reliability engineer. Be precise, blameless and actionable. " +
	"Follow the requested output format exactly."
