package agent

import "github.com/pi-run/pi/pkg/models"

// NormalizeForProvider rewrites a transcript snapshot for submission to
// the given target provider/api pair (property P4). AssistantMessages
// produced by the same provider/api pass through verbatim, retaining
// textSignature/thinkingSignature so reasoning caches and response-item
// chains stay valid. AssistantMessages produced by a different
// provider/api have every Thinking block rewritten to a Text block
// (wrapped in ThinkingWrapOpen/ThinkingWrapClose) and lose both
// signature fields; this direction is one-way, not round-trip-safe for
// thinking content.
func NormalizeForProvider(messages []models.Message, targetProvider, targetAPI string) []models.Message {
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		am, ok := m.(models.AssistantMessage)
		if !ok {
			out[i] = m
			continue
		}
		if am.Provider == targetProvider && am.API == targetAPI {
			out[i] = am
			continue
		}
		out[i] = rewriteCrossProvider(am)
	}
	return out
}

// rewriteCrossProvider converts every Thinking block in am to a Text
// block wrapping the thinking content, and drops textSignature on Text
// blocks since they are only meaningful to the producing provider.
func rewriteCrossProvider(am models.AssistantMessage) models.AssistantMessage {
	content := make([]models.ContentBlock, len(am.Content))
	for i, b := range am.Content {
		switch v := b.(type) {
		case models.Thinking:
			content[i] = v.AsText()
		case models.Text:
			content[i] = models.Text{Text: v.Text}
		default:
			content[i] = b
		}
	}
	am.Content = content
	return am
}
