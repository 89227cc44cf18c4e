package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/simplifia/engine/internal/domain"
)

const systemPrompt = `You are the intent classifier of an administrative assistant.
Given the user's chat message and the state of their current process (if any),
respond with strict JSON only, no prose:
{"intent": "none" | "start_process" | "continue_process" | "cancel_process",
 "kind": "<process kind, only for start_process>",
 "params": {<free-form parameters extracted from the message, only for start_process>}}

Rules:
- "start_process" when the user asks to begin a new procedure. Known kinds: %s.
- "continue_process" when the message answers a question the current process is waiting on.
- "cancel_process" when the user wants to stop or abandon the current process.
- "none" for greetings, small talk, and anything requiring no process change.`

// OpenAIClassifier classifies intents through any OpenAI-compatible chat
// completion endpoint.
type OpenAIClassifier struct {
	client *openai.Client
	model  string
	kinds  []string
}

var _ Classifier = (*OpenAIClassifier)(nil)

// NewOpenAI creates a classifier backed by the given API key and model.
// baseURL overrides the endpoint (empty for api.openai.com); kinds lists the
// process kinds the prompt advertises.
func NewOpenAI(apiKey, baseURL, model string, kinds []string) *OpenAIClassifier {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIClassifier{
		client: openai.NewClientWithConfig(config),
		model:  model,
		kinds:  kinds,
	}
}

// Classify sends the message and process context to the model and parses the
// structured intent from its reply.
func (c *OpenAIClassifier) Classify(ctx context.Context, msg *domain.ChatMessage, active *domain.Process) (domain.Intent, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(systemPrompt, strings.Join(c.kinds, ", "))},
			{Role: openai.ChatMessageRoleUser, Content: buildContext(msg, active)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return domain.Intent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return domain.Intent{}, fmt.Errorf("%w: empty choices", ErrMalformed)
	}

	return ParseIntent(resp.Choices[0].Message.Content)
}

// ParseIntent decodes and validates the oracle's JSON reply.
func ParseIntent(raw string) (domain.Intent, error) {
	var intent domain.Intent
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &intent); err != nil {
		return domain.Intent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := intent.Validate(); err != nil {
		return domain.Intent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return intent, nil
}

func buildContext(msg *domain.ChatMessage, active *domain.Process) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message: %q\n", msg.Content)
	if active == nil {
		b.WriteString("Current process: none\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Current process: kind=%s status=%s step %d of %d",
		active.Kind, active.Status, active.CurrentStepIndex, len(active.Steps))
	if step := active.CurrentStep(); step != nil {
		fmt.Fprintf(&b, " (%s)", step.Description)
	}
	b.WriteString("\n")
	return b.String()
}
