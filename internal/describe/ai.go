package describe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/domain/event"
)

// aiSuggester asks an OpenAI chat model for a category suggestion. It is a
// best-effort collaborator: any failure degrades to "no candidate".
type aiSuggester struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func newAISuggester(apiKey, model string, logger *zap.Logger) *aiSuggester {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &aiSuggester{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}
}

type aiSuggestionResponse struct {
	Category    string `json:"category"`
	MPK         string `json:"mpk"`
	Description string `json:"description"`
	Confidence  int    `json:"confidence"`
}

// suggestFromAI announces the request on the bus and queries the model when
// configured. Returns nil when AI is disabled or the call fails.
func (e *Engine) suggestFromAI(ctx context.Context, inv *entity.Invoice) *entity.Suggestion {
	if e.ai == nil {
		return nil
	}

	e.bus.DispatchAsync(ctx, event.NewInvoiceEvent(event.TypeAISuggest, inv))

	s, err := e.ai.suggest(ctx, inv)
	if err != nil {
		e.logger.Warn("AI suggestion failed",
			zap.String("invoice_id", inv.ID), zap.Error(err))
		return nil
	}
	return s
}

func (a *aiSuggester) suggest(ctx context.Context, inv *entity.Invoice) (*entity.Suggestion, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an accounting assistant for a Polish small business. Assign a cost category to the invoice. Always respond with valid JSON: {\"category\", \"mpk\", \"description\", \"confidence\" (0-100)}.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: a.buildPrompt(inv),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	var parsed aiSuggestionResponse
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Category == "" {
		return nil, nil
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 100 {
		parsed.Confidence = 100
	}

	return &entity.Suggestion{
		SuggestionSource: "ai",
		Category:         parsed.Category,
		MPK:              parsed.MPK,
		Description:      parsed.Description,
		Confidence:       parsed.Confidence,
		BasedOn:          1,
	}, nil
}

func (a *aiSuggester) buildPrompt(inv *entity.Invoice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Invoice number: %s\n", inv.InvoiceNumber)
	fmt.Fprintf(&b, "Contractor: %s (NIP %s)\n", inv.ContractorName, inv.ContractorNip)
	if gross := grossAmount(inv); gross != nil {
		fmt.Fprintf(&b, "Gross amount: %.2f %s\n", *gross, inv.Currency)
	}
	if inv.ParsedData != nil && inv.ParsedData.RawText != "" {
		text := inv.ParsedData.RawText
		if len(text) > 2000 {
			text = text[:2000]
		}
		fmt.Fprintf(&b, "Document text:\n%s\n", text)
	}
	return b.String()
}
