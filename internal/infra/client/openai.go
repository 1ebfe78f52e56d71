package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

const systemPrompt = "You write short engineering notes for an on-call reviewer. " +
	"Use only the facts provided. Do not invent numbers, owners or links. Plain text, at most 120 words."

var kindInstructions = map[domain.GenerationKind]string{
	domain.GenerateTechnicalDetail:     "Explain the most likely root cause of this quality degradation.",
	domain.GenerateProposalDescription: "Describe the proposed change and what it should fix.",
}

// TokenRecorder receives token usage per completion.
type TokenRecorder interface {
	RecordTokens(prompt, completion int)
}

// OpenAIConfig configures the OpenAI generator. BaseURL is optional.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	RPS     float64
}

// OpenAIGenerator produces prose through the chat completions API. Calls are
// rate limited locally and guarded by a circuit breaker.
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	tokens  TokenRecorder
}

// NewOpenAIGenerator creates a new OpenAIGenerator.
func NewOpenAIGenerator(cfg OpenAIConfig, cb *gobreaker.CircuitBreaker, tokens TokenRecorder) *OpenAIGenerator {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		limiter: rate.NewLimiter(limit, 1),
		cb:      cb,
		tokens:  tokens,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIGenerator.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("generation.kind", string(req.Kind)),
		attribute.String("model", g.model),
	)

	if err := g.limiter.Wait(ctx); err != nil {
		return "", &domain.ErrExternalService{Service: "textgen", Err: err}
	}

	result, err := g.cb.Execute(func() (any, error) {
		resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: g.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
			},
			Temperature: 0.2,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("completion returned no choices")
		}
		if g.tokens != nil {
			g.tokens.RecordTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	})
	if err != nil {
		return "", &domain.ErrExternalService{Service: "textgen", Err: err}
	}
	return result.(string), nil
}

func userPrompt(req domain.GenerationRequest) string {
	var b strings.Builder
	if instr, ok := kindInstructions[req.Kind]; ok {
		b.WriteString(instr)
	} else {
		fmt.Fprintf(&b, "Write a %s.", strings.ReplaceAll(string(req.Kind), "_", " "))
	}
	b.WriteString("\n\nFacts:\n")
	for _, k := range sortedKeys(req.Facts) {
		if v := req.Facts[k]; v != "" {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
