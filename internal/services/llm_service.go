package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"mira/internal/models"
)

// Completer is the narrow completion interface consumed by the summarizer,
// the memory extractor and the query tool loop. ChatService and LLMService
// both satisfy it; tests substitute fakes.
type Completer interface {
	Complete(ctx context.Context, messages []models.PromptMessage, opts CompleteOptions) (*models.CompletionResult, error)
}

// CompleteOptions tunes one model call.
type CompleteOptions struct {
	Temperature float64
	MaxTokens   int
	JSONMode    bool // request a JSON object response where supported
}

// LLMService talks to the configured OpenAI-compatible providers, walking the
// fallback chain on timeout, network error or non-2xx status. An error is
// surfaced only when every provider is exhausted.
type LLMService struct {
	providerService *ProviderService
	timeout         time.Duration
	client          *http.Client
}

// NewLLMService creates a new LLM client service.
func NewLLMService(providerService *ProviderService, timeout time.Duration) *LLMService {
	return &LLMService{
		providerService: providerService,
		timeout:         timeout,
		// Per-request deadlines come from contexts; no client-level timeout so
		// streams can outlive the sync ceiling.
		client: &http.Client{},
	}
}

// Complete performs a non-streaming chat completion with provider fallback.
func (s *LLMService) Complete(ctx context.Context, messages []models.PromptMessage, opts CompleteOptions) (*models.CompletionResult, error) {
	chain := s.providerService.Chain()
	if len(chain) == 0 {
		return nil, fmt.Errorf("no usable providers configured")
	}

	var lastErr error
	for _, provider := range chain {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		content, err := s.completeOnce(callCtx, &provider, messages, opts)
		cancel()

		if err == nil {
			s.providerService.MarkActive(provider.Name)
			return &models.CompletionResult{Content: content, Provider: provider.Name}, nil
		}

		// The caller going away is not a provider failure; stop immediately.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.Printf("⚠️ [LLM] Provider %s failed, trying next: %v", provider.Name, err)
		s.providerService.InvalidateActive()
		lastErr = err
	}

	return nil, fmt.Errorf("all providers exhausted: %w", lastErr)
}

func (s *LLMService) completeOnce(ctx context.Context, provider *models.Provider, messages []models.PromptMessage, opts CompleteOptions) (string, error) {
	reqBody := models.ChatRequest{
		Model:       provider.Model,
		Messages:    messages,
		Stream:      false,
		Temperature: opts.Temperature,
		MaxTokens:   maxTokens(opts, provider),
	}
	if opts.JSONMode {
		reqBody.ResponseFmt = &models.ResponseFormat{Type: "json_object"}
	}

	resp, err := s.post(ctx, provider, &reqBody)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return result.Choices[0].Message.Content, nil
}

// OpenStream starts a streaming completion and returns the raw SSE body along
// with the serving provider's name. The caller owns closing the body.
func (s *LLMService) OpenStream(ctx context.Context, messages []models.PromptMessage, opts CompleteOptions) (io.ReadCloser, string, error) {
	chain := s.providerService.Chain()
	if len(chain) == 0 {
		return nil, "", fmt.Errorf("no usable providers configured")
	}

	var lastErr error
	for _, provider := range chain {
		reqBody := models.ChatRequest{
			Model:       provider.Model,
			Messages:    messages,
			Stream:      true,
			Temperature: opts.Temperature,
			MaxTokens:   maxTokens(opts, &provider),
		}

		resp, err := s.post(ctx, &provider, &reqBody)
		if err == nil && resp.StatusCode == http.StatusOK {
			s.providerService.MarkActive(provider.Name)
			return resp.Body, provider.Name, nil
		}

		if err == nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			err = fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		log.Printf("⚠️ [LLM] Stream open failed on %s, trying next: %v", provider.Name, err)
		s.providerService.InvalidateActive()
		lastErr = err
	}

	return nil, "", fmt.Errorf("all providers exhausted: %w", lastErr)
}

// maxTokens resolves the per-call cap, falling back to the provider default.
func maxTokens(opts CompleteOptions, provider *models.Provider) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return provider.MaxTokens
}

func (s *LLMService) post(ctx context.Context, provider *models.Provider, reqBody *models.ChatRequest) (*http.Response, error) {
	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		strings.TrimSuffix(provider.BaseURL, "/")+"/chat/completions", bytes.NewBuffer(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+provider.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// readSSEStream decodes provider SSE framing ("data: {json}" lines) and calls
// emit for each plain-text content fragment. emit returning false stops the
// read early (client cancelled).
func readSSEStream(reader io.Reader, emit func(fragment string) bool) error {
	scanner := bufio.NewScanner(reader)

	// 1MB line buffer; large deltas overflow the 64KB default
	const maxCapacity = 1024 * 1024
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // malformed frames are skipped, not fatal
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			if !emit(content) {
				return nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream scanner error: %w", err)
	}
	return nil
}
