package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"platform-api/internal/models"
)

// Supported providers
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderClaude = "claude"
)

// Proxy error types. The type decides the HTTP status and whether a retry
// can help.
const (
	ErrTypeValidation = "VALIDATION_ERROR"
	ErrTypeAuth       = "AUTH_ERROR"
	ErrTypeRateLimit  = "RATE_LIMIT_ERROR"
	ErrTypeTimeout    = "TIMEOUT_ERROR"
	ErrTypeProvider   = "PROVIDER_ERROR"
)

// ProxyError is the uniform error for generation failures.
type ProxyError struct {
	Type       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	StatusCode int
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatus maps the error type onto the response status code.
func (e *ProxyError) HTTPStatus() int {
	switch e.Type {
	case ErrTypeValidation:
		return http.StatusBadRequest
	case ErrTypeAuth:
		return http.StatusUnauthorized
	case ErrTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// AIUsage is the normalized token accounting across providers.
type AIUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// AIResponse is the normalized generation result.
type AIResponse struct {
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	Content    string  `json:"content"`
	Usage      AIUsage `json:"usage"`
	DurationMs int64   `json:"durationMs"`
	Attempts   int     `json:"attempts"`
}

// ParameterLimits bounds the tunable generation parameters per provider.
type ParameterLimits struct {
	TemperatureMin float64 `json:"temperatureMin"`
	TemperatureMax float64 `json:"temperatureMax"`
	MaxTokensMax   int     `json:"maxTokensMax"`
	TopPMin        float64 `json:"topPMin"`
	TopPMax        float64 `json:"topPMax"`
	TopKMin        int     `json:"topKMin"`
	TopKMax        int     `json:"topKMax"`
	SupportsTopK   bool    `json:"supportsTopK"`
}

// modelWhitelist enumerates the models each provider may be asked for.
// Anything else is rejected before a single byte leaves the process.
var modelWhitelist = map[string][]string{
	ProviderOpenAI: {
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
		"gpt-3.5-turbo",
	},
	ProviderGemini: {
		"gemini-1.5-pro",
		"gemini-1.5-flash",
		"gemini-2.0-flash",
	},
	ProviderClaude: {
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
	},
}

var parameterLimits = map[string]ParameterLimits{
	ProviderOpenAI: {TemperatureMin: 0, TemperatureMax: 2, MaxTokensMax: 16384, TopPMin: 0, TopPMax: 1, SupportsTopK: false},
	ProviderGemini: {TemperatureMin: 0, TemperatureMax: 2, MaxTokensMax: 8192, TopPMin: 0, TopPMax: 1, TopKMin: 1, TopKMax: 100, SupportsTopK: true},
	ProviderClaude: {TemperatureMin: 0, TemperatureMax: 1, MaxTokensMax: 8192, TopPMin: 0, TopPMax: 1, TopKMin: 1, TopKMax: 100, SupportsTopK: true},
}

// ModelCatalog exposes the whitelist and limits for the /models endpoint.
func ModelCatalog() map[string]interface{} {
	return map[string]interface{}{
		"providers": modelWhitelist,
		"limits":    parameterLimits,
	}
}

// RetryPolicy controls provider-call retries inside one generation attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the production defaults: 3 attempts, 500ms base,
// doubling, capped at 8s.
func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   500 * time.Millisecond,
		Factor:      2,
		MaxDelay:    8 * time.Second,
	}
}

// AIProxyService forwards generation requests to upstream providers with
// whitelist validation, a hard per-call timeout and bounded retries.
type AIProxyService struct {
	httpClient *http.Client
	apiKeys    map[string]string
	baseURLs   map[string]string
	timeout    time.Duration
	retry      RetryPolicy
	logger     *logrus.Entry

	// Injection points for deterministic tests.
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
}

// NewAIProxyService creates a new AI proxy service
func NewAIProxyService(openAIKey, geminiKey, anthropicKey string, timeout time.Duration, retry RetryPolicy, logger *logrus.Logger) *AIProxyService {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &AIProxyService{
		httpClient: &http.Client{},
		apiKeys: map[string]string{
			ProviderOpenAI: openAIKey,
			ProviderGemini: geminiKey,
			ProviderClaude: anthropicKey,
		},
		baseURLs: map[string]string{
			ProviderOpenAI: "https://api.openai.com",
			ProviderGemini: "https://generativelanguage.googleapis.com",
			ProviderClaude: "https://api.anthropic.com",
		},
		timeout: timeout,
		retry:   retry,
		logger:  logger.WithField("component", "ai-proxy"),
		sleep:   sleepCtx,
		randf:   rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Validate checks the request against the provider/model whitelist and the
// per-provider parameter limits. It runs before any network traffic.
func (s *AIProxyService) Validate(req *models.GenerateRequest) *ProxyError {
	limits, ok := parameterLimits[req.Provider]
	if !ok {
		return &ProxyError{Type: ErrTypeValidation, Message: fmt.Sprintf("unsupported provider %q", req.Provider)}
	}

	allowed := false
	for _, m := range modelWhitelist[req.Provider] {
		if m == req.Model {
			allowed = true
			break
		}
	}
	if !allowed {
		return &ProxyError{Type: ErrTypeValidation, Message: fmt.Sprintf("model %q is not allowed for provider %q", req.Model, req.Provider)}
	}

	if strings.TrimSpace(req.UserPrompt) == "" {
		return &ProxyError{Type: ErrTypeValidation, Message: "userPrompt must not be empty"}
	}

	if req.Temperature != nil && (*req.Temperature < limits.TemperatureMin || *req.Temperature > limits.TemperatureMax) {
		return &ProxyError{Type: ErrTypeValidation, Message: fmt.Sprintf("temperature must be between %g and %g", limits.TemperatureMin, limits.TemperatureMax)}
	}
	if req.MaxTokens != nil && (*req.MaxTokens < 1 || *req.MaxTokens > limits.MaxTokensMax) {
		return &ProxyError{Type: ErrTypeValidation, Message: fmt.Sprintf("maxTokens must be between 1 and %d", limits.MaxTokensMax)}
	}
	if req.TopP != nil && (*req.TopP < limits.TopPMin || *req.TopP > limits.TopPMax) {
		return &ProxyError{Type: ErrTypeValidation, Message: fmt.Sprintf("topP must be between %g and %g", limits.TopPMin, limits.TopPMax)}
	}
	if req.TopK != nil {
		if !limits.SupportsTopK {
			return &ProxyError{Type: ErrTypeValidation, Message: fmt.Sprintf("provider %q does not support topK", req.Provider)}
		}
		if *req.TopK < limits.TopKMin || *req.TopK > limits.TopKMax {
			return &ProxyError{Type: ErrTypeValidation, Message: fmt.Sprintf("topK must be between %d and %d", limits.TopKMin, limits.TopKMax)}
		}
	}

	return nil
}

// Generate validates and forwards the request, retrying retryable upstream
// failures with exponential backoff. Non-retryable failures and exhausted
// budgets return the last *ProxyError.
func (s *AIProxyService) Generate(ctx context.Context, req *models.GenerateRequest) (*AIResponse, error) {
	if perr := s.Validate(req); perr != nil {
		return nil, perr
	}

	start := time.Now()
	var lastErr *ProxyError
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		resp, perr := s.callProvider(ctx, req)
		if perr == nil {
			resp.DurationMs = time.Since(start).Milliseconds()
			resp.Attempts = attempt + 1
			return resp, nil
		}

		lastErr = perr
		if !perr.Retryable || attempt == s.retry.MaxAttempts-1 {
			break
		}

		delay := s.backoffDelay(attempt, perr.RetryAfter)
		s.logger.WithFields(logrus.Fields{
			"provider": req.Provider,
			"model":    req.Model,
			"attempt":  attempt + 1,
			"delay":    delay.String(),
			"error":    perr.Type,
		}).Warn("Retrying provider call")

		if err := s.sleep(ctx, delay); err != nil {
			return nil, &ProxyError{Type: ErrTypeTimeout, Message: "generation cancelled while waiting to retry", Retryable: true}
		}
	}

	return nil, lastErr
}

// backoffDelay computes the wait before the given retry attempt. A provider
// Retry-After hint overrides the computed delay; either way the wait never
// exceeds MaxDelay.
func (s *AIProxyService) backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > s.retry.MaxDelay {
			return s.retry.MaxDelay
		}
		return retryAfter
	}

	delay := float64(s.retry.BaseDelay) * math.Pow(s.retry.Factor, float64(attempt))
	if delay > float64(s.retry.MaxDelay) {
		delay = float64(s.retry.MaxDelay)
	}

	// +-20% jitter
	jittered := delay * (0.8 + 0.4*s.randf())
	if jittered > float64(s.retry.MaxDelay) {
		jittered = float64(s.retry.MaxDelay)
	}
	return time.Duration(jittered)
}

// callProvider makes exactly one upstream call under the per-call timeout.
func (s *AIProxyService) callProvider(ctx context.Context, req *models.GenerateRequest) (*AIResponse, *ProxyError) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var httpReq *http.Request
	var err error
	switch req.Provider {
	case ProviderOpenAI:
		httpReq, err = s.buildOpenAIRequest(callCtx, req)
	case ProviderGemini:
		httpReq, err = s.buildGeminiRequest(callCtx, req)
	case ProviderClaude:
		httpReq, err = s.buildClaudeRequest(callCtx, req)
	default:
		return nil, &ProxyError{Type: ErrTypeValidation, Message: fmt.Sprintf("unsupported provider %q", req.Provider)}
	}
	if err != nil {
		return nil, &ProxyError{Type: ErrTypeProvider, Message: err.Error()}
	}

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, &ProxyError{Type: ErrTypeTimeout, Message: "provider call timed out", Retryable: true}
		}
		return nil, &ProxyError{Type: ErrTypeProvider, Message: err.Error(), Retryable: true}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, &ProxyError{Type: ErrTypeProvider, Message: "failed to read provider response", Retryable: true}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(httpResp, body)
	}

	var resp *AIResponse
	var perr *ProxyError
	switch req.Provider {
	case ProviderOpenAI:
		resp, perr = parseOpenAIResponse(body)
	case ProviderGemini:
		resp, perr = parseGeminiResponse(body)
	case ProviderClaude:
		resp, perr = parseClaudeResponse(body)
	}
	if perr != nil {
		return nil, perr
	}

	resp.Provider = req.Provider
	resp.Model = req.Model
	return resp, nil
}

// classifyStatus maps an upstream status onto a typed error. 429 and 5xx are
// retryable; auth and client errors are not.
func classifyStatus(resp *http.Response, body []byte) *ProxyError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500]
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ProxyError{Type: ErrTypeAuth, Message: "provider rejected credentials", StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ProxyError{
			Type:       ErrTypeRateLimit,
			Message:    "provider rate limit exceeded",
			Retryable:  true,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			StatusCode: resp.StatusCode,
		}
	case resp.StatusCode == http.StatusRequestTimeout:
		return &ProxyError{Type: ErrTypeTimeout, Message: "provider timed out", Retryable: true, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &ProxyError{
			Type:       ErrTypeProvider,
			Message:    fmt.Sprintf("provider returned %d", resp.StatusCode),
			Retryable:  true,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			StatusCode: resp.StatusCode,
		}
	default:
		return &ProxyError{Type: ErrTypeProvider, Message: fmt.Sprintf("provider returned %d: %s", resp.StatusCode, msg), StatusCode: resp.StatusCode}
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// ============================================================================
// PROVIDER ADAPTERS
// ============================================================================

func (s *AIProxyService) buildOpenAIRequest(ctx context.Context, req *models.GenerateRequest) (*http.Request, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	payload := map[string]interface{}{
		"model": req.Model,
	}
	var msgs []message
	if req.SystemPrompt != "" {
		msgs = append(msgs, message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, message{Role: "user", Content: req.UserPrompt})
	payload["messages"] = msgs
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURLs[ProviderOpenAI]+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKeys[ProviderOpenAI])
	return httpReq, nil
}

func parseOpenAIResponse(body []byte) (*AIResponse, *ProxyError) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return nil, &ProxyError{Type: ErrTypeProvider, Message: "malformed openai response", Retryable: true}
	}
	return &AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Usage: AIUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func (s *AIProxyService) buildGeminiRequest(ctx context.Context, req *models.GenerateRequest) (*http.Request, error) {
	type part struct {
		Text string `json:"text"`
	}
	type content struct {
		Role  string `json:"role,omitempty"`
		Parts []part `json:"parts"`
	}

	generationConfig := map[string]interface{}{}
	if req.Temperature != nil {
		generationConfig["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		generationConfig["maxOutputTokens"] = *req.MaxTokens
	}
	if req.TopP != nil {
		generationConfig["topP"] = *req.TopP
	}
	if req.TopK != nil {
		generationConfig["topK"] = *req.TopK
	}

	payload := map[string]interface{}{
		"contents": []content{{Role: "user", Parts: []part{{Text: req.UserPrompt}}}},
	}
	if req.SystemPrompt != "" {
		payload["systemInstruction"] = content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	if len(generationConfig) > 0 {
		payload["generationConfig"] = generationConfig
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", s.baseURLs[ProviderGemini], req.Model, s.apiKeys[ProviderGemini])
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func parseGeminiResponse(body []byte) (*AIResponse, *ProxyError) {
	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Candidates) == 0 {
		return nil, &ProxyError{Type: ErrTypeProvider, Message: "malformed gemini response", Retryable: true}
	}

	var sb strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return &AIResponse{
		Content: sb.String(),
		Usage: AIUsage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func (s *AIProxyService) buildClaudeRequest(ctx context.Context, req *models.GenerateRequest) (*http.Request, error) {
	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	payload := map[string]interface{}{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.UserPrompt},
		},
	}
	if req.SystemPrompt != "" {
		payload["system"] = req.SystemPrompt
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.TopK != nil {
		payload["top_k"] = *req.TopK
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURLs[ProviderClaude]+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", s.apiKeys[ProviderClaude])
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	return httpReq, nil
}

func parseClaudeResponse(body []byte) (*AIResponse, *ProxyError) {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Content) == 0 {
		return nil, &ProxyError{Type: ErrTypeProvider, Message: "malformed claude response", Retryable: true}
	}

	var sb strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return &AIResponse{
		Content: sb.String(),
		Usage: AIUsage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

// ExtractJSON pulls a JSON document out of a model reply, stripping markdown
// code fences when the model wrapped its answer in one.
func ExtractJSON(content string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(content)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}
