/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       HTTP proxy handler implementing POST /v1/chat/completions
             (non-streaming and SSE streaming), POST /v1/embeddings,
             and dry-run mode. Routes requests to the appropriate
             provider connector, injects X-Alfred-Model header,
             and supports per-provider configurable timeouts.
Root Cause:  Sprint tasks T014, T015, T016, T022, T024.
Context:     Core product endpoint — all AI traffic flows through
             this handler. Must handle streaming correctly with
             proper flushing and buffering.
Suitability: L3 model for SSE streaming in Go and proxy logic.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alfred-oss/fabric/cache"
	"github.com/alfred-oss/fabric/connpool"
	"github.com/alfred-oss/fabric/container"
	"github.com/alfred-oss/fabric/credential"
	"github.com/alfred-oss/fabric/failover"
	"github.com/alfred-oss/fabric/middleware"
	"github.com/alfred-oss/fabric/provider"
	"github.com/alfred-oss/fabric/retry"
	"github.com/rs/zerolog"
)

// ProxyHandler handles AI API proxy requests, running every chat/embeddings
// call through the Failover Controller instead of calling a provider
// directly (§4.8).
type ProxyHandler struct {
	logger    zerolog.Logger
	registry  *provider.Registry
	container *container.Container
}

// NewProxyHandler creates a new proxy handler.
func NewProxyHandler(logger zerolog.Logger, c *container.Container) *ProxyHandler {
	return &ProxyHandler{
		logger:    logger,
		registry:  c.Registry,
		container: c,
	}
}

// targetsForModel resolves the ordered candidate list for req.Model: the
// model's primary provider first, followed by any other registered provider
// that also serves it, giving the Failover Controller somewhere to go when
// the primary's breaker is open.
func (h *ProxyHandler) targetsForModel(model string, estimatedTokens int) ([]failover.Target, error) {
	primary, err := h.registry.GetForModel(model)
	if err != nil {
		return nil, err
	}
	targets := []failover.Target{{Name: primary.Name(), EstimatedTokens: estimatedTokens}}
	for _, name := range h.registry.List() {
		if name == primary.Name() {
			continue
		}
		prov, ok := h.registry.Get(name)
		if !ok {
			continue
		}
		for _, m := range prov.Models() {
			if m == model {
				targets = append(targets, failover.Target{Name: name, EstimatedTokens: estimatedTokens})
				break
			}
		}
	}
	return targets, nil
}

func chatRequestTokens(req *provider.ChatRequest) map[string]struct{} {
	msgs := make([]cache.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		text, _ := m.Content.(string)
		msgs = append(msgs, cache.Message{Role: m.Role, Content: text})
	}
	return cache.TokensFor(msgs)
}

func chatFingerprint(req *provider.ChatRequest) cache.Fingerprint {
	msgs := make([]cache.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		text, _ := m.Content.(string)
		msgs = append(msgs, cache.Message{Role: m.Role, Content: text})
	}
	toolNames := make([]string, 0, len(req.Tools))
	for _, t := range req.Tools {
		toolNames = append(toolNames, t.Function.Name)
	}
	temp := 0.0
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	topP := 0.0
	if req.TopP != nil {
		topP = *req.TopP
	}
	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	return cache.Compute(cache.Request{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: temp,
		TopP:        topP,
		MaxTokens:   maxTokens,
		Tools:       toolNames,
	})
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get("X-Request-ID")

	// Parse request body
	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body: "+err.Error())
		return
	}

	// Validate required fields
	if req.Model == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Model field is required")
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Messages field is required and must not be empty")
		return
	}

	// Validate tool definitions if present (T017).
	if len(req.Tools) > 0 {
		if err := provider.ValidateToolDefinitions(req.Tools); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_tools", err.Error())
			return
		}
	}

	// Check for dry-run mode
	if r.Header.Get("X-Alfred-DryRun") == "true" {
		h.handleDryRun(w, &req)
		return
	}

	// Streaming bypasses cache/failover: an SSE body can't be replayed from a
	// cache entry or retried mid-stream, so it goes straight to the primary
	// provider the way the dry-run and legacy paths always did.
	if req.Stream {
		prov, err := h.registry.GetForModel(req.Model)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "provider_not_found", err.Error())
			return
		}
		h.logger.Info().
			Str("req_id", reqID).
			Str("model", req.Model).
			Str("provider", prov.Name()).
			Bool("stream", true).
			Int("messages", len(req.Messages)).
			Msg("proxying chat completion")
		h.handleStreamingChat(w, r, prov, &req, start)
		return
	}

	h.handleNonStreamingChat(w, r, &req, start, reqID)
}

// handleNonStreamingChat runs the request through the Failover Controller:
// cache lookup, credential acquisition, connection pooling, circuit breaker,
// and smart retry, advancing across providers on exhaustion (§4.8).
func (h *ProxyHandler) handleNonStreamingChat(w http.ResponseWriter, r *http.Request, req *provider.ChatRequest, start time.Time, reqID string) {
	estimatedTokens := 0
	for _, m := range req.Messages {
		if text, ok := m.Content.(string); ok {
			estimatedTokens += len(text) / 4
		}
	}

	targets, err := h.targetsForModel(req.Model, estimatedTokens)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "provider_not_found", err.Error())
		return
	}

	sessionID := r.Header.Get("X-Alfred-Session-ID")

	freq := failover.Request[*provider.ChatResponse]{
		Fingerprint:   chatFingerprint(req),
		Model:         req.Model,
		MessageTokens: chatRequestTokens(req),
		SessionID:     sessionID,
		Targets:       targets,
		Call:          h.chatCall(req),
		Encode:        func(v *provider.ChatResponse) ([]byte, error) { return json.Marshal(v) },
		Decode: func(b []byte) (*provider.ChatResponse, error) {
			var v provider.ChatResponse
			err := json.Unmarshal(b, &v)
			return &v, err
		},
	}

	resp, err := failover.Execute(r.Context(), h.container.Failover, freq)
	if err != nil {
		h.logger.Error().Err(err).Str("model", req.Model).Msg("failover exhausted")
		h.writeError(w, http.StatusBadGateway, "provider_error", "Upstream provider error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Alfred-Model", resp.Target+"/"+req.Model)
	w.Header().Set("X-Alfred-Latency-Ms", fmt.Sprintf("%d", time.Since(start).Milliseconds()))
	if resp.CacheHit {
		w.Header().Set("X-Alfred-Cache", resp.FromCache)
	}

	if err := json.NewEncoder(w).Encode(resp.Value); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}

	h.logger.Info().
		Str("req_id", reqID).
		Str("target", resp.Target).
		Str("model", req.Model).
		Bool("cache_hit", resp.CacheHit).
		Bool("failover", resp.Failover).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("chat completion success")
}

// chatCall adapts the registry's Provider.ChatCompletion into the generic
// Call the Failover Controller retries/fails over with.
func (h *ProxyHandler) chatCall(req *provider.ChatRequest) failover.Call[*provider.ChatResponse] {
	return func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[*provider.ChatResponse] {
		prov, ok := h.registry.Get(target)
		if !ok {
			return retry.Fail[*provider.ChatResponse](&retry.CallError{Kind: retry.KindConfig, Retryable: false})
		}
		resp, err := prov.ChatCompletion(ctx, req)
		if err != nil {
			return retry.Fail[*provider.ChatResponse](classifyProviderError(err))
		}
		return retry.Ok(resp)
	}
}

// handleStreamingChat handles SSE streaming chat completions (T015).
func (h *ProxyHandler) handleStreamingChat(w http.ResponseWriter, r *http.Request, prov provider.Provider, req *provider.ChatRequest, start time.Time) {
	// Ensure the response writer supports flushing
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported by server")
		return
	}

	stream, err := prov.ChatCompletionStream(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("provider", prov.Name()).Str("model", req.Model).Msg("stream error")
		h.writeError(w, http.StatusBadGateway, "provider_error", "Upstream provider streaming error: "+err.Error())
		return
	}
	defer stream.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Alfred-Model", prov.Name()+"/"+req.Model)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Stream chunks to client
	for {
		chunk, err := stream.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			h.logger.Error().Err(err).Msg("stream read error")
			break
		}

		// Write chunk and flush immediately
		if _, writeErr := w.Write(chunk); writeErr != nil {
			h.logger.Debug().Err(writeErr).Msg("client disconnected during stream")
			break
		}
		flusher.Flush()
	}

	h.logger.Info().
		Str("provider", prov.Name()).
		Str("model", req.Model).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("stream completion finished")
}

// Embeddings handles POST /v1/embeddings (T016).
func (h *ProxyHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req provider.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body: "+err.Error())
		return
	}

	if req.Model == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Model field is required")
		return
	}

	inputs := embeddingsInputStrings(req.Input)
	estimatedTokens := 0
	for _, in := range inputs {
		estimatedTokens += len(in) / 4
	}
	targets, err := h.targetsForModel(req.Model, estimatedTokens)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "provider_not_found", err.Error())
		return
	}

	freq := failover.Request[*provider.EmbeddingsResponse]{
		Fingerprint: cache.Compute(cache.Request{Model: req.Model, Messages: embeddingsAsMessages(inputs)}),
		Model:       req.Model,
		SessionID:   r.Header.Get("X-Alfred-Session-ID"),
		Targets:     targets,
		Call: func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[*provider.EmbeddingsResponse] {
			prov, ok := h.registry.Get(target)
			if !ok {
				return retry.Fail[*provider.EmbeddingsResponse](&retry.CallError{Kind: retry.KindConfig, Retryable: false})
			}
			resp, err := prov.Embeddings(ctx, &req)
			if err != nil {
				return retry.Fail[*provider.EmbeddingsResponse](classifyProviderError(err))
			}
			return retry.Ok(resp)
		},
		Encode: func(v *provider.EmbeddingsResponse) ([]byte, error) { return json.Marshal(v) },
		Decode: func(b []byte) (*provider.EmbeddingsResponse, error) {
			var v provider.EmbeddingsResponse
			err := json.Unmarshal(b, &v)
			return &v, err
		},
	}

	resp, err := failover.Execute(r.Context(), h.container.Failover, freq)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "provider_error", "Upstream provider error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Alfred-Model", resp.Target+"/"+req.Model)
	w.Header().Set("X-Alfred-Latency-Ms", fmt.Sprintf("%d", time.Since(start).Milliseconds()))

	if err := json.NewEncoder(w).Encode(resp.Value); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// embeddingsInputStrings normalizes an EmbeddingsRequest's Input, which the
// OpenAI-style wire format allows as either a single string or a list.
func embeddingsInputStrings(input interface{}) []string {
	switch v := input.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// embeddingsAsMessages adapts an embeddings request's input strings into
// cache.Message values so fingerprinting can reuse the same code path as chat.
func embeddingsAsMessages(input []string) []cache.Message {
	msgs := make([]cache.Message, 0, len(input))
	for _, in := range input {
		msgs = append(msgs, cache.Message{Role: "input", Content: in})
	}
	return msgs
}

// classifyProviderError maps an opaque provider error into the retry
// taxonomy. Providers don't yet surface structured errors, so this defaults
// to a retryable transient-network failure — the common case for upstream
// HTTP clients — rather than guessing at a non-retryable classification.
func classifyProviderError(err error) *retry.CallError {
	return &retry.CallError{Kind: retry.KindTransientNetwork, Retryable: true, Cause: err}
}

// handleDryRun estimates cost without calling the provider (T024).
func (h *ProxyHandler) handleDryRun(w http.ResponseWriter, req *provider.ChatRequest) {
	providerName := provider.DetectProvider(req.Model)

	// Rough token estimation: ~4 chars per token for English
	promptTokens := 0
	for _, msg := range req.Messages {
		if content, ok := msg.Content.(string); ok {
			promptTokens += len(content) / 4
		}
	}

	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	resp := map[string]interface{}{
		"dry_run": true,
		"model":   req.Model,
		"provider": providerName,
		"estimated_tokens": map[string]int{
			"prompt_tokens":     promptTokens,
			"max_completion":    maxTokens,
			"total_estimated":   promptTokens + maxTokens,
		},
		"message": "Dry run complete. No provider was called.",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Models handles GET /v1/models.
func (h *ProxyHandler) Models(w http.ResponseWriter, r *http.Request) {
	providers := h.registry.List()
	models := make([]map[string]interface{}, 0)

	for _, name := range providers {
		prov, ok := h.registry.Get(name)
		if !ok {
			continue
		}
		for _, model := range prov.Models() {
			models = append(models, map[string]interface{}{
				"id":       model,
				"object":   "model",
				"provider": name,
				"owned_by": name,
			})
		}
	}

	resp := map[string]interface{}{
		"object": "list",
		"data":   models,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ProviderHealth handles GET /v1/providers/health.
func (h *ProxyHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	health := h.registry.HealthCheckAll(r.Context())

	resp := make(map[string]interface{})
	for name, status := range health {
		resp[name] = map[string]interface{}{
			"healthy":    status.Healthy,
			"latency_ms": status.Latency.Milliseconds(),
			"last_check": status.LastCheck.Format(time.RFC3339),
			"error":      status.Error,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *ProxyHandler) writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	})
}

// GetAPIKeyFromRequest extracts the API key from the request context.
func GetAPIKeyFromRequest(r *http.Request) string {
	apiKey := middleware.GetAPIKey(r.Context())
	if apiKey != "" {
		return apiKey
	}
	// Fallback: read from Authorization header directly
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return auth[7:]
	}
	return auth
}
