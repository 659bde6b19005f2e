// Package ollama implements the LLM adapter contract against a real
// Ollama chat API, modeled on the teacher's internal/llm/ollama.go: NDJSON
// streaming decode, httpkit-backed client, ctx-aware cancellation. This is
// the one adapter that talks to a real backend — everything else in the
// orchestrator is adapter-contract-only, per §4.G.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jtholman/voxcore/internal/adapters"
	"github.com/jtholman/voxcore/internal/httpkit"
)

// Adapter is an LLM adapter backed by the Ollama /api/chat endpoint.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Ollama-backed LLM adapter. baseURL defaults to
// http://localhost:11434 when empty.
func New(baseURL string, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute

	return &Adapter{
		baseURL: baseURL,
		logger:  logger.With("adapter", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithTransport(t),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		cancels: make(map[string]context.CancelFunc),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// wireChunk is a single NDJSON line from the streaming /api/chat response.
type wireChunk struct {
	Message   chatMessage `json:"message"`
	Done      bool        `json:"done"`
	EvalCount int         `json:"eval_count"`
}

// Healthcheck reports whether Ollama is reachable via /api/tags.
func (a *Adapter) Healthcheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	return resp.StatusCode == http.StatusOK
}

// Generate streams a chat completion from Ollama. The returned chunk
// channel is closed when the stream ends, is cancelled via Cancel, or ctx
// is done; the result function reports the final token count once
// chunks has been fully drained.
func (a *Adapter) Generate(ctx context.Context, req adapters.GenerateRequest) (<-chan string, func() adapters.GenerateResult, error) {
	genCtx, cancel := context.WithCancel(ctx)
	a.registerCancel(req.SessionID, cancel)

	messages := make([]chatMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{Model: req.Model, Messages: messages, Stream: true})
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(genCtx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		cancel()
		return nil, nil, fmt.Errorf("ollama: API error %d: %s", resp.StatusCode, errBody)
	}

	out := make(chan string)
	tokens := 0

	go func() {
		defer close(out)
		defer resp.Body.Close()
		defer a.unregisterCancel(req.SessionID)
		defer cancel()

		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk wireChunk
			if err := decoder.Decode(&chunk); err != nil {
				if err != io.EOF {
					a.logger.Warn("ollama: stream decode error", "error", err)
				}
				return
			}
			if chunk.Message.Content != "" {
				select {
				case out <- chunk.Message.Content:
				case <-genCtx.Done():
					return
				}
			}
			if chunk.Done {
				tokens = chunk.EvalCount
				return
			}
		}
	}()

	result := func() adapters.GenerateResult {
		return adapters.GenerateResult{Tokens: tokens, Backend: req.Backend, Profile: req.Profile}
	}
	return out, result, nil
}

// Cancel terminates the in-flight Generate call for sessionID, if any.
func (a *Adapter) Cancel(sessionID string) {
	a.mu.Lock()
	cancel, ok := a.cancels[sessionID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *Adapter) registerCancel(sessionID string, cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels[sessionID] = cancel
}

func (a *Adapter) unregisterCancel(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cancels, sessionID)
}
