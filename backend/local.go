package backend

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chhz0/inferq/types"
)

// LocalRuntime talks to a single locally reachable model server with an
// Ollama-style API. It has no batching of its own, so Execute calls it once
// per item, in order.
type LocalRuntime struct {
	http   httpClient
	model  string
	logger *zap.Logger
}

type LocalConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

func NewLocalRuntime(cfg LocalConfig, logger *zap.Logger) *LocalRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalRuntime{
		http:   newHTTPClient(cfg.BaseURL, cfg.Timeout),
		model:  cfg.Model,
		logger: logger.With(zap.String("backend", string(types.BackendLocal))),
	}
}

func (r *LocalRuntime) Variant() types.BackendVariant { return types.BackendLocal }

type ollamaGenerateRequest struct {
	Model    string         `json:"model"`
	Prompt   string         `json:"prompt,omitempty"`
	Messages []Message      `json:"messages,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string  `json:"model"`
	Response        string  `json:"response"`
	Message         Message `json:"message"`
	DoneReason      string  `json:"done_reason"`
	TotalDuration   int64   `json:"total_duration"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error"`
}

func (r *LocalRuntime) Execute(ctx context.Context, payloads [][]byte) ([]Outcome, error) {
	outcomes := make([]Outcome, len(payloads))
	for i, payload := range payloads {
		if err := ctx.Err(); err != nil {
			return nil, classifyTransport(ctx, err)
		}
		outcomes[i] = r.executeOne(ctx, payload)
		// an unreachable server will not answer the rest either
		if i == 0 && outcomes[i].Err != nil && types.KindOf(outcomes[i].Err) != types.KindBackendItem {
			return nil, outcomes[i].Err
		}
	}
	return collapse(outcomes)
}

func (r *LocalRuntime) executeOne(ctx context.Context, payload []byte) Outcome {
	req, err := ParseRequest(payload)
	if err != nil {
		return Outcome{Err: ItemError("invalid payload", err)}
	}

	body := ollamaGenerateRequest{Model: r.model, Stream: false, Options: req.Options}
	path := "/api/generate"
	if req.IsChat() {
		body.Messages = req.Messages
		path = "/api/chat"
	} else {
		body.Prompt = req.Prompt
	}

	start := time.Now()
	var resp ollamaResponse
	if err := r.http.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		r.logger.Debug("local inference failed", zap.String("path", path), zap.Error(err))
		return Outcome{Err: err}
	}
	if resp.Error != "" {
		return Outcome{Err: ItemError(resp.Error, nil)}
	}

	output := resp.Response
	if req.IsChat() {
		output = resp.Message.Content
	}
	result, err := encodeResult(types.BackendLocal, Result{
		Output:       output,
		Model:        resp.Model,
		FinishReason: resp.DoneReason,
		Usage: map[string]any{
			"prompt_tokens":     resp.PromptEvalCount,
			"completion_tokens": resp.EvalCount,
		},
	}, time.Since(start))
	if err != nil {
		return Outcome{Err: ItemError("encode result", err)}
	}
	return Outcome{Result: result}
}

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (r *LocalRuntime) HealthCheck(ctx context.Context) error {
	return r.http.do(ctx, http.MethodGet, "/api/tags", nil, nil)
}

func (r *LocalRuntime) ListCapabilities(ctx context.Context) ([]string, error) {
	var tags ollamaTags
	if err := r.http.do(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (r *LocalRuntime) Close() error {
	r.http.client.CloseIdleConnections()
	return nil
}
