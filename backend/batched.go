package backend

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chhz0/inferq/types"
)

// BatchedRuntime talks to an OpenAI-compatible server that does continuous
// batching itself (vLLM). Completion-shaped items sharing the same options go
// out as one call with a prompt list; chat items have no batch endpoint and
// are sent as concurrent single calls.
type BatchedRuntime struct {
	http        httpClient
	model       string
	concurrency int
	logger      *zap.Logger
}

type BatchedConfig struct {
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Concurrency int
}

func NewBatchedRuntime(cfg BatchedConfig, logger *zap.Logger) *BatchedRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &BatchedRuntime{
		http:        newHTTPClient(cfg.BaseURL, cfg.Timeout),
		model:       cfg.Model,
		concurrency: cfg.Concurrency,
		logger:      logger.With(zap.String("backend", string(types.BackendBatched))),
	}
}

func (r *BatchedRuntime) Variant() types.BackendVariant { return types.BackendBatched }

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Text         string  `json:"text"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// withOptions flattens extra request fields next to the known ones, which is
// how OpenAI-style servers accept sampling parameters.
func withOptions(base map[string]any, opts map[string]any) map[string]any {
	for k, v := range opts {
		if _, taken := base[k]; !taken {
			base[k] = v
		}
	}
	return base
}

func (r *BatchedRuntime) Execute(ctx context.Context, payloads [][]byte) ([]Outcome, error) {
	outcomes := make([]Outcome, len(payloads))
	groups := make(map[string][]int)
	var order []string
	requests := make([]Request, len(payloads))
	var chats []int

	for i, payload := range payloads {
		req, err := ParseRequest(payload)
		if err != nil {
			outcomes[i] = Outcome{Err: ItemError("invalid payload", err)}
			continue
		}
		requests[i] = req
		if req.IsChat() {
			chats = append(chats, i)
			continue
		}
		key := req.optionsKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, key := range order {
		idx := groups[key]
		g.Go(func() error {
			r.completeGroup(gctx, requests, idx, outcomes)
			return nil
		})
	}
	for _, i := range chats {
		g.Go(func() error {
			outcomes[i] = r.chat(gctx, requests[i])
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, classifyTransport(ctx, err)
	}
	return collapse(outcomes)
}

func (r *BatchedRuntime) completeGroup(ctx context.Context, requests []Request, idx []int, outcomes []Outcome) {
	prompts := make([]string, len(idx))
	for j, i := range idx {
		prompts[j] = requests[i].Prompt
	}
	body := withOptions(map[string]any{"model": r.model, "prompt": prompts}, requests[idx[0]].Options)

	start := time.Now()
	var resp openAIResponse
	if err := r.http.do(ctx, http.MethodPost, "/v1/completions", body, &resp); err != nil {
		r.logger.Debug("batched completion failed", zap.Int("items", len(idx)), zap.Error(err))
		for _, i := range idx {
			outcomes[i] = Outcome{Err: err}
		}
		return
	}
	took := time.Since(start)

	seen := make([]bool, len(idx))
	for _, choice := range resp.Choices {
		if choice.Index < 0 || choice.Index >= len(idx) || seen[choice.Index] {
			continue
		}
		seen[choice.Index] = true
		result, err := encodeResult(types.BackendBatched, Result{
			Output:       choice.Text,
			Model:        resp.Model,
			FinishReason: choice.FinishReason,
		}, took)
		if err != nil {
			outcomes[idx[choice.Index]] = Outcome{Err: ItemError("encode result", err)}
			continue
		}
		outcomes[idx[choice.Index]] = Outcome{Result: result}
	}
	for j, ok := range seen {
		if !ok {
			outcomes[idx[j]] = Outcome{Err: ItemError("no choice returned for prompt", nil)}
		}
	}
}

func (r *BatchedRuntime) chat(ctx context.Context, req Request) Outcome {
	body := withOptions(map[string]any{"model": r.model, "messages": req.Messages}, req.Options)

	start := time.Now()
	var resp openAIResponse
	if err := r.http.do(ctx, http.MethodPost, "/v1/chat/completions", body, &resp); err != nil {
		return Outcome{Err: err}
	}
	if len(resp.Choices) == 0 {
		return Outcome{Err: ItemError("empty choices", nil)}
	}
	result, err := encodeResult(types.BackendBatched, Result{
		Output:       resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: resp.Choices[0].FinishReason,
		Usage:        resp.Usage,
	}, time.Since(start))
	if err != nil {
		return Outcome{Err: ItemError("encode result", err)}
	}
	return Outcome{Result: result}
}

func (r *BatchedRuntime) HealthCheck(ctx context.Context) error {
	return r.http.do(ctx, http.MethodGet, "/health", nil, nil)
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (r *BatchedRuntime) ListCapabilities(ctx context.Context) ([]string, error) {
	var models modelList
	if err := r.http.do(ctx, http.MethodGet, "/v1/models", nil, &models); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (r *BatchedRuntime) Close() error {
	r.http.client.CloseIdleConnections()
	return nil
}
