package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chhz0/inferq/types"
)

// ClusterRuntime invokes a deployment exposed by a distributed serving layer
// (Ray Serve HTTP ingress). Each item is one remote call; calls run in
// parallel up to the configured concurrency.
type ClusterRuntime struct {
	http        httpClient
	route       string
	concurrency int
	logger      *zap.Logger
}

type ClusterConfig struct {
	BaseURL     string
	Route       string
	Timeout     time.Duration
	Concurrency int
}

func NewClusterRuntime(cfg ClusterConfig, logger *zap.Logger) *ClusterRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	route := "/" + strings.TrimLeft(cfg.Route, "/")
	return &ClusterRuntime{
		http:        newHTTPClient(cfg.BaseURL, cfg.Timeout),
		route:       route,
		concurrency: cfg.Concurrency,
		logger:      logger.With(zap.String("backend", string(types.BackendCluster))),
	}
}

func (r *ClusterRuntime) Variant() types.BackendVariant { return types.BackendCluster }

// clusterResponse accepts the shapes a deployment may answer with.
type clusterResponse struct {
	Output           json.RawMessage `json:"output"`
	Prediction       json.RawMessage `json:"prediction"`
	Model            string          `json:"model"`
	ModelVersion     string          `json:"model_version"`
	Status           string          `json:"status"`
	Error            string          `json:"error"`
	ProcessingTimeMS float64         `json:"processing_time_ms"`
}

func (r *ClusterRuntime) Execute(ctx context.Context, payloads [][]byte) ([]Outcome, error) {
	outcomes := make([]Outcome, len(payloads))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, payload := range payloads {
		g.Go(func() error {
			outcomes[i] = r.executeOne(gctx, payload)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, classifyTransport(ctx, err)
	}
	return collapse(outcomes)
}

func (r *ClusterRuntime) executeOne(ctx context.Context, payload []byte) Outcome {
	req, err := ParseRequest(payload)
	if err != nil {
		return Outcome{Err: ItemError("invalid payload", err)}
	}
	body := map[string]any{}
	if req.IsChat() {
		body["messages"] = req.Messages
	} else {
		body["prompt"] = req.Prompt
	}
	body = withOptions(body, req.Options)

	start := time.Now()
	var resp clusterResponse
	if err := r.http.do(ctx, http.MethodPost, r.route, body, &resp); err != nil {
		r.logger.Debug("cluster call failed", zap.String("route", r.route), zap.Error(err))
		return Outcome{Err: err}
	}
	if resp.Status == "failed" || resp.Error != "" {
		msg := resp.Error
		if msg == "" {
			msg = "deployment reported failure"
		}
		return Outcome{Err: ItemError(msg, nil)}
	}

	out := resp.Output
	if len(out) == 0 {
		out = resp.Prediction
	}
	model := resp.Model
	if model == "" {
		model = resp.ModelVersion
	}
	result, err := encodeResult(types.BackendCluster, Result{
		Output: rawText(out),
		Model:  model,
	}, time.Since(start))
	if err != nil {
		return Outcome{Err: ItemError("encode result", err)}
	}
	return Outcome{Result: result}
}

// rawText unquotes JSON strings and keeps other JSON values as text.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (r *ClusterRuntime) HealthCheck(ctx context.Context) error {
	return r.http.do(ctx, http.MethodGet, "/-/healthz", nil, nil)
}

// ListCapabilities returns the routes the serving layer exposes.
func (r *ClusterRuntime) ListCapabilities(ctx context.Context) ([]string, error) {
	var routes map[string]string
	if err := r.http.do(ctx, http.MethodGet, "/-/routes", nil, &routes); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(routes))
	for route, app := range routes {
		out = append(out, app+"@"+route)
	}
	sort.Strings(out)
	return out, nil
}

func (r *ClusterRuntime) Close() error {
	r.http.client.CloseIdleConnections()
	return nil
}
