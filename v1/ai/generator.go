package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/lock"
	"github.com/solveshq/solves/v1/metrics"
	"github.com/solveshq/solves/v1/pricing"
	"github.com/solveshq/solves/v1/validator"
	"github.com/solveshq/solves/v1/workbook"
)

const (
	MinCount     = 1
	MaxCount     = 20
	toolName     = "create_blocks"
	generateTTL  = 2 * time.Minute
	defaultModel = "gpt-4o-mini"
)

// GenerateRequest asks for blocks about a topic.
type GenerateRequest struct {
	Topic      string   `json:"topic" validate:"required,max=200"`
	Count      int      `json:"count"`
	Types      []string `json:"types"`
	Difficulty string   `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
}

// Result holds the generated blocks that passed validation.
type Result struct {
	Model      string                `json:"model"`
	Blocks     []workbook.BlockInput `json:"blocks"`
	Rejected   int                   `json:"rejected"`
	Usage      pricing.Usage         `json:"usage"`
	CostMicros int64                 `json:"costMicros"`
}

// Options configures a Generator.
type Options struct {
	Model   string
	Metrics *metrics.AIMetrics
	Logger  *slog.Logger
}

// Generator turns a topic into workbook blocks.
type Generator struct {
	client  Client
	prices  *pricing.Service
	locks   *lock.DistributedLock
	model   string
	metrics *metrics.AIMetrics
	log     *slog.Logger
}

// NewGenerator wires a Generator. prices may be nil, in which case no cost
// is recorded.
func NewGenerator(client Client, prices *pricing.Service, locks *lock.DistributedLock, opts Options) *Generator {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Generator{
		client:  client,
		prices:  prices,
		locks:   locks,
		model:   opts.Model,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
}

func lockKey(userID string) string { return "ai:" + userID }

// GenerateBlocks asks the model for blocks. One generation per user runs at
// a time; a second one fails with solveserrors.ErrLockHeld.
func (g *Generator) GenerateBlocks(ctx context.Context, userID string, req GenerateRequest) (*Result, error) {
	req.Topic = strings.TrimSpace(req.Topic)
	if err := validator.Struct(req); err != nil {
		return nil, err
	}
	req.Count = clampCount(req.Count)
	types, err := normalizeTypes(req.Types)
	if err != nil {
		return nil, err
	}
	req.Types = types

	var out *Result
	err = lock.WithLock(ctx, g.locks, lockKey(userID), generateTTL, func(ctx context.Context) error {
		res, err := g.generate(ctx, req)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Generator) generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	resp, err := g.client.Chat(ctx, Request{
		Model:       g.model,
		Messages:    prompt(req),
		Tools:       []Tool{blocksTool(req.Types)},
		ToolChoice:  map[string]any{"type": "function", "function": map[string]string{"name": toolName}},
		Temperature: 0.7,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, solveserrors.ErrTimeout
		}
		return nil, solveserrors.Internal("model request failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, solveserrors.Internal("model returned no choices", nil)
	}

	res := &Result{
		Model: g.model,
		Usage: pricing.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
	g.recordCost(ctx, res)

	raw, err := extractBlocks(resp.Choices[0].Message)
	if err != nil {
		return nil, solveserrors.Internal("model returned malformed blocks", err)
	}
	allowed := make(map[string]bool, len(req.Types))
	for _, t := range req.Types {
		allowed[t] = true
	}
	for i, b := range raw {
		if len(res.Blocks) == req.Count {
			break
		}
		if !allowed[b.Type] {
			res.Rejected++
			continue
		}
		if err := workbook.ValidateBlock(b); err != nil {
			g.log.DebugContext(ctx, "dropping generated block", "index", i, "type", b.Type, "error", err)
			res.Rejected++
			continue
		}
		res.Blocks = append(res.Blocks, b)
	}
	if len(res.Blocks) == 0 {
		return nil, solveserrors.Internal("model returned no valid blocks", nil)
	}
	g.log.InfoContext(ctx, "generated blocks",
		"model", g.model, "blocks", len(res.Blocks), "rejected", res.Rejected,
		"input_tokens", res.Usage.InputTokens, "output_tokens", res.Usage.OutputTokens,
		"cost_micros", res.CostMicros)
	return res, nil
}

func (g *Generator) recordCost(ctx context.Context, res *Result) {
	if g.prices != nil {
		cost, err := g.prices.Cost(ctx, g.model, res.Usage)
		switch {
		case err == nil:
			res.CostMicros = cost
		case errors.Is(err, solveserrors.ErrNotFound):
			g.log.WarnContext(ctx, "no price configured for model", "model", g.model)
		default:
			g.log.WarnContext(ctx, "failed to compute model cost", "model", g.model, "error", err)
		}
	}
	g.metrics.Observe(g.model, res.Usage.InputTokens, res.Usage.OutputTokens, res.CostMicros)
}

func clampCount(n int) int {
	switch {
	case n < MinCount:
		return MinCount
	case n > MaxCount:
		return MaxCount
	}
	return n
}

func normalizeTypes(in []string) ([]string, error) {
	if len(in) == 0 {
		return append([]string(nil), workbook.Types...), nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if !workbook.IsType(t) {
			return nil, solveserrors.Invalid("types", "unknown block type "+t)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

func prompt(req GenerateRequest) []Message {
	system := "You write short practice exercises for learners. " +
		"Always answer by calling the " + toolName + " tool. " +
		"Indices in answers are zero based. Keep questions self contained."
	var user strings.Builder
	fmt.Fprintf(&user, "Create %d blocks about %q.", req.Count, req.Topic)
	fmt.Fprintf(&user, " Allowed block types: %s.", strings.Join(req.Types, ", "))
	if req.Difficulty != "" {
		fmt.Fprintf(&user, " Difficulty: %s.", req.Difficulty)
	}
	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user.String()},
	}
}

// blocksTool declares create_blocks with one schema variant per block type.
func blocksTool(types []string) Tool {
	str := map[string]any{"type": "string"}
	strList := map[string]any{"type": "array", "items": str}
	intList := map[string]any{"type": "array", "items": map[string]any{"type": "integer", "minimum": 0}}
	obj := func(props map[string]any, required ...string) map[string]any {
		return map[string]any{"type": "object", "properties": props, "required": required, "additionalProperties": false}
	}
	shapes := map[string][2]map[string]any{
		workbook.TypeMultipleChoice: {
			obj(map[string]any{"options": strList}, "options"),
			obj(map[string]any{"correct": intList}, "correct"),
		},
		workbook.TypeTrueFalse: {
			obj(map[string]any{}),
			obj(map[string]any{"value": map[string]any{"type": "boolean"}}, "value"),
		},
		workbook.TypeRanking: {
			obj(map[string]any{"items": strList}, "items"),
			obj(map[string]any{"order": intList}, "order"),
		},
		workbook.TypeMatching: {
			obj(map[string]any{"left": strList, "right": strList}, "left", "right"),
			obj(map[string]any{"matches": intList}, "matches"),
		},
		workbook.TypeFreeResponse: {
			obj(map[string]any{}),
			obj(map[string]any{"accepted": strList}, "accepted"),
		},
	}
	variants := make([]any, 0, len(types))
	for _, t := range types {
		s := shapes[t]
		variants = append(variants, obj(map[string]any{
			"type":        map[string]any{"type": "string", "const": t},
			"question":    str,
			"content":     s[0],
			"answer":      s[1],
			"explanation": str,
		}, "type", "question", "content", "answer"))
	}
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        toolName,
			Description: "Create workbook blocks. Each block has a type, a question, type specific content and an answer key.",
			Parameters: obj(map[string]any{
				"blocks": map[string]any{"type": "array", "items": map[string]any{"oneOf": variants}},
			}, "blocks"),
		},
	}
}

type blocksPayload struct {
	Blocks []workbook.BlockInput `json:"blocks"`
}

// extractBlocks reads the create_blocks call, falling back to JSON in the
// message content for models that ignore tool choice.
func extractBlocks(m Message) ([]workbook.BlockInput, error) {
	for _, call := range m.ToolCalls {
		if call.Function.Name != toolName {
			continue
		}
		var p blocksPayload
		if err := json.Unmarshal([]byte(call.Function.Arguments), &p); err != nil {
			return nil, fmt.Errorf("failed to decode tool arguments: %w", err)
		}
		return p.Blocks, nil
	}
	body := bytes.TrimSpace([]byte(stripFence(m.Content)))
	if len(body) == 0 {
		return nil, errors.New("empty completion")
	}
	if body[0] == '[' {
		var list []workbook.BlockInput
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("failed to decode content: %w", err)
		}
		return list, nil
	}
	var p blocksPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	return p.Blocks, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
