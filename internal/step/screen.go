package step

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/refsift/refsift/internal/model"
	"github.com/refsift/refsift/internal/resilience"
	"github.com/refsift/refsift/internal/rules"
	"github.com/refsift/refsift/pkg/llm"
)

// Screening output modes. In "ai" mode downstream steps read the model's
// verdicts directly; in "human" mode they read the review-adjusted verdicts.
const (
	OutputModeAI    = "ai"
	OutputModeHuman = "human"
)

// Screening change reasons.
const (
	ReasonAIInclude   = "ai_include"
	ReasonAIExclude   = "ai_exclude"
	ReasonAIUncertain = "ai_uncertain"
	ReasonScreenError = "screen_error"
)

// ClassifierFactory builds the classifier for one screening run from its
// validated config (provider, model, local_base_url).
type ClassifierFactory func(cfg Config) (llm.Classifier, error)

// AIScreeningHandler classifies entries against a rules document with an LLM
// and splits them by verdict. A failed classification never fails the run:
// the entry is routed to the uncertain output with the error recorded.
type AIScreeningHandler struct {
	rules         *rules.Library
	newClassifier ClassifierFactory
	retry         resilience.RetryConfig
}

// NewAIScreeningHandler creates the handler. The factory is invoked once per
// run with the run's validated config.
func NewAIScreeningHandler(lib *rules.Library, factory ClassifierFactory) *AIScreeningHandler {
	return &AIScreeningHandler{
		rules:         lib,
		newClassifier: factory,
		retry:         resilience.DefaultRetryConfig(),
	}
}

func (h *AIScreeningHandler) Type() string { return "ai-screening" }

func (h *AIScreeningHandler) Name() string { return "AI Screening" }

func (h *AIScreeningHandler) Description() string {
	return "Screens entries against a rules document using a language model and splits them into include, exclude, and uncertain."
}

func (h *AIScreeningHandler) Outputs() []OutputDefinition {
	return []OutputDefinition{
		{Name: "passed", Description: "Entries the screening decided to include", Required: true},
		{Name: "excluded", Description: "Entries the screening decided to exclude"},
		{Name: "uncertain", Description: "Entries needing human review"},
	}
}

func (h *AIScreeningHandler) ConfigSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"rules": {
				Type:        TypeString,
				Description: "ID of the rules document to screen against",
			},
			"provider": {
				Type:        TypeString,
				Default:     "local",
				Enum:        []string{"local", "anthropic"},
				Description: "LLM provider",
			},
			"model": {
				Type:        TypeString,
				Default:     "",
				Description: "Model name; empty uses the provider default",
			},
			"local_base_url": {
				Type:        TypeString,
				Default:     "",
				Description: "Base URL of the local OpenAI-compatible server",
			},
			"concurrency": {
				Type:        TypeInt,
				Default:     4,
				Minimum:     ptr(1),
				Maximum:     ptr(32),
				Description: "Entries screened in parallel",
			},
			"max_retries": {
				Type:        TypeInt,
				Default:     3,
				Minimum:     ptr(0),
				Maximum:     ptr(10),
				Description: "Retries per entry on transient provider errors",
			},
			"output_mode": {
				Type:        TypeString,
				Default:     OutputModeAI,
				Enum:        []string{OutputModeAI, OutputModeHuman},
				Description: "Whether downstream steps read AI verdicts or review-adjusted verdicts",
			},
		},
		Required: []string{"rules"},
	}
}

// screenResult holds the per-entry outcome before assembly in input order.
type screenResult struct {
	decision *model.Decision
	err      string
}

func (h *AIScreeningHandler) Run(ctx context.Context, entries []model.Entry, cfg Config, _ *Context) (*Result, error) {
	doc, err := h.rules.Get(cfg.String("rules"))
	if err != nil {
		return nil, eris.Wrap(err, "step: ai-screening")
	}

	classifier, err := h.newClassifier(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "step: ai-screening: build classifier")
	}

	retryCfg := h.retry
	retryCfg.MaxAttempts = cfg.Int("max_retries") + 1
	retryCfg.OnRetry = resilience.RetryLogger(cfg.String("provider"), "classify")

	results := make([]screenResult, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Int("concurrency"))
	for i, entry := range entries {
		g.Go(func() error {
			if strings.TrimSpace(entry.Abstract) == "" {
				results[i] = screenResult{decision: &model.Decision{
					Verdict:   model.DecisionUncertain,
					Reasoning: "no abstract available",
				}}
				return nil
			}

			dec, err := resilience.DoVal(gctx, retryCfg, func(ctx context.Context) (*model.Decision, error) {
				return classifier.Classify(ctx, entry, *doc)
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				results[i] = screenResult{
					decision: &model.Decision{
						Verdict:   model.DecisionUncertain,
						Reasoning: "screening failed",
					},
					err: err.Error(),
				}
				return nil
			}
			results[i] = screenResult{decision: dec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "step: ai-screening")
	}

	res := &Result{
		Outputs: map[string][]model.Entry{
			"passed":    {},
			"excluded":  {},
			"uncertain": {},
		},
		Changes: make([]model.ChangeRecord, 0, len(entries)),
	}

	var tokensUsed, latencyMS int64
	var included, excluded, uncertain, errored int
	modelName := ""

	for i, entry := range entries {
		r := results[i]
		tokensUsed += r.decision.TokensUsed
		latencyMS += r.decision.LatencyMS
		if modelName == "" && r.decision.Model != "" {
			modelName = r.decision.Model
		}

		change := model.ChangeRecord{
			Key:     entry.ID,
			Details: map[string]any{"decision": r.decision},
		}

		switch {
		case r.err != "":
			errored++
			uncertain++
			change.Action = model.ActionModify
			change.Reason = ReasonScreenError
			change.Details["error"] = r.err
			res.Outputs["uncertain"] = append(res.Outputs["uncertain"], entry)
		case r.decision.Verdict == model.DecisionInclude:
			included++
			change.Action = model.ActionKeep
			change.Reason = ReasonAIInclude
			res.Outputs["passed"] = append(res.Outputs["passed"], entry)
		case r.decision.Verdict == model.DecisionExclude:
			excluded++
			change.Action = model.ActionRemove
			change.Reason = ReasonAIExclude
			res.Outputs["excluded"] = append(res.Outputs["excluded"], entry)
		default:
			uncertain++
			change.Action = model.ActionModify
			change.Reason = ReasonAIUncertain
			res.Outputs["uncertain"] = append(res.Outputs["uncertain"], entry)
		}

		res.Changes = append(res.Changes, change)
	}

	res.Details = map[string]any{
		"rules":         doc.ID,
		"rules_version": doc.Version,
		"provider":      cfg.String("provider"),
		"model":         modelName,
		"output_mode":   cfg.String("output_mode"),
		"included":      included,
		"excluded":      excluded,
		"uncertain":     uncertain,
		"errors":        errored,
		"tokens_used":   tokensUsed,
		"latency_ms":    latencyMS,
	}
	return res, nil
}

// DefaultClassifierFactory wires the two shipped providers. anthropicKey may
// be empty when only the local provider is used.
func DefaultClassifierFactory(anthropicKey, localBaseURL string) ClassifierFactory {
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	return func(cfg Config) (llm.Classifier, error) {
		switch cfg.String("provider") {
		case "anthropic":
			if anthropicKey == "" {
				return nil, eris.New("step: ai-screening: anthropic api key not configured")
			}
			return llm.NewAnthropicClassifier(anthropicKey,
				llm.WithAnthropicModel(cfg.String("model")),
				llm.WithAnthropicBreaker(breaker),
			), nil
		case "local":
			base := cfg.String("local_base_url")
			if base == "" {
				base = localBaseURL
			}
			return llm.NewLocalClassifier(
				llm.WithLocalBaseURL(base),
				llm.WithLocalModel(cfg.String("model")),
			), nil
		default:
			return nil, eris.New(fmt.Sprintf("step: ai-screening: unknown provider %q", cfg.String("provider")))
		}
	}
}
