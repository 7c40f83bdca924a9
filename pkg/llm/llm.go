// Package llm screens literature entries against a rules document using a
// language model. Two providers are supported: the Anthropic API and any
// local OpenAI-compatible server (Ollama, vLLM, llama.cpp).
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/refsift/refsift/internal/model"
	"github.com/refsift/refsift/internal/rules"
)

// Classifier decides whether one entry passes the screening rules.
type Classifier interface {
	// Classify returns the model's decision for a single entry. The returned
	// Decision always carries the provider model name, token usage, and call
	// latency.
	Classify(ctx context.Context, entry model.Entry, doc rules.Document) (*model.Decision, error)
}

const systemPrompt = `You are screening academic literature for a systematic review. ` +
	`Apply the screening rules exactly as written. Respond with a single JSON object and nothing else:

{"decision": "include" | "exclude" | "uncertain", "confidence": <number 0.0-1.0>, "reason": "<one or two sentences>", "reason_codes": [{"code": "<code>", "evidence": "<the phrase from the entry that triggered the rule>"}, ...]}

Use "uncertain" when the abstract does not give enough evidence to apply a rule. ` +
	`Cite only reason codes declared by the rules document, each with the entry text that supports it.`

// buildPrompt renders the user message for one entry.
func buildPrompt(entry model.Entry, doc rules.Document) string {
	var b strings.Builder

	b.WriteString("## Screening rules")
	if doc.Version != "" {
		fmt.Fprintf(&b, " (%s, version %s)", doc.ID, doc.Version)
	}
	b.WriteString("\n\n")
	b.WriteString(doc.Content)

	if len(doc.ReasonCodes) > 0 {
		b.WriteString("\n\n## Allowed reason codes\n\n")
		for _, c := range doc.ReasonCodes {
			fmt.Fprintf(&b, "- %s (%s): %s\n", c.Code, c.Kind, c.Description)
		}
	}

	b.WriteString("\n## Entry\n\n")
	fmt.Fprintf(&b, "Title: %s\n", entry.Title)
	if entry.Authors != "" {
		fmt.Fprintf(&b, "Authors: %s\n", entry.Authors)
	}
	if entry.Year != "" {
		fmt.Fprintf(&b, "Year: %s\n", entry.Year)
	}
	if venue := entry.Field("journal"); venue != "" {
		fmt.Fprintf(&b, "Venue: %s\n", venue)
	} else if venue := entry.Field("booktitle"); venue != "" {
		fmt.Fprintf(&b, "Venue: %s\n", venue)
	}
	fmt.Fprintf(&b, "\nAbstract:\n%s\n", entry.Abstract)

	return b.String()
}

// rawDecision mirrors the JSON object the model is instructed to emit.
type rawDecision struct {
	Decision    string    `json:"decision"`
	Confidence  float64   `json:"confidence"`
	Reason      string    `json:"reason"`
	ReasonCodes []rawCode `json:"reason_codes"`
}

// rawCode is one cited reason code. Models are asked for the object form but
// sometimes emit bare code strings; both decode.
type rawCode struct {
	Code     string `json:"code"`
	Evidence string `json:"evidence"`
}

func (c *rawCode) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Code)
	}
	type plain rawCode
	return json.Unmarshal(data, (*plain)(c))
}

// parseDecision extracts and validates the decision JSON from model output.
// Confidence is clamped to [0, 1]; an unknown verdict or a cited reason code
// the document does not declare downgrades the decision to uncertain.
func parseDecision(text string, doc rules.Document) (*model.Decision, error) {
	payload := extractJSON(text)
	if payload == "" {
		return nil, eris.Errorf("llm: no JSON object in model output: %.120s", text)
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, eris.Wrap(err, "llm: parse decision")
	}

	dec := &model.Decision{
		Verdict:    strings.ToLower(strings.TrimSpace(raw.Decision)),
		Confidence: raw.Confidence,
		Reasoning:  strings.TrimSpace(raw.Reason),
	}

	switch dec.Verdict {
	case model.DecisionInclude, model.DecisionExclude, model.DecisionUncertain:
	default:
		dec.Verdict = model.DecisionUncertain
		dec.Confidence = 0
		if dec.Reasoning == "" {
			dec.Reasoning = fmt.Sprintf("model returned unrecognized decision %q", raw.Decision)
		}
	}

	if dec.Confidence < 0 {
		dec.Confidence = 0
	}
	if dec.Confidence > 1 {
		dec.Confidence = 1
	}

	for _, rc := range raw.ReasonCodes {
		code := strings.TrimSpace(rc.Code)
		if code == "" {
			continue
		}
		if !doc.KnownCode(code) {
			dec.Verdict = model.DecisionUncertain
			dec.Reasoning = fmt.Sprintf("model cited undeclared reason code %q; %s", code, dec.Reasoning)
			continue
		}
		dec.ReasonCodes = append(dec.ReasonCodes, model.ReasonCode{
			Code:     code,
			Evidence: strings.TrimSpace(rc.Evidence),
		})
	}

	return dec, nil
}

// extractJSON returns the outermost JSON object in text, tolerating markdown
// code fences and surrounding prose.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
