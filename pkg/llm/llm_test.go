package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refsift/refsift/internal/model"
	"github.com/refsift/refsift/internal/rules"
)

var testRules = rules.Document{
	ID:      "deep-learning-security",
	Version: "2",
	Title:   "Deep Learning Security Screening",
	Content: "# Deep Learning Security Screening\n\nInclude studies applying deep learning to software vulnerability detection.",
	ReasonCodes: []rules.Code{
		{Code: "dl_vuln_detection", Kind: "include", Description: "applies deep learning to vulnerability detection"},
		{Code: "no_empirical_eval", Kind: "exclude", Description: "no empirical evaluation"},
	},
}

func TestBuildPrompt(t *testing.T) {
	entry := model.Entry{
		ID:       "smith2021",
		Title:    "Neural Bug Finding",
		Authors:  "Smith, Jane and Doe, John",
		Year:     "2021",
		Abstract: "We train a transformer to locate memory-safety bugs.",
		Fields:   map[string]string{"journal": "IEEE TSE"},
	}

	prompt := buildPrompt(entry, testRules)

	assert.Contains(t, prompt, "version 2")
	assert.Contains(t, prompt, "Include studies applying deep learning")
	assert.Contains(t, prompt, "dl_vuln_detection (include)")
	assert.Contains(t, prompt, "Title: Neural Bug Finding")
	assert.Contains(t, prompt, "Venue: IEEE TSE")
	assert.Contains(t, prompt, "We train a transformer")
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name           string
		text           string
		wantVerdict    string
		wantConfidence float64
		wantCodes      int
		wantErr        string
	}{
		{
			name:           "plain_json",
			text:           `{"decision": "include", "confidence": 0.92, "reason": "Uses a GNN for vulnerability detection.", "reason_codes": ["dl_vuln_detection"]}`,
			wantVerdict:    model.DecisionInclude,
			wantConfidence: 0.92,
			wantCodes:      1,
		},
		{
			name:           "object_codes",
			text:           `{"decision": "include", "confidence": 0.92, "reason": "ok", "reason_codes": [{"code": "dl_vuln_detection", "evidence": "trains a GNN on CVE-labelled functions"}]}`,
			wantVerdict:    model.DecisionInclude,
			wantConfidence: 0.92,
			wantCodes:      1,
		},
		{
			name:           "fenced_json",
			text:           "Here is my assessment:\n```json\n{\"decision\": \"exclude\", \"confidence\": 0.8, \"reason\": \"Survey paper.\", \"reason_codes\": [\"no_empirical_eval\"]}\n```",
			wantVerdict:    model.DecisionExclude,
			wantConfidence: 0.8,
			wantCodes:      1,
		},
		{
			name:           "confidence_clamped_high",
			text:           `{"decision": "include", "confidence": 1.7, "reason": "ok"}`,
			wantVerdict:    model.DecisionInclude,
			wantConfidence: 1.0,
		},
		{
			name:           "confidence_clamped_low",
			text:           `{"decision": "exclude", "confidence": -0.3, "reason": "ok"}`,
			wantVerdict:    model.DecisionExclude,
			wantConfidence: 0,
		},
		{
			name:           "unknown_verdict_downgrades",
			text:           `{"decision": "maybe", "confidence": 0.9, "reason": "hedging"}`,
			wantVerdict:    model.DecisionUncertain,
			wantConfidence: 0,
		},
		{
			name:           "undeclared_code_downgrades",
			text:           `{"decision": "include", "confidence": 0.9, "reason": "ok", "reason_codes": ["made_up_code"]}`,
			wantVerdict:    model.DecisionUncertain,
			wantConfidence: 0.9,
			wantCodes:      0,
		},
		{
			name:    "no_json",
			text:    "I cannot screen this entry.",
			wantErr: "no JSON object",
		},
		{
			name:    "malformed_json",
			text:    `{"decision": "include",`,
			wantErr: "no JSON object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := parseDecision(tt.text, testRules)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantVerdict, dec.Verdict)
			assert.InDelta(t, tt.wantConfidence, dec.Confidence, 0.001)
			assert.Len(t, dec.ReasonCodes, tt.wantCodes)
		})
	}
}

func TestParseDecision_EvidencePerCode(t *testing.T) {
	dec, err := parseDecision(
		`{"decision": "include", "confidence": 0.9, "reason": "ok", "reason_codes": [`+
			`{"code": "dl_vuln_detection", "evidence": "we fine-tune CodeBERT to flag CWE-787 sinks"}, `+
			`"no_empirical_eval"]}`, testRules)
	require.NoError(t, err)
	require.Len(t, dec.ReasonCodes, 2)

	assert.Equal(t, "dl_vuln_detection", dec.ReasonCodes[0].Code)
	assert.Equal(t, "we fine-tune CodeBERT to flag CWE-787 sinks", dec.ReasonCodes[0].Evidence)

	// Bare strings still decode, just without evidence.
	assert.Equal(t, "no_empirical_eval", dec.ReasonCodes[1].Code)
	assert.Empty(t, dec.ReasonCodes[1].Evidence)
}

func TestParseDecision_NoDeclaredCodesAcceptsAny(t *testing.T) {
	doc := rules.Document{ID: "open", Content: "anything goes"}
	dec, err := parseDecision(`{"decision": "include", "confidence": 0.5, "reason": "ok", "reason_codes": ["anything"]}`, doc)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionInclude, dec.Verdict)
	require.Len(t, dec.ReasonCodes, 1)
	assert.Equal(t, "anything", dec.ReasonCodes[0].Code)
}
