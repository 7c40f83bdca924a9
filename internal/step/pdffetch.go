package step

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/refsift/refsift/internal/model"
	"github.com/refsift/refsift/internal/resilience"
)

// PDF fetch change reasons.
const (
	ReasonPDFFetched = "pdf_fetched"
	ReasonPDFMissing = "pdf_missing"
	ReasonPDFNoDOI   = "pdf_no_doi"
)

// Fetcher retrieves the full-text PDF for one entry. Implementations resolve
// the DOI against open-access sources and return the stored file path.
type Fetcher interface {
	Fetch(ctx context.Context, entry model.Entry) (path string, err error)
}

// PDFFetchHandler downloads full texts for the entries that survived
// screening. A failed fetch routes the entry to the missing output; the run
// itself only fails on cancellation.
type PDFFetchHandler struct {
	fetcher Fetcher
	retry   resilience.RetryConfig
}

// NewPDFFetchHandler creates the handler around an injected fetcher.
func NewPDFFetchHandler(fetcher Fetcher) *PDFFetchHandler {
	return &PDFFetchHandler{
		fetcher: fetcher,
		retry:   resilience.DefaultRetryConfig(),
	}
}

func (h *PDFFetchHandler) Type() string { return "pdf-fetch" }

func (h *PDFFetchHandler) Name() string { return "PDF Fetch" }

func (h *PDFFetchHandler) Description() string {
	return "Downloads full-text PDFs for entries and splits them by whether a file was found."
}

func (h *PDFFetchHandler) Outputs() []OutputDefinition {
	return []OutputDefinition{
		{Name: "fetched", Description: "Entries with a downloaded full text", Required: true},
		{Name: "missing", Description: "Entries no full text could be found for"},
	}
}

func (h *PDFFetchHandler) ConfigSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"rate_limit": {
				Type:        TypeNumber,
				Default:     1.0,
				Minimum:     ptr(0.1),
				Maximum:     ptr(10),
				Description: "Fetch requests per second",
			},
			"max_retries": {
				Type:        TypeInt,
				Default:     2,
				Minimum:     ptr(0),
				Maximum:     ptr(10),
				Description: "Retries per entry on transient fetch errors",
			},
			"skip_no_doi": {
				Type:        TypeBool,
				Default:     true,
				Description: "Route entries without a DOI straight to missing instead of attempting a fetch",
			},
		},
	}
}

func (h *PDFFetchHandler) Run(ctx context.Context, entries []model.Entry, cfg Config, _ *Context) (*Result, error) {
	if h.fetcher == nil {
		return nil, eris.New("step: pdf-fetch: no fetcher configured")
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Float("rate_limit")), 1)
	retryCfg := h.retry
	retryCfg.MaxAttempts = cfg.Int("max_retries") + 1
	skipNoDOI := cfg.Bool("skip_no_doi")

	res := &Result{
		Outputs: map[string][]model.Entry{
			"fetched": {},
			"missing": {},
		},
		Changes: make([]model.ChangeRecord, 0, len(entries)),
	}

	var fetched, missing int
	for _, entry := range entries {
		if skipNoDOI && !entry.HasDOI() {
			missing++
			res.Outputs["missing"] = append(res.Outputs["missing"], entry)
			res.Changes = append(res.Changes, model.ChangeRecord{
				Key:    entry.ID,
				Action: model.ActionModify,
				Reason: ReasonPDFNoDOI,
			})
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "step: pdf-fetch")
		}

		path, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (string, error) {
			return h.fetcher.Fetch(ctx, entry)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(err, "step: pdf-fetch")
			}
			missing++
			res.Outputs["missing"] = append(res.Outputs["missing"], entry)
			res.Changes = append(res.Changes, model.ChangeRecord{
				Key:     entry.ID,
				Action:  model.ActionModify,
				Reason:  ReasonPDFMissing,
				Details: map[string]any{"error": err.Error()},
			})
			continue
		}

		fetched++
		res.Outputs["fetched"] = append(res.Outputs["fetched"], entry)
		res.Changes = append(res.Changes, model.ChangeRecord{
			Key:     entry.ID,
			Action:  model.ActionKeep,
			Reason:  ReasonPDFFetched,
			Details: map[string]any{"path": path},
		})
	}

	res.Details = map[string]any{
		"fetched": fetched,
		"missing": missing,
	}
	return res, nil
}
