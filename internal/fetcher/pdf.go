package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/refsift/refsift/internal/model"
)

// PDFOptions configures the PDF resolver.
type PDFOptions struct {
	// Dir is where downloaded files are stored, one <entry id>.pdf each.
	Dir string
	// Email identifies the caller to Unpaywall, which requires one.
	Email string
	// UnpaywallBaseURL overrides the API endpoint, for tests.
	UnpaywallBaseURL string
	// ArxivBaseURL overrides the arXiv PDF endpoint, for tests.
	ArxivBaseURL string
}

// PDFFetcher resolves an entry's DOI to an open-access PDF and downloads it.
// It satisfies the pdf-fetch step's Fetcher contract.
type PDFFetcher struct {
	http *HTTPFetcher
	opts PDFOptions
}

// NewPDFFetcher creates a resolver over the given HTTP fetcher.
func NewPDFFetcher(httpFetcher *HTTPFetcher, opts PDFOptions) *PDFFetcher {
	if opts.UnpaywallBaseURL == "" {
		opts.UnpaywallBaseURL = "https://api.unpaywall.org/v2"
	}
	if opts.ArxivBaseURL == "" {
		opts.ArxivBaseURL = "https://arxiv.org/pdf"
	}
	if opts.Email == "" {
		opts.Email = "openaccess@refsift.dev"
	}
	return &PDFFetcher{http: httpFetcher, opts: opts}
}

// unpaywallResponse is the subset of the Unpaywall record we read.
type unpaywallResponse struct {
	BestOALocation *struct {
		URLForPDF string `json:"url_for_pdf"`
	} `json:"best_oa_location"`
}

// Fetch downloads the entry's full text and returns the stored path. The
// Unpaywall lookup runs first; an arXiv eprint id is the fallback.
func (f *PDFFetcher) Fetch(ctx context.Context, entry model.Entry) (string, error) {
	pdfURL, err := f.resolve(ctx, entry)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(f.opts.Dir, 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create pdf dir")
	}
	path := filepath.Join(f.opts.Dir, entry.ID+".pdf")

	n, err := f.http.DownloadToFile(ctx, pdfURL, path)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: download %s", entry.ID)
	}
	zap.L().Debug("fetcher: pdf stored",
		zap.String("entry", entry.ID),
		zap.Int64("bytes", n),
	)
	return path, nil
}

// resolve finds a downloadable PDF URL for the entry.
func (f *PDFFetcher) resolve(ctx context.Context, entry model.Entry) (string, error) {
	if entry.HasDOI() {
		if pdfURL, err := f.lookupUnpaywall(ctx, entry.DOI); err == nil && pdfURL != "" {
			return pdfURL, nil
		} else if err != nil {
			zap.L().Debug("fetcher: unpaywall lookup failed",
				zap.String("entry", entry.ID),
				zap.Error(err),
			)
		}
	}
	if eprint := arxivID(entry); eprint != "" {
		return fmt.Sprintf("%s/%s", f.opts.ArxivBaseURL, eprint), nil
	}
	return "", eris.Errorf("fetcher: no open-access source for %s", entry.ID)
}

// lookupUnpaywall queries the Unpaywall index for the best open-access copy.
func (f *PDFFetcher) lookupUnpaywall(ctx context.Context, doi string) (string, error) {
	lookupURL := fmt.Sprintf("%s/%s?email=%s",
		f.opts.UnpaywallBaseURL, url.PathEscape(doi), url.QueryEscape(f.opts.Email))

	body, err := f.http.Download(ctx, lookupURL)
	if err != nil {
		return "", err
	}
	defer body.Close() //nolint:errcheck

	var rec unpaywallResponse
	if err := json.NewDecoder(body).Decode(&rec); err != nil {
		return "", eris.Wrap(err, "fetcher: decode unpaywall response")
	}
	if rec.BestOALocation == nil {
		return "", nil
	}
	return rec.BestOALocation.URLForPDF, nil
}

// arxivID extracts an arXiv identifier from the entry's extra fields.
func arxivID(entry model.Entry) string {
	if id := strings.TrimSpace(entry.Fields["eprint"]); id != "" {
		return id
	}
	// Some exports carry the id in a note like "arXiv:2101.01234".
	for _, field := range []string{"note", "url"} {
		v := entry.Fields[field]
		if i := strings.Index(v, "arXiv:"); i >= 0 {
			id := v[i+len("arXiv:"):]
			if j := strings.IndexAny(id, " \t\n,;"); j >= 0 {
				id = id[:j]
			}
			return strings.TrimSpace(id)
		}
	}
	return ""
}
