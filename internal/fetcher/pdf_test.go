package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/refsift/refsift/internal/model"
)

func newTestPDFFetcher(t *testing.T, unpaywall, arxiv string) *PDFFetcher {
	t.Helper()
	httpFetcher := NewHTTPFetcher(HTTPOptions{
		MaxRetries:   1,
		RateLimiters: map[string]*rate.Limiter{},
	})
	return NewPDFFetcher(httpFetcher, PDFOptions{
		Dir:              t.TempDir(),
		Email:            "test@example.org",
		UnpaywallBaseURL: unpaywall,
		ArxivBaseURL:     arxiv,
	})
}

func TestFetch_ViaUnpaywall(t *testing.T) {
	var pdfServer *httptest.Server
	pdfServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.5 fake body"))
	}))
	defer pdfServer.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "email=")
		json.NewEncoder(w).Encode(map[string]any{
			"best_oa_location": map[string]string{"url_for_pdf": pdfServer.URL + "/paper.pdf"},
		})
	}))
	defer api.Close()

	f := newTestPDFFetcher(t, api.URL, "")
	path, err := f.Fetch(context.Background(), model.Entry{ID: "smith2020", DOI: "10.1000/smith"})
	require.NoError(t, err)
	assert.Equal(t, "smith2020.pdf", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "%PDF")
}

func TestFetch_ArxivFallback(t *testing.T) {
	arxiv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2101.01234", r.URL.Path)
		fmt.Fprint(w, "%PDF-1.5")
	}))
	defer arxiv.Close()

	f := newTestPDFFetcher(t, "http://127.0.0.1:0", arxiv.URL)
	path, err := f.Fetch(context.Background(), model.Entry{
		ID:     "jones2021",
		Fields: map[string]string{"eprint": "2101.01234"},
	})
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestFetch_NoSource(t *testing.T) {
	f := newTestPDFFetcher(t, "http://127.0.0.1:0", "")
	_, err := f.Fetch(context.Background(), model.Entry{ID: "lee2022"})
	assert.ErrorContains(t, err, "no open-access source")
}

func TestArxivID_FromNote(t *testing.T) {
	id := arxivID(model.Entry{Fields: map[string]string{"note": "preprint arXiv:2203.04444, under review"}})
	assert.Equal(t, "2203.04444", id)
}

func TestAdaptiveLimiter(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)
	lim.OnSuccess()
	assert.InDelta(t, 12, float64(lim.Limit()), 0.01)

	for range 10 {
		lim.OnRateLimit()
	}
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.01, "floor at initial/4")
}
