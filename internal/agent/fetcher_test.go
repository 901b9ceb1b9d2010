package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"crawlfleet/internal/core/domain"
	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPage = `<html><head><title> Results </title></head><body>
<a href="/one">One</a>
<a href="https://example.com/two">Two</a>
<a href="javascript:void(0)">Skip</a>
<a href="/three">Three</a>
</body></html>`

func newPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><head><title>%s</title></head><body><a href="/hit">hit</a></body></html>`, r.URL.Query().Get("q"))
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, testPage)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func fetch(t *testing.T, f *CollyFetcher, ctx context.Context, query string, opts any) (FetchResult, error) {
	t.Helper()
	job := domain.JobAssignedPayload{JobID: "J1", Query: query}
	if opts != nil {
		raw, err := json.Marshal(opts)
		require.NoError(t, err)
		job.Options = raw
	}
	data, err := f.Fetch(ctx, job)
	if err != nil {
		return FetchResult{}, err
	}
	var res FetchResult
	require.NoError(t, json.Unmarshal(data, &res))
	return res, nil
}

func TestCollyFetcher_Page(t *testing.T) {
	ts := newPageServer(t)
	f := NewCollyFetcher(CollyConfig{Timeout: 2 * time.Second})

	res, err := fetch(t, f, context.Background(), "anything", FetchOptions{URL: ts.URL + "/page", MaxResults: 2})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Results", res.Title)
	require.Len(t, res.Links, 2)
	assert.Equal(t, Link{Text: "One", Href: ts.URL + "/one"}, res.Links[0])
	assert.Equal(t, "https://example.com/two", res.Links[1].Href)
}

func TestCollyFetcher_SearchURL(t *testing.T) {
	ts := newPageServer(t)
	f := NewCollyFetcher(CollyConfig{SearchURL: ts.URL + "/search?q=%s", UserAgent: "crawlfleet-test"})

	res, err := fetch(t, f, context.Background(), "go lang", nil)
	require.NoError(t, err)
	assert.Equal(t, "go lang", res.Title)
	assert.Equal(t, "go lang", res.Query)
	require.Len(t, res.Links, 1)
}

func TestCollyFetcher_Errors(t *testing.T) {
	ts := newPageServer(t)
	f := NewCollyFetcher(CollyConfig{Timeout: 2 * time.Second})

	_, err := fetch(t, f, context.Background(), "q", FetchOptions{URL: ts.URL + "/broken"})
	assert.Error(t, err)

	_, err = fetch(t, f, context.Background(), "q", FetchOptions{URL: "ftp://example.com"})
	assert.ErrorContains(t, err, "invalid url option")

	_, err = fetch(t, f, context.Background(), "q", nil)
	assert.ErrorContains(t, err, "no search endpoint")

	_, err = f.Fetch(context.Background(), domain.JobAssignedPayload{JobID: "J", Options: json.RawMessage(`[1]`)})
	assert.ErrorContains(t, err, "invalid options")
}

func TestCollyFetcher_Cancel(t *testing.T) {
	ts := newPageServer(t)
	f := NewCollyFetcher(CollyConfig{Timeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := fetch(t, f, ctx, "q", FetchOptions{URL: ts.URL + "/slow"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTargetURL(t *testing.T) {
	f := NewCollyFetcher(CollyConfig{SearchURL: "https://search.example/?q=%s"})

	got, err := f.targetURL("a&b c", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://search.example/?q=a%26b+c", got)

	got, err = f.targetURL("ignored", FetchOptions{URL: "http://site.example/x"})
	require.NoError(t, err)
	assert.Equal(t, "http://site.example/x", got)
}

func TestConfigureHooks(t *testing.T) {
	var result FetchResult
	var fetchErr error
	hooks := &stubHooks{html: map[string]colly.HTMLCallback{}}
	configureHooks(hooks, &result, &fetchErr, 5)

	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)
	assert.Contains(t, hooks.html, "title")
	assert.Contains(t, hooks.html, "a[href]")

	u, err := url.Parse("https://example.com/final")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{StatusCode: http.StatusAccepted, Request: &colly.Request{URL: u}})
	assert.Equal(t, http.StatusAccepted, result.StatusCode)
	assert.Equal(t, "https://example.com/final", result.URL)

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	assert.EqualError(t, fetchErr, "status 404: Not Found")

	hooks.onError(nil, errors.New("boom"))
	assert.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
	html       map[string]colly.HTMLCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnHTML(selector string, cb colly.HTMLCallback) {
	s.html[selector] = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
