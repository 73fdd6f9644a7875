package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articleHTML = `<!doctype html>
<html><head><title>Bun install guide</title></head>
<body>
<nav><a href="/">Home</a><a href="/docs">Docs</a></nav>
<article>
<h1>Installing packages with Bun</h1>
<p>Bun installs dependencies from package.json into node_modules and writes a binary lockfile.
It is compatible with the npm registry and resolves the same semver ranges that npm does, so
existing projects can switch without changing their manifests.</p>
<p>Run bun add followed by the package name to add a dependency. Use the dev flag for tooling that
is only needed while building, such as type checkers and bundler plugins.</p>
</article>
<footer>Copyright</footer>
</body></html>`

func searchServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			w.Header().Set("Content-Type", "application/json")
			if body["q"] == "nothing" {
				_, _ = w.Write([]byte(`{"organic": []}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"organic": []map[string]string{
				{"title": "Bun install guide", "link": srv.URL + "/guide", "snippet": "How to add packages"},
				{"title": "Missing page", "link": srv.URL + "/gone", "snippet": ""},
			}})
		case "/guide":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(articleHTML))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchClient(t *testing.T) {
	srv := searchServer(t)
	client := NewSearchClient(SearchConfig{Endpoint: srv.URL + "/search", APIKey: "secret"})

	digest, err := client.Search(context.Background(), "bun add")
	require.NoError(t, err)
	assert.Contains(t, digest, `Results for "bun add"`)
	assert.Contains(t, digest, "1. Bun install guide")
	assert.Contains(t, digest, "2. Missing page")
	assert.Contains(t, digest, "Top result")
	assert.Contains(t, digest, "Run bun add followed by the package name")
	assert.NotContains(t, digest, "<p>")

	empty, err := client.Search(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Equal(t, `No results for "nothing".`, empty)
}

func TestSearchClientErrors(t *testing.T) {
	srv := searchServer(t)

	_, err := NewSearchClient(SearchConfig{}).Search(context.Background(), "x")
	assert.ErrorContains(t, err, "not configured")

	_, err = NewSearchClient(SearchConfig{Endpoint: srv.URL + "/down"}).Search(context.Background(), "x")
	assert.ErrorContains(t, err, "HTTP 404")

	client := NewSearchClient(SearchConfig{Endpoint: srv.URL + "/search", APIKey: "secret"})
	_, err = client.FetchPage(context.Background(), srv.URL+"/gone")
	assert.ErrorContains(t, err, "HTTP 404")
	_, err = client.FetchPage(context.Background(), "ftp://example.com/file")
	assert.Error(t, err)
}

func TestWebSearchTool(t *testing.T) {
	srv := searchServer(t)
	tool := webSearchTool(NewSearchClient(SearchConfig{Endpoint: srv.URL + "/search", APIKey: "secret", PageChars: -1}))

	res, err := tool.Handler(context.Background(), json.RawMessage(`{"query": "bun add"}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Message, "Results for"))
	assert.NotContains(t, res.Message, "Top result")

	_, err = tool.Handler(context.Background(), json.RawMessage(`{"query": " "}`))
	assert.ErrorIs(t, err, errEmptyArgument)
}
