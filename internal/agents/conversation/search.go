package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"phaseforge/internal/logging"
)

const (
	defaultSearchResults = 5
	defaultPageChars     = 4000
	maxPageBytes         = 2 << 20
	searchUserAgent      = "phaseforge/1.0 (+web_search)"
)

var excessiveLinesPattern = regexp.MustCompile(`\n{3,}`)

// SearchConfig configures SearchClient.
type SearchConfig struct {
	// Endpoint accepts POST {"q": query, "num": n} and answers with an
	// "organic" result list.
	Endpoint   string
	APIKey     string
	MaxResults int
	// PageChars caps the extracted article of the top result; zero uses the
	// default, negative disables page fetching.
	PageChars  int
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// SearchResult is one organic hit.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	Organic []SearchResult `json:"organic"`
}

// SearchClient is a WebSearcher backed by a JSON search API. The top hit is
// fetched and reduced to readable markdown.
type SearchClient struct {
	cfg       SearchConfig
	client    *http.Client
	converter *md.Converter
	log       *zap.Logger
}

// NewSearchClient builds a SearchClient.
func NewSearchClient(cfg SearchConfig) *SearchClient {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultSearchResults
	}
	if cfg.PageChars == 0 {
		cfg.PageChars = defaultPageChars
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &SearchClient{
		cfg:       cfg,
		client:    client,
		converter: converter,
		log:       logging.OrNamed(cfg.Logger, "web_search"),
	}
}

// Search runs query and renders the hits, plus the top page when it can be
// fetched. A page fetch failure only drops the page section.
func (s *SearchClient) Search(ctx context.Context, query string) (string, error) {
	if s.cfg.Endpoint == "" {
		return "", errors.New("web search is not configured")
	}
	results, err := s.query(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results for %q.", query), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.Link)
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Snippet)
		}
	}

	if s.cfg.PageChars > 0 {
		page, err := s.FetchPage(ctx, results[0].Link)
		if err != nil {
			s.log.Debug("top result fetch failed", zap.String("url", results[0].Link), zap.Error(err))
		} else if page != "" {
			fmt.Fprintf(&sb, "\nTop result (%s):\n%s\n", results[0].Link, truncateRunes(page, s.cfg.PageChars))
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (s *SearchClient) query(ctx context.Context, query string) ([]SearchResult, error) {
	body, err := json.Marshal(map[string]any{"q": query, "num": s.cfg.MaxResults})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search: HTTP %d", resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageBytes)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(decoded.Organic) > s.cfg.MaxResults {
		decoded.Organic = decoded.Organic[:s.cfg.MaxResults]
	}
	return decoded.Organic, nil
}

// FetchPage downloads pageURL and returns its main article as markdown.
func (s *SearchClient) FetchPage(ctx context.Context, pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid page url %q", pageURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch: HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}

	html := string(raw)
	title := ""
	if article, err := readability.FromReader(bytes.NewReader(raw), u); err == nil && strings.TrimSpace(article.Content) != "" {
		html = article.Content
		title = article.Title
	}
	markdown, err := s.converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert page: %w", err)
	}
	markdown = strings.TrimSpace(excessiveLinesPattern.ReplaceAllString(markdown, "\n\n"))
	if title != "" && !strings.HasPrefix(markdown, "# ") {
		markdown = "# " + title + "\n\n" + markdown
	}
	return markdown, nil
}
