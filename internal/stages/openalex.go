package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/models"
)

const defaultOpenAlexBaseURL = "https://api.openalex.org"

// OpenAlexClient talks to the OpenAlex works API. All requests go through a
// shared rate limiter; OpenAlex's polite pool asks for a mailto parameter
// and roughly 10 requests per second.
type OpenAlexClient struct {
	baseURL    string
	mailto     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     arbor.ILogger
}

// NewOpenAlexClient creates an OpenAlex API client from config
func NewOpenAlexClient(cfg *common.OpenAlexConfig, logger arbor.ILogger) *OpenAlexClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAlexBaseURL
	}

	interval, err := time.ParseDuration(cfg.RateLimit)
	if err != nil || interval <= 0 {
		interval = 150 * time.Millisecond
	}

	timeout, err := time.ParseDuration(cfg.RequestTimeout)
	if err != nil || timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OpenAlexClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		mailto:     cfg.Mailto,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		logger:     logger,
	}
}

// openAlexWork is the subset of the works API response the pipeline uses
type openAlexWork struct {
	ID                    string           `json:"id"`
	Title                 string           `json:"title"`
	DisplayName           string           `json:"display_name"`
	PublicationYear       int              `json:"publication_year"`
	DOI                   string           `json:"doi"`
	CitedByCount          int              `json:"cited_by_count"`
	ReferencedWorks       []string         `json:"referenced_works"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
	Authorships           []struct {
		Author struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
	} `json:"authorships"`
}

type worksResponse struct {
	Results []openAlexWork `json:"results"`
}

// SearchWorks runs a relevance-ranked search over the works index
func (c *OpenAlexClient) SearchWorks(ctx context.Context, query string, limit int) ([]models.Paper, error) {
	params := url.Values{}
	params.Set("search", query)
	return c.listWorks(ctx, params, limit)
}

// Citations returns works that cite the given work
func (c *OpenAlexClient) Citations(ctx context.Context, workID string, limit int) ([]models.Paper, error) {
	params := url.Values{}
	params.Set("filter", "cites:"+workID)
	params.Set("sort", "cited_by_count:desc")
	return c.listWorks(ctx, params, limit)
}

// References returns the works a given work cites. OpenAlex exposes these as
// IDs on the work itself, so this costs two requests: one for the work, one
// batched lookup for the referenced IDs.
func (c *OpenAlexClient) References(ctx context.Context, workID string, limit int) ([]models.Paper, error) {
	work, err := c.getWork(ctx, workID)
	if err != nil {
		return nil, err
	}
	if len(work.ReferencedWorks) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, limit)
	for _, ref := range work.ReferencedWorks {
		ids = append(ids, shortWorkID(ref))
		if len(ids) >= limit {
			break
		}
	}

	params := url.Values{}
	params.Set("filter", "openalex:"+strings.Join(ids, "|"))
	return c.listWorks(ctx, params, limit)
}

func (c *OpenAlexClient) listWorks(ctx context.Context, params url.Values, limit int) ([]models.Paper, error) {
	if limit <= 0 || limit > 200 {
		limit = 25
	}
	params.Set("per-page", fmt.Sprintf("%d", limit))
	if c.mailto != "" {
		params.Set("mailto", c.mailto)
	}

	var resp worksResponse
	if err := c.get(ctx, "/works?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	papers := make([]models.Paper, 0, len(resp.Results))
	for _, w := range resp.Results {
		papers = append(papers, w.toPaper())
	}
	return papers, nil
}

func (c *OpenAlexClient) getWork(ctx context.Context, workID string) (*openAlexWork, error) {
	path := "/works/" + url.PathEscape(workID)
	if c.mailto != "" {
		path += "?mailto=" + url.QueryEscape(c.mailto)
	}

	var work openAlexWork
	if err := c.get(ctx, path, &work); err != nil {
		return nil, err
	}
	return &work, nil
}

func (c *OpenAlexClient) get(ctx context.Context, path string, v interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build OpenAlex request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OpenAlex request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OpenAlex returned status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode OpenAlex response: %w", err)
	}
	return nil
}

func (w *openAlexWork) toPaper() models.Paper {
	title := w.Title
	if title == "" {
		title = w.DisplayName
	}

	authors := make([]string, 0, len(w.Authorships))
	for _, a := range w.Authorships {
		if a.Author.DisplayName != "" {
			authors = append(authors, a.Author.DisplayName)
		}
	}

	return models.Paper{
		ID:           shortWorkID(w.ID),
		Title:        title,
		Abstract:     decodeInvertedAbstract(w.AbstractInvertedIndex),
		Year:         w.PublicationYear,
		DOI:          w.DOI,
		Authors:      authors,
		CitedByCount: w.CitedByCount,
	}
}

// shortWorkID strips the https://openalex.org/ prefix from a work URL
func shortWorkID(id string) string {
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// decodeInvertedAbstract reconstructs an abstract from OpenAlex's inverted
// index representation (word -> list of positions)
func decodeInvertedAbstract(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}

	type posWord struct {
		pos  int
		word string
	}
	var words []posWord
	for word, positions := range index {
		for _, pos := range positions {
			words = append(words, posWord{pos: pos, word: word})
		}
	}
	sort.Slice(words, func(i, j int) bool { return words[i].pos < words[j].pos })

	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.word
	}
	return strings.Join(parts, " ")
}
