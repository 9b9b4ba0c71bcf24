package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// HTTPDataSource posts the request as JSON and expects {"rows": [...]} back.
//
// Properties: baseURL (required), path (default /api/v1/query), timeout, headers.
type HTTPDataSource struct {
	baseURL    string
	path       string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPDataSource is the Constructor for TypeHTTP.
func NewHTTPDataSource(meta DataSourceMeta, logger *slog.Logger) (DataSource, error) {
	baseURL := stringProp(meta.Properties, "baseURL")
	if baseURL == "" {
		return nil, fmt.Errorf("http data source: baseURL is required")
	}
	p := stringProp(meta.Properties, "path")
	if p == "" {
		p = "/api/v1/query"
	}
	timeout := 10 * time.Second
	if raw := stringProp(meta.Properties, "timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("http data source: parse timeout: %w", err)
		}
		timeout = d
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDataSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       p,
		headers:    cast.ToStringMapString(meta.Properties["headers"]),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Fetch implements DataSource.
func (s *HTTPDataSource) Fetch(ctx context.Context, req Request) (*models.DataTable, error) {
	payload := map[string]any{
		"table":      req.Table,
		"query":      expandQuery(req.Query, templateVars(req)),
		"metric":     req.Slice.Metric(),
		"start":      req.Slice.Start(),
		"end":        req.Slice.End(),
		"filters":    req.Slice.Filters(),
		"properties": req.Properties,
	}
	if g := req.Slice.Granularity(); g > 0 {
		payload["granularity"] = g.String()
	}

	var response struct {
		Columns []string     `json:"columns"`
		Rows    []models.Row `json:"rows"`
	}
	if err := s.postJSON(ctx, s.resolvePath(s.path), payload, &response); err != nil {
		return nil, fmt.Errorf("http data source request failed: %w", err)
	}
	s.logger.Debug("http data source fetched", slog.Int("rows", len(response.Rows)))
	return models.NewDataTable(response.Columns, response.Rows), nil
}

func (s *HTTPDataSource) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return s.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (s *HTTPDataSource) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
