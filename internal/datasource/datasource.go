// Package datasource fetches tabular time series for DataFetcher nodes.
package datasource

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// Request describes one fetch. Query is passed through to the backend after
// template expansion; Slice carries the window, metric and filters.
type Request struct {
	Table      string
	Query      string
	Properties map[string]string
	Slice      models.MetricSlice
}

// DataSource returns rows for a request. Implementations must be safe for
// concurrent use.
type DataSource interface {
	Fetch(ctx context.Context, req Request) (*models.DataTable, error)
}

// DataSourceMeta is the configured description of one named source.
type DataSourceMeta struct {
	Name       string         `yaml:"name" json:"name" validate:"required"`
	Type       string         `yaml:"type" json:"type" validate:"required"`
	Properties map[string]any `yaml:"properties" json:"properties,omitempty"`
}

// Constructor builds a source from its metadata.
type Constructor func(meta DataSourceMeta, logger *slog.Logger) (DataSource, error)

// expandQuery substitutes ${table}, ${start}, ${end}, ${bucket} and any other
// ${name} present in vars.
func expandQuery(query string, vars map[string]string) string {
	if !strings.Contains(query, "${") {
		return query
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "${"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(query)
}

// templateVars returns the standard template values with start and end in epoch millis.
func templateVars(req Request) map[string]string {
	vars := make(map[string]string, len(req.Properties)+3)
	for k, v := range req.Properties {
		vars[k] = v
	}
	vars["table"] = req.Table
	vars["start"] = strconv.FormatInt(req.Slice.Start(), 10)
	vars["end"] = strconv.FormatInt(req.Slice.End(), 10)
	return vars
}

func stringProp(props map[string]any, key string) string {
	v, ok := props[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(cast.ToString(v))
}
