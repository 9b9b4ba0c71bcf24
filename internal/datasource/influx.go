package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// Flux bookkeeping columns that never reach a detector.
var fluxSystemColumns = map[string]bool{
	"result": true, "table": true, "_start": true, "_stop": true, "_time": true, "_measurement": true,
}

// InfluxDataSource runs Flux queries through the InfluxDB v2 client.
//
// Properties: url, token, org, bucket (all required). When a request has no
// query, one is built from the table (measurement) and the slice.
type InfluxDataSource struct {
	client influxdb2.Client
	org    string
	bucket string
	logger *slog.Logger
}

// NewInfluxDataSource is the Constructor for TypeInflux.
func NewInfluxDataSource(meta DataSourceMeta, logger *slog.Logger) (DataSource, error) {
	url := stringProp(meta.Properties, "url")
	token := stringProp(meta.Properties, "token")
	org := stringProp(meta.Properties, "org")
	bucket := stringProp(meta.Properties, "bucket")
	if url == "" || token == "" || org == "" || bucket == "" {
		return nil, fmt.Errorf("influxdb data source: url, token, org and bucket are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InfluxDataSource{
		client: influxdb2.NewClient(url, token),
		org:    org,
		bucket: bucket,
		logger: logger,
	}, nil
}

// Fetch implements DataSource. Each record becomes a row with "timestamp" in
// epoch millis plus every non-system column.
func (s *InfluxDataSource) Fetch(ctx context.Context, req Request) (*models.DataTable, error) {
	query := s.buildQuery(req)
	result, err := s.client.QueryAPI(s.org).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("influxdb query failed: %w", err)
	}
	defer result.Close()

	var rows []models.Row
	for result.Next() {
		record := result.Record()
		rows = append(rows, recordRow(record.Time(), record.Values()))
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading influxdb results: %w", result.Err())
	}
	s.logger.Debug("influxdb data source fetched", slog.Int("rows", len(rows)))
	return models.NewDataTable(nil, rows), nil
}

// Close releases the client's connections.
func (s *InfluxDataSource) Close() { s.client.Close() }

func (s *InfluxDataSource) buildQuery(req Request) string {
	start := time.UnixMilli(req.Slice.Start()).UTC().Format(time.RFC3339)
	end := time.UnixMilli(req.Slice.End()).UTC().Format(time.RFC3339)
	if req.Query != "" {
		vars := templateVars(req)
		vars["bucket"] = s.bucket
		vars["start"] = start
		vars["end"] = end
		return expandQuery(req.Query, vars)
	}
	return defaultFluxQuery(s.bucket, req.Table, start, end, req.Slice.Filters())
}

func defaultFluxQuery(bucket, measurement, start, end string, filters map[string][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", start, end)
	if measurement != "" {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", measurement)
	}
	dims := make([]string, 0, len(filters))
	for d := range filters {
		dims = append(dims, d)
	}
	sort.Strings(dims)
	for _, d := range dims {
		values := filters[d]
		if len(values) == 0 {
			continue
		}
		clauses := make([]string, 0, len(values))
		for _, v := range values {
			clauses = append(clauses, fmt.Sprintf("r[%q] == %q", d, v))
		}
		fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(clauses, " or "))
	}
	b.WriteString("  |> pivot(rowKey:[\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	b.WriteString("  |> sort(columns: [\"_time\"], desc: false)\n")
	return b.String()
}

func recordRow(ts time.Time, values map[string]any) models.Row {
	row := make(models.Row, len(values)+1)
	for k, v := range values {
		if fluxSystemColumns[k] {
			continue
		}
		row[k] = v
	}
	row["timestamp"] = ts.UnixMilli()
	return row
}
