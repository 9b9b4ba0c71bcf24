package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cast"

	// Drivers selectable through the "driver" property.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

var sqlDrivers = map[string]bool{"postgres": true, "mysql": true, "sqlserver": true, "sqlite3": true}

// SQLDataSource runs a templated query over database/sql.
//
// Properties: driver, dsn (required), query (default when the request has
// none), timeColumn and timeFormat. The time column is normalised to epoch
// millis and ${start}/${end} are rendered in timeFormat.
type SQLDataSource struct {
	db         *sql.DB
	query      string
	timeColumn string
	converter  utils.TimeConverter
	logger     *slog.Logger
}

// NewSQLDataSource is the Constructor for TypeSQL.
func NewSQLDataSource(meta DataSourceMeta, logger *slog.Logger) (DataSource, error) {
	driver := strings.ToLower(stringProp(meta.Properties, "driver"))
	if !sqlDrivers[driver] {
		return nil, fmt.Errorf("sql data source: unsupported driver %q", driver)
	}
	dsn := stringProp(meta.Properties, "dsn")
	if dsn == "" {
		return nil, fmt.Errorf("sql data source: dsn is required")
	}
	converter, err := utils.NewTimeConverter(stringProp(meta.Properties, "timeFormat"))
	if err != nil {
		return nil, fmt.Errorf("sql data source: %w", err)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql data source: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// Every connection to an in-memory sqlite database is a new database.
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLDataSource{
		db:         db,
		query:      stringProp(meta.Properties, "query"),
		timeColumn: stringProp(meta.Properties, "timeColumn"),
		converter:  converter,
		logger:     logger,
	}, nil
}

// Fetch implements DataSource.
func (s *SQLDataSource) Fetch(ctx context.Context, req Request) (*models.DataTable, error) {
	query := req.Query
	if query == "" {
		query = s.query
	}
	if query == "" {
		return nil, utils.InvalidArgument("sql fetch", "no query configured for table %q", req.Table)
	}
	vars := templateVars(req)
	vars["start"] = s.converter.ConvertMillis(req.Slice.Start())
	vars["end"] = s.converter.ConvertMillis(req.Slice.End())
	query = expandQuery(query, vars)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sql query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []models.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(models.Row, len(columns))
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		if s.timeColumn != "" {
			if err := s.normaliseTime(row); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	s.logger.Debug("sql data source fetched", slog.Int("rows", len(out)))
	return models.NewDataTable(columns, out), nil
}

// Close closes the pool.
func (s *SQLDataSource) Close() error { return s.db.Close() }

func (s *SQLDataSource) normaliseTime(row models.Row) error {
	v, ok := row[s.timeColumn]
	if !ok || v == nil {
		return nil
	}
	if t, ok := v.(time.Time); ok {
		row[s.timeColumn] = t.UnixMilli()
		return nil
	}
	ms, err := s.converter.Convert(cast.ToString(v))
	if err != nil {
		return fmt.Errorf("column %s: %w", s.timeColumn, err)
	}
	row[s.timeColumn] = ms
	return nil
}
