package drivers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

func postgresRegistration() source.Registration {
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "postgres",
			Name:        "PostgreSQL",
			Labels:      []string{"database"},
			AuthMethods: []models.AuthMethod{models.AuthMethodDirect},
			AuthFields: source.Fields(
				source.Str("host", true),
				source.Int("port", false),
				source.Str("database", true),
				source.Str("user", true),
				source.Secret("password"),
			),
			ConfigFields: source.Fields(
				source.Str("schema", false),
				source.Str("tables", false),
			),
			SupportsContinuous: true,
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			dsn, err := postgresDSN(credentials)
			if err != nil {
				return nil, err
			}
			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return nil, models.ProviderErrorf(err, "postgres: connect")
			}
			schema := strField(config, "schema")
			if schema == "" {
				schema = "public"
			}
			var tables []string
			if raw := strField(config, "tables"); raw != "" {
				for _, t := range strings.Split(raw, ",") {
					if t = strings.TrimSpace(t); t != "" {
						tables = append(tables, t)
					}
				}
			}
			return &postgresSource{c: c, pool: pool, schema: schema, tables: tables}, nil
		},
	}
}

func postgresDSN(credentials map[string]any) (string, error) {
	host := strField(credentials, "host")
	db := strField(credentials, "database")
	user := strField(credentials, "user")
	pass := strField(credentials, "password")
	if host == "" || db == "" || user == "" {
		return "", models.Validationf("postgres requires host, database and user")
	}
	port := 5432
	switch p := credentials["port"].(type) {
	case int:
		port = p
	case float64:
		port = int(p)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, pass, host, port, db), nil
}

// postgresSource streams table rows as row-kind entities. Incremental sync
// keeps a per-table max(updated_at) watermark when the table has that column.
type postgresSource struct {
	c      *source.Collaborators
	pool   *pgxpool.Pool
	schema string
	tables []string
}

func (s *postgresSource) ShortName() string { return "postgres" }

func (s *postgresSource) DefaultCursorField() string { return "updated_at" }

func (s *postgresSource) ValidateCursorField(field string) error {
	// Any column name is acceptable; existence is checked per table at sync
	// time.
	return nil
}

func (s *postgresSource) Validate(ctx context.Context) (bool, error) {
	if err := s.pool.Ping(ctx); err != nil {
		return false, models.ProviderErrorf(err, "postgres: ping")
	}
	return true, nil
}

func (s *postgresSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result, 50)
	go func() {
		defer close(out)
		defer s.pool.Close()

		tables := s.tables
		if len(tables) == 0 {
			var err error
			tables, err = s.listTables(ctx)
			if err != nil {
				out <- source.Result{Err: err}
				return
			}
		}
		cursorField := cursor.Field
		if cursorField == "" {
			cursorField = s.DefaultCursorField()
		}
		for _, table := range tables {
			if err := s.streamTable(ctx, table, cursorField, cursor, out); err != nil {
				out <- source.Result{Err: err}
				return
			}
		}
	}()
	return out
}

func (s *postgresSource) listTables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, s.schema)
	if err != nil {
		return nil, models.ProviderErrorf(err, "postgres: list tables")
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (s *postgresSource) hasColumn(ctx context.Context, table, column string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2 AND column_name = $3`,
		s.schema, table, column).Scan(&n)
	return n > 0, err
}

func (s *postgresSource) streamTable(ctx context.Context, table, cursorField string, cursor *models.SyncCursor, out chan<- source.Result) error {
	incremental, err := s.hasColumn(ctx, table, cursorField)
	if err != nil {
		return err
	}

	ident := pgx.Identifier{s.schema, table}.Sanitize()
	query := "SELECT * FROM " + ident
	var args []any
	watermark, _ := cursor.Data[table].(string)
	if incremental && watermark != "" {
		query += fmt.Sprintf(" WHERE %s > $1", pgx.Identifier{cursorField}.Sanitize())
		args = append(args, watermark)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return models.ProviderErrorf(err, "postgres: query %s", table)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	maxSeen := watermark
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		rec := make(map[string]any, len(fields))
		for i, fd := range fields {
			rec[string(fd.Name)] = values[i]
		}

		e := &models.Entity{
			EntityID: rowEntityID(table, rec),
			Name:     table + " row",
			Kind:     models.EntityKindRow,
			Row: &models.RowAttrs{
				Schema: s.schema,
				Table:  table,
				Values: rec,
			},
		}
		if incremental {
			if ts, ok := rec[cursorField].(time.Time); ok {
				formatted := ts.UTC().Format(time.RFC3339Nano)
				if formatted > maxSeen {
					maxSeen = formatted
				}
				e.UpdatedAt = timePtr(ts)
			}
		}
		select {
		case out <- source.Result{Entity: e}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if maxSeen != "" && maxSeen != watermark {
		cursor.Update(map[string]any{table: maxSeen})
	}
	return nil
}

// rowEntityID prefers the row's id column; rows without one get a stable
// digest of their values.
func rowEntityID(table string, rec map[string]any) string {
	if id, ok := rec["id"]; ok && id != nil {
		return fmt.Sprintf("%s:%v", table, id)
	}
	b, _ := json.Marshal(rec)
	sum := sha256.Sum256(b)
	return table + ":" + hex.EncodeToString(sum[:8])
}
