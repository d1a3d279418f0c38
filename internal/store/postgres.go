package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres backs the shared table with a single wallst.entities relation.
// Conditional inserts implement Create, a version column implements Update,
// and a (gsi1_pk, gsi1_sk) pair implements the secondary index.
type Postgres struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func NewPostgres(db *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, log: logger}
}

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS wallst;
CREATE TABLE IF NOT EXISTS wallst.entities (
	pk         text NOT NULL,
	sk         text NOT NULL,
	kind       text NOT NULL,
	gsi1_pk    text,
	gsi1_sk    text,
	version    bigint NOT NULL DEFAULT 1,
	payload    jsonb NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (pk, sk)
);
CREATE INDEX IF NOT EXISTS entities_gsi1 ON wallst.entities (gsi1_pk, gsi1_sk) WHERE gsi1_pk IS NOT NULL;
`

// EnsureSchema creates the table and index if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func indexColumns(e Entity) (pk, sk *string) {
	key, ok := e.IndexKey()
	if !ok {
		return nil, nil
	}
	return &key.Partition, &key.Sort
}

func (p *Postgres) Put(ctx context.Context, e Entity) error {
	payload, err := encodeEntity(e)
	if err != nil {
		return err
	}
	key := e.PrimaryKey()
	gsiPK, gsiSK := indexColumns(e)
	_, err = p.db.Exec(ctx, `
		INSERT INTO wallst.entities (pk, sk, kind, gsi1_pk, gsi1_sk, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pk, sk) DO UPDATE
		SET kind = $3, gsi1_pk = $4, gsi1_sk = $5, payload = $6,
		    version = wallst.entities.version + 1, updated_at = now()
	`, key.Partition, key.Sort, string(e.EntityKind()), gsiPK, gsiSK, payload)
	if err != nil {
		return fmt.Errorf("put %s %s/%s: %w", e.EntityKind(), key.Partition, key.Sort, err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, e Entity) error {
	payload, err := encodeEntity(e)
	if err != nil {
		return err
	}
	key := e.PrimaryKey()
	gsiPK, gsiSK := indexColumns(e)
	cmd, err := p.db.Exec(ctx, `
		INSERT INTO wallst.entities (pk, sk, kind, gsi1_pk, gsi1_sk, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pk, sk) DO NOTHING
	`, key.Partition, key.Sort, string(e.EntityKind()), gsiPK, gsiSK, payload)
	if err != nil {
		return fmt.Errorf("create %s %s/%s: %w", e.EntityKind(), key.Partition, key.Sort, err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", key.Partition, key.Sort, ErrConflict)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key Key) (Record, error) {
	rec := Record{Key: key}
	var kind string
	var payload []byte
	err := p.db.QueryRow(ctx, `
		SELECT kind, version, payload, created_at, updated_at
		FROM wallst.entities
		WHERE pk = $1 AND sk = $2
	`, key.Partition, key.Sort).Scan(&kind, &rec.Version, &payload, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, fmt.Errorf("%s/%s: %w", key.Partition, key.Sort, ErrNotFound)
		}
		return rec, fmt.Errorf("get %s/%s: %w", key.Partition, key.Sort, err)
	}
	rec.Kind = Kind(kind)
	rec.Entity, err = decodeEntity(rec.Kind, payload)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

func (p *Postgres) Update(ctx context.Context, e Entity, expectedVersion int64) error {
	payload, err := encodeEntity(e)
	if err != nil {
		return err
	}
	key := e.PrimaryKey()
	gsiPK, gsiSK := indexColumns(e)
	cmd, err := p.db.Exec(ctx, `
		UPDATE wallst.entities
		SET kind = $3, gsi1_pk = $4, gsi1_sk = $5, payload = $6,
		    version = version + 1, updated_at = now()
		WHERE pk = $1 AND sk = $2 AND version = $7
	`, key.Partition, key.Sort, string(e.EntityKind()), gsiPK, gsiSK, payload, expectedVersion)
	if err != nil {
		return fmt.Errorf("update %s %s/%s: %w", e.EntityKind(), key.Partition, key.Sort, err)
	}
	if cmd.RowsAffected() == 0 {
		// Absent rows surface the same way; the retry loop's fresh read
		// distinguishes them.
		return fmt.Errorf("%s/%s: %w", key.Partition, key.Sort, ErrVersionConflict)
	}
	return nil
}

func (p *Postgres) Query(ctx context.Context, q Query) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		sql, args := buildQuerySQL(q)
		rows, err := p.db.Query(ctx, sql, args...)
		if err != nil {
			yield(Record{}, fmt.Errorf("query %s: %w", q.Partition, err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var rec Record
			var kind string
			var payload []byte
			if err := rows.Scan(&rec.Key.Partition, &rec.Key.Sort, &kind, &rec.Version, &payload, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
				yield(Record{}, fmt.Errorf("scan %s: %w", q.Partition, err))
				return
			}
			rec.Kind = Kind(kind)
			rec.Entity, err = decodeEntity(rec.Kind, payload)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, fmt.Errorf("query %s: %w", q.Partition, err))
		}
	}
}

func buildQuerySQL(q Query) (string, []any) {
	pkCol, skCol := "pk", "sk"
	if q.Index {
		pkCol, skCol = "gsi1_pk", "gsi1_sk"
	}

	var b strings.Builder
	args := []any{q.Partition}
	fmt.Fprintf(&b, `
		SELECT pk, sk, kind, version, payload, created_at, updated_at
		FROM wallst.entities
		WHERE %s = $1`, pkCol)

	switch {
	case q.SortPrefix != "":
		args = append(args, escapeLike(q.SortPrefix)+"%")
		fmt.Fprintf(&b, " AND %s LIKE $%d", skCol, len(args))
	default:
		if q.SortFrom != "" {
			args = append(args, q.SortFrom)
			fmt.Fprintf(&b, " AND %s >= $%d", skCol, len(args))
		}
		if q.SortTo != "" {
			args = append(args, q.SortTo)
			fmt.Fprintf(&b, " AND %s <= $%d", skCol, len(args))
		}
	}

	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s", skCol, dir)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
