package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

var (
	errMissingKey  = errors.New("record has no unique identifier")
	errUnconfirmed = errors.New("record neither inserted nor present after insert")
)

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

// Collection is one tier table.
type Collection struct {
	tier  models.Tier
	table string
	pool  *pgxpool.Pool
}

func (c *Collection) Tier() models.Tier {
	return c.tier
}

// InsertMany writes all rows in one unnest statement with ON CONFLICT DO
// NOTHING. When a row makes the statement fail, rows are retried one at a
// time so only the offending row is reported.
func (c *Collection) InsertMany(ctx context.Context, records []*models.Record) (*store.BulkResult, error) {
	res := &store.BulkResult{}

	rows := make([]row, 0, len(records))
	for _, r := range records {
		if r == nil || r.UniqueIdentifier == "" {
			res.Failed = append(res.Failed, &models.ItemError{Err: errMissingKey})
			continue
		}
		rw, err := toRow(r)
		if err != nil {
			res.Failed = append(res.Failed, &models.ItemError{Key: r.UniqueIdentifier, Err: err})
			continue
		}
		rows = append(rows, rw)
	}
	if len(rows) == 0 {
		return res, nil
	}

	inserted, err := c.insertBulk(ctx, rows)
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return nil, fmt.Errorf("failed to insert into %s: %w", c.table, err)
		}
		c.insertEach(ctx, rows, res)
		return res, nil
	}

	if err := c.confirm(ctx, rows, inserted, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Collection) insertBulk(ctx context.Context, rows []row) (map[string]bool, error) {
	result, err := c.pool.Query(ctx, bulkInsertSQL(c.table), bulkArgs(rows)...)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	inserted := make(map[string]bool, len(rows))
	for result.Next() {
		var key string
		if err := result.Scan(&key); err != nil {
			return nil, err
		}
		inserted[key] = true
	}
	return inserted, result.Err()
}

func (c *Collection) insertEach(ctx context.Context, rows []row, res *store.BulkResult) {
	query := singleInsertSQL(c.table)
	for _, rw := range rows {
		var key string
		err := c.pool.QueryRow(ctx, query, rw.args()...).Scan(&key)
		switch {
		case err == nil:
			res.Inserted = append(res.Inserted, key)
		case errors.Is(err, pgx.ErrNoRows), isUniqueViolation(err):
			res.Existing = append(res.Existing, rw.uid)
		default:
			res.Failed = append(res.Failed, &models.ItemError{Key: rw.uid, Err: err})
		}
	}
}

// confirm classifies rows the bulk statement did not return: present rows
// are Existing, the rest Failed.
func (c *Collection) confirm(ctx context.Context, rows []row, inserted map[string]bool, res *store.BulkResult) error {
	var missing []string
	reported := make(map[string]bool, len(rows))
	for _, rw := range rows {
		if inserted[rw.uid] && !reported[rw.uid] {
			res.Inserted = append(res.Inserted, rw.uid)
			reported[rw.uid] = true
			continue
		}
		missing = append(missing, rw.uid)
	}
	if len(missing) == 0 {
		return nil
	}

	present, err := c.present(ctx, missing)
	if err != nil {
		return fmt.Errorf("failed to confirm presence in %s: %w", c.table, err)
	}
	for _, key := range missing {
		if present[key] {
			res.Existing = append(res.Existing, key)
		} else {
			res.Failed = append(res.Failed, &models.ItemError{Key: key, Err: errUnconfirmed})
		}
	}
	return nil
}

func (c *Collection) present(ctx context.Context, keys []string) (map[string]bool, error) {
	query := fmt.Sprintf(`SELECT unique_identifier FROM %s WHERE unique_identifier = ANY($1)`, c.table)
	rows, err := c.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool, len(keys))
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out[key] = true
	}
	return out, rows.Err()
}

func (c *Collection) DeleteKeys(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE unique_identifier = ANY($1)`, c.table)
	tag, err := c.pool.Exec(ctx, query, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", c.table, err)
	}
	return tag.RowsAffected(), nil
}

// Scan pages through matching rows in (ts, id) keyset order so rows deleted
// by fn do not shift later pages.
func (c *Collection) Scan(ctx context.Context, cutoff time.Time, batchSize int, fn func([]*models.Record) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE ts <= $1 AND (ts, id) > ($2, $3)
		ORDER BY ts, id
		LIMIT $4
	`, selectColumns, c.table)

	var lastTS time.Time
	var lastID int64
	for {
		batch, err := c.query(ctx, query, cutoff.UTC(), lastTS, lastID, batchSize)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", c.table, err)
		}
		if len(batch) == 0 {
			return nil
		}
		last := batch[len(batch)-1]
		lastTS, lastID = last.Timestamp, last.Seq

		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}

func (c *Collection) Find(ctx context.Context, opts models.FindOptions) ([]*models.Record, error) {
	w := &whereBuilder{}
	w.filter(opts.Filter)
	if opts.After != nil {
		w.add("(ts, unique_identifier) < (?, ?)", opts.After.Timestamp.UTC(), opts.After.UniqueIdentifier)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY ts DESC, unique_identifier DESC`,
		selectColumns, c.table, w.sql())
	if opts.Limit > 0 {
		query += " LIMIT " + w.nextArg(opts.Limit)
	}

	out, err := c.query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.table, err)
	}
	return out, nil
}

func (c *Collection) query(ctx context.Context, query string, args ...any) ([]*models.Record, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *Collection) Count(ctx context.Context, f models.Filter) (int64, error) {
	w := &whereBuilder{}
	w.filter(f)

	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, c.table, w.sql())
	if err := c.pool.QueryRow(ctx, query, w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.table, err)
	}
	return n, nil
}

func (c *Collection) LevelCounts(ctx context.Context, f models.Filter) (map[string]int64, error) {
	w := &whereBuilder{}
	w.filter(f)

	query := fmt.Sprintf(`SELECT rule_level, COUNT(*) FROM %s%s GROUP BY rule_level`, c.table, w.sql())
	rows, err := c.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", c.table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("failed to scan level count: %w", err)
		}
		out[level] = n
	}
	return out, rows.Err()
}

func (c *Collection) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE ts <= $1`, c.table)
	tag, err := c.pool.Exec(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s: %w", c.table, err)
	}
	return tag.RowsAffected(), nil
}

func (c *Collection) DuplicateGroups(ctx context.Context) ([]store.DuplicateGroup, error) {
	query := fmt.Sprintf(`
		SELECT native_id, unique_identifier, COALESCE(original_created_at, created_at), id
		FROM %[1]s
		WHERE native_id IN (
			SELECT native_id FROM %[1]s
			WHERE native_id IS NOT NULL
			GROUP BY native_id
			HAVING COUNT(*) > 1
		)
		ORDER BY native_id, 3, id
	`, c.table)

	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicates in %s: %w", c.table, err)
	}
	defer rows.Close()

	groups := make([]store.DuplicateGroup, 0)
	for rows.Next() {
		var nativeID string
		var m store.Member
		if err := rows.Scan(&nativeID, &m.Key, &m.ArrivedAt, &m.Seq); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate member: %w", err)
		}
		m.ArrivedAt = m.ArrivedAt.UTC()
		if n := len(groups); n == 0 || groups[n-1].NativeID != nativeID {
			groups = append(groups, store.DuplicateGroup{NativeID: nativeID})
		}
		g := &groups[len(groups)-1]
		g.Members = append(g.Members, m)
	}
	return groups, rows.Err()
}

func (c *Collection) UpdateLevel(ctx context.Context, from, to string) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET rule_level = $2, updated_at = NOW() WHERE LOWER(rule_level) = LOWER($1)`, c.table)
	tag, err := c.pool.Exec(ctx, query, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to update levels in %s: %w", c.table, err)
	}
	return tag.RowsAffected(), nil
}

func (c *Collection) EnsureIndex(ctx context.Context, spec store.IndexSpec) error {
	query, err := indexSQL(c.table, spec)
	if err != nil {
		return err
	}
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create index %s on %s: %w", spec.Name, c.table, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
