package persistence

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// selectQuery assembles a filtered SELECT. Conditions use ? placeholders,
// rewritten to $n in argument order.
type selectQuery struct {
	base   string
	conds  []string
	suffix string
	args   []any
}

func newQuery(base string) *selectQuery {
	return &selectQuery{base: base}
}

func (q *selectQuery) where(cond string, args ...any) {
	q.conds = append(q.conds, q.bind(cond, len(args)))
	q.args = append(q.args, args...)
}

func (q *selectQuery) tail(s string, args ...any) {
	q.suffix = q.bind(s, len(args))
	q.args = append(q.args, args...)
}

func (q *selectQuery) bind(s string, n int) string {
	next := len(q.args)
	for i := 0; i < n; i++ {
		next++
		s = strings.Replace(s, "?", "$"+strconv.Itoa(next), 1)
	}
	return s
}

func (q *selectQuery) sql() string {
	var b strings.Builder
	b.WriteString(q.base)
	if len(q.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conds, " AND "))
	}
	if q.suffix != "" {
		b.WriteString(" ")
		b.WriteString(q.suffix)
	}
	return b.String()
}

func queryAll[T any](ctx context.Context, tx *sql.Tx, q *selectQuery, scan func(rowScanner) (*T, error)) ([]T, error) {
	rows, err := tx.QueryContext(ctx, q.sql(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func hasConfirmation(ctx context.Context, q queryer, eventType, key string) (bool, error) {
	var exists int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM market.confirmation_log WHERE event_type = $1 AND idempotency_key = $2 LIMIT 1`,
		eventType, key,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
