package caremethod

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leitos/leitos/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) GetByKey(ctx context.Context, key string) (*CareMethod, error) {
	var m CareMethod
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, key, name, created_at FROM care_method WHERE key = $1`, key).
		Scan(&m.ID, &m.Key, &m.Name, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT score_min, score_max, classification
		FROM care_method_band WHERE method_id = $1 ORDER BY score_min`, m.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var b ScoreBand
		if err := rows.Scan(&b.Min, &b.Max, &b.Classification); err != nil {
			return nil, err
		}
		m.Bands = append(m.Bands, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	qrows, err := r.conn(ctx).Query(ctx, `
		SELECT question_key FROM care_method_question WHERE method_id = $1 ORDER BY sort_order`, m.ID)
	if err != nil {
		return nil, err
	}
	defer qrows.Close()
	for qrows.Next() {
		var k string
		if err := qrows.Scan(&k); err != nil {
			return nil, err
		}
		m.QuestionKeys = append(m.QuestionKeys, k)
	}
	if err := qrows.Err(); err != nil {
		return nil, err
	}

	return &m, nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*CareMethod, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM care_method`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, key, name, created_at FROM care_method ORDER BY key LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*CareMethod
	for rows.Next() {
		var m CareMethod
		if err := rows.Scan(&m.ID, &m.Key, &m.Name, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &m)
	}
	return items, total, nil
}
