package caremethod

import (
	"context"
)

type Repository interface {
	// GetByKey loads a dynamically configured method, including its bands
	// and question keys. Returns pgx.ErrNoRows when the key is unknown.
	GetByKey(ctx context.Context, key string) (*CareMethod, error)
	List(ctx context.Context, limit, offset int) ([]*CareMethod, int, error)
}
