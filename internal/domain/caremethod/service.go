package caremethod

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ErrUnknownMethod is returned when a method key has neither a dynamic
// configuration nor a static fallback table.
var ErrUnknownMethod = errors.New("unknown care method")

// Resolver resolves a method key to its configuration. Implemented by
// Service; consumers depend on this interface so tests can stub it.
type Resolver interface {
	Resolve(ctx context.Context, key string) (*CareMethod, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Resolve returns the dynamically configured method for key, falling back
// to the static band tables for legacy keys. Keys are case-insensitive.
func (s *Service) Resolve(ctx context.Context, key string) (*CareMethod, error) {
	norm := strings.ToUpper(strings.TrimSpace(key))
	if norm == "" {
		return nil, fmt.Errorf("%w: empty key", ErrUnknownMethod)
	}

	if s.repo != nil {
		m, err := s.repo.GetByKey(ctx, norm)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}

	if m, ok := Fallback(norm); ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, key)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*CareMethod, int, error) {
	return s.repo.List(ctx, limit, offset)
}
