package repository

import "context"

type Repository[T any] interface {
	GetByID(ctx context.Context, id string) (*T, error)
	DeleteByID(ctx context.Context, id string) error
}
