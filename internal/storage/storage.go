package storage

import (
	"context"
	"errors"

	"vaultKeeper/internal/model"
)

// Storage defines a sink for executor attempts and vault valuations.
type Storage interface {
	PutAttempts(ctx context.Context, records []model.AttemptRecord) error
	PutNav(ctx context.Context, records []model.NavRecord) error
}

// Multi fans writes out to every sink and joins their errors.
type Multi []Storage

func (m Multi) PutAttempts(ctx context.Context, records []model.AttemptRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.PutAttempts(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PutNav(ctx context.Context, records []model.NavRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.PutNav(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
