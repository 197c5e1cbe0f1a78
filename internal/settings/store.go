// Package settings persists named parameter sets for the stimulation engine.
package settings

import (
	"context"
	"errors"

	"rrcstim/internal/model"
)

var ErrNotFound = errors.New("settings not found")

// Store persists settings records keyed by name.
type Store interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, record model.SettingsRecord) error
	Load(ctx context.Context, name string) (model.SettingsRecord, bool, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}
