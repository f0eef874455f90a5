package entities

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type noopRepo struct{}

func (noopRepo) FindByID(ctx context.Context, tenantID, id uuid.UUID) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (noopRepo) UpdateField(ctx context.Context, tenantID, id uuid.UUID, field string, value interface{}) error {
	return nil
}

func TestRegistryResolvesRegisteredTypes(t *testing.T) {
	r := NewRegistry()
	r.Register("ticket", noopRepo{})
	r.Register("invoice", noopRepo{})

	repo, err := r.Resolve("ticket")
	require.NoError(t, err)
	require.NotNil(t, repo)

	require.ElementsMatch(t, []string{"ticket", "invoice"}, r.Types())
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	r := NewRegistry()

	_, err := r.Resolve("spaceship")
	require.Error(t, err)
	require.Contains(t, err.Error(), "spaceship")
}
