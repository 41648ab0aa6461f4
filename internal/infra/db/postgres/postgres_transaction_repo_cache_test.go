//go:build !integration

package postgres

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-agents/internal/config"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/infra/db/memory"
	"studio-agents/internal/infra/logging"
	red "studio-agents/internal/infra/redis"
)

func TestTransactionRepoCacheDecorator(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client, err := red.NewClient(ctx, &config.RedisConfig{URL: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	inner := memory.NewTransactionRepo()
	repo := NewTransactionRepoCacheDecorator(inner, client, 0, logging.Nop())

	root, err := model.NewTransaction("root", "", "", model.Envelope{UserID: "u", ServiceID: "s"})
	require.NoError(t, err)
	_, err = repo.Insert(ctx, nil, root)
	require.NoError(t, err)

	t.Run("should not cache open rows", func(t *testing.T) {
		_, err := repo.GetByID(ctx, nil, "root")
		require.NoError(t, err)
		assert.False(t, mr.Exists(cacheKey("root")))
	})

	t.Run("should cache rows once terminal", func(t *testing.T) {
		_, applied, err := repo.UpdateIfNotTerminal(ctx, "root", model.Completed(model.Payload{"raw": "x"}, nil, nil))
		require.NoError(t, err)
		require.True(t, applied)
		assert.True(t, mr.Exists(cacheKey("root")))

		got, err := repo.GetByID(ctx, nil, "root")
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status)
		assert.Equal(t, "x", got.ResultPayload["raw"])
	})
}
