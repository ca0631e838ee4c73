package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDContext(t *testing.T) {
	t.Run("round-trips through context", func(t *testing.T) {
		ctx := WithRequestID(context.Background(), "req-123")
		assert.Equal(t, "req-123", RequestIDFromContext(ctx))
	})

	t.Run("missing value returns empty string", func(t *testing.T) {
		assert.Equal(t, "", RequestIDFromContext(context.Background()))
	})
}

func TestOrderIDContext(t *testing.T) {
	t.Run("round-trips through context", func(t *testing.T) {
		ctx := WithOrderID(context.Background(), "order-1")
		assert.Equal(t, "order-1", OrderIDFromContext(ctx))
	})

	t.Run("missing value returns empty string", func(t *testing.T) {
		assert.Equal(t, "", OrderIDFromContext(context.Background()))
	})

	t.Run("keys do not collide", func(t *testing.T) {
		ctx := WithRequestID(context.Background(), "req-1")
		ctx = WithOrderID(ctx, "order-1")
		assert.Equal(t, "req-1", RequestIDFromContext(ctx))
		assert.Equal(t, "order-1", OrderIDFromContext(ctx))
	})
}
