package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/infra"
)

func TestRedisAlerter_PublishesJSON(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, infra.RedisChanAlerts)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	a := NewRedisAlerter(rdb, 60, zap.NewNop())
	sent, err := a.Send(ctx, Alert{
		Type:     domain.DirectiveAlertOps,
		Target:   "t1",
		Severity: domain.SeverityHigh,
		Reason:   "quota exceeded (usage 120%)",
	})
	require.NoError(t, err)
	require.True(t, sent)

	select {
	case msg := <-sub.Channel():
		var got Alert
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "t1", got.Target)
		assert.Equal(t, domain.SeverityHigh, got.Severity)
		assert.False(t, got.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("alert not published")
	}
}

func TestRedisAlerter_RateLimited(t *testing.T) {
	rdb, _ := newRedis(t)
	a := NewRedisAlerter(rdb, 2, zap.NewNop())

	dropped := 0
	a.OnDrop(func() { dropped++ })

	var sent int
	for range 5 {
		ok, err := a.Send(context.Background(), Alert{Type: domain.DirectiveAlertOps, Reason: "x"})
		require.NoError(t, err)
		if ok {
			sent++
		}
	}
	assert.Equal(t, 2, sent)
	assert.Equal(t, 3, dropped)
}
