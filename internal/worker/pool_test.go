package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/maumercado/credqueue/internal/coordinator"
	"github.com/maumercado/credqueue/internal/coordinator/coordtest"
	"github.com/maumercado/credqueue/internal/oauth"
	"github.com/maumercado/credqueue/internal/task"
)

// newTestPool builds a Pool with just enough state to exercise the
// credentialed-handler wiring. Constructing a real Pool requires a live
// Redis connection (see RedisQueue.NewRedisQueue), which these tests avoid.
func newTestPool() *Pool {
	return &Pool{
		id:       "test-pool",
		executor: NewExecutor(nil, task.DefaultRetryPolicy()),
	}
}

func TestPool_WithCredentials(t *testing.T) {
	p := newTestPool()
	refresh := coordtest.NewScriptedRefresh(0, coordinator.RefreshSuccess(freshToken()))
	c := coordinator.New[oauth.Token, map[string]interface{}](nil, refresh.Func())

	got := p.WithCredentials(c, nil)

	assert.Same(t, p, got)
	assert.Same(t, c, p.credentials)
	assert.Nil(t, p.publisher)
}

func TestPool_RegisterCredentialed_WithoutCoordinator(t *testing.T) {
	p := newTestPool()

	p.RegisterCredentialed("refresh-report", time.Minute, func(ctx context.Context, t *task.Task, tok oauth.Token) (map[string]interface{}, error) {
		return nil, nil
	})

	assert.False(t, p.executor.HasHandler("refresh-report"))
}

func TestPool_RegisterCredentialed_Wired(t *testing.T) {
	p := newTestPool()
	tok := freshToken()
	refresh := coordtest.NewScriptedRefresh(0, coordinator.RefreshSuccess(tok))
	c := coordinator.New[oauth.Token, map[string]interface{}](nil, refresh.Func())
	p.WithCredentials(c, nil)

	p.RegisterCredentialed("refresh-report", time.Minute, func(ctx context.Context, t *task.Task, got oauth.Token) (map[string]interface{}, error) {
		return map[string]interface{}{"access_token": got.AccessToken}, nil
	})

	assert.True(t, p.executor.HasHandler("refresh-report"))

	result, err := p.executor.Execute(context.Background(), task.New("refresh-report", nil, task.PriorityNormal))
	assert.NoError(t, err)
	assert.Equal(t, tok.AccessToken, result["access_token"])
}
