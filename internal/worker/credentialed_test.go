package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/credqueue/internal/coordinator"
	"github.com/maumercado/credqueue/internal/coordinator/coordtest"
	"github.com/maumercado/credqueue/internal/oauth"
	"github.com/maumercado/credqueue/internal/task"
)

func freshToken() oauth.Token {
	return oauth.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}
}

func TestCredentialed_HappyPath(t *testing.T) {
	tok := freshToken()
	refresh := coordtest.NewScriptedRefresh(0, coordinator.RefreshSuccess(tok))
	c := coordinator.New[oauth.Token, map[string]interface{}](nil, refresh.Func())

	handler := Credentialed(c, time.Minute, nil, func(ctx context.Context, tsk *task.Task, got oauth.Token) (map[string]interface{}, error) {
		assert.Equal(t, tok.AccessToken, got.AccessToken)
		return map[string]interface{}{"ok": true}, nil
	})

	testTask := task.New("call-api", nil, task.PriorityNormal)
	result, err := handler(context.Background(), testTask)

	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.EqualValues(t, 1, refresh.Calls())
}

func TestCredentialed_StaleTokenTriggersRefresh(t *testing.T) {
	stale := oauth.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Minute)}
	fresh := freshToken()
	refresh := coordtest.NewScriptedRefresh(0, coordinator.RefreshSuccess(fresh))
	c := coordinator.New[oauth.Token, map[string]interface{}](&stale, refresh.Func())

	var seen oauth.Token
	handler := Credentialed(c, time.Minute, nil, func(ctx context.Context, tsk *task.Task, got oauth.Token) (map[string]interface{}, error) {
		seen = got
		return map[string]interface{}{}, nil
	})

	_, err := handler(context.Background(), task.New("call-api", nil, task.PriorityNormal))

	require.NoError(t, err)
	assert.Equal(t, fresh.AccessToken, seen.AccessToken)
	assert.EqualValues(t, 1, refresh.Calls())
}

func TestCredentialed_HandlerErrorPropagates(t *testing.T) {
	tok := freshToken()
	refresh := coordtest.NewScriptedRefresh(0, coordinator.RefreshSuccess(tok))
	c := coordinator.New[oauth.Token, map[string]interface{}](nil, refresh.Func())

	wantErr := errors.New("upstream rejected request")
	handler := Credentialed(c, time.Minute, nil, func(ctx context.Context, tsk *task.Task, got oauth.Token) (map[string]interface{}, error) {
		return nil, wantErr
	})

	_, err := handler(context.Background(), task.New("call-api", nil, task.PriorityNormal))

	assert.ErrorIs(t, err, wantErr)
}

func TestCredentialed_RefreshFailurePropagates(t *testing.T) {
	refreshErr := errors.New("token endpoint down")
	refresh := coordtest.NewScriptedRefresh(0, coordinator.RefreshFailure[oauth.Token](refreshErr))
	c := coordinator.New[oauth.Token, map[string]interface{}](nil, refresh.Func())

	handler := Credentialed(c, time.Minute, nil, func(ctx context.Context, tsk *task.Task, got oauth.Token) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	_, err := handler(context.Background(), task.New("call-api", nil, task.PriorityNormal))

	assert.ErrorIs(t, err, refreshErr)
}

func TestCredentialed_TokenEndpointFailureWrapsDependencyUnavailable(t *testing.T) {
	refreshErr := fmt.Errorf("%w: dial tcp timeout", oauth.ErrTokenEndpointUnreachable)
	refresh := coordtest.NewScriptedRefresh(0, coordinator.RefreshFailure[oauth.Token](refreshErr))
	c := coordinator.New[oauth.Token, map[string]interface{}](nil, refresh.Func())

	handler := Credentialed(c, time.Minute, nil, func(ctx context.Context, tsk *task.Task, got oauth.Token) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	_, err := handler(context.Background(), task.New("call-upstream", nil, task.PriorityNormal))

	assert.ErrorIs(t, err, task.ErrDependencyUnavailable)
	assert.ErrorIs(t, err, oauth.ErrTokenEndpointUnreachable)
}

func TestCredentialed_CancelledContext(t *testing.T) {
	refresh := coordtest.NewScriptedRefresh(0, coordinator.RefreshSuccess(freshToken()))
	c := coordinator.New[oauth.Token, map[string]interface{}](nil, refresh.Func())

	handler := Credentialed(c, time.Minute, nil, func(ctx context.Context, tsk *task.Task, got oauth.Token) (map[string]interface{}, error) {
		t.Fatal("handler must not run when ctx is already cancelled")
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := handler(ctx, task.New("call-api", nil, task.PriorityNormal))

	assert.ErrorIs(t, err, context.Canceled)
}
