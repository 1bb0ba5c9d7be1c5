package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maumercado/credqueue/internal/coordinator"
	"github.com/maumercado/credqueue/internal/events"
	"github.com/maumercado/credqueue/internal/logger"
	"github.com/maumercado/credqueue/internal/metrics"
	"github.com/maumercado/credqueue/internal/oauth"
	"github.com/maumercado/credqueue/internal/task"
)

// CredentialedHandler is a TaskHandler that additionally needs a fresh
// oauth.Token to do its work.
type CredentialedHandler func(ctx context.Context, t *task.Task, tok oauth.Token) (map[string]interface{}, error)

// Credentialed wraps a CredentialedHandler so it runs under a
// coordinator.Coordinator, gaining single-flight token refresh, FIFO waiter
// resumption, and transparent retry on staleness. staleLeeway controls how
// far ahead of actual expiry the token is treated as unusable. publisher may
// be nil, in which case credential events are simply not emitted. The
// returned TaskHandler is what gets registered with an Executor.
func Credentialed(c *coordinator.Coordinator[oauth.Token, map[string]interface{}], staleLeeway time.Duration, publisher events.Publisher, handler CredentialedHandler) TaskHandler {
	return func(ctx context.Context, t *task.Task) (map[string]interface{}, error) {
		run := func(taskCtx context.Context, tok oauth.Token) coordinator.TaskOutcome[map[string]interface{}] {
			if tok.Stale(time.Now(), staleLeeway) {
				return coordinator.RefreshRequired[map[string]interface{}]()
			}

			result, err := handler(taskCtx, t, tok)
			if err != nil {
				if taskCtx.Err() != nil {
					return coordinator.TaskCancelled[map[string]interface{}]()
				}
				return coordinator.TaskFailure[map[string]interface{}](err)
			}
			return coordinator.TaskSuccess(result)
		}

		before := c.Version()
		final := c.Run(ctx, run)
		reportCredentialedOutcome(ctx, c, t, publisher, before, final)

		switch final.Kind {
		case coordinator.FinalSuccess:
			return final.Value, nil
		case coordinator.FinalCancelled:
			return nil, context.Canceled
		default:
			if errors.Is(final.Err, oauth.ErrTokenEndpointUnreachable) {
				return nil, fmt.Errorf("%w: %v", task.ErrDependencyUnavailable, final.Err)
			}
			return nil, final.Err
		}
	}
}

// reportCredentialedOutcome updates coordinator metrics and publishes
// credential events for dashboards and WebSocket subscribers. A refreshed
// event is sent whenever the dependency version rose during this call, which
// can also count a refresh driven by an unrelated concurrent call. A
// refresh_failed event is sent only when this call inherited a failed
// refresh (Origin false); a failed refresh this call drove itself is neither
// published nor counted here.
func reportCredentialedOutcome(ctx context.Context, c *coordinator.Coordinator[oauth.Token, map[string]interface{}], t *task.Task, publisher events.Publisher, versionBefore uint64, final coordinator.FinalOutcome[map[string]interface{}]) {
	status := c.Snapshot()
	metrics.SetCoordinatorWaitersParked(float64(status.WaitersParked))
	metrics.SetCoordinatorVersion(float64(status.Version))

	log := logger.WithTask(t.ID)

	switch {
	case status.Version > versionBefore:
		metrics.RecordCoordinatorRefresh("success", 0)
		log.Info().Uint64("dependency_version", status.Version).Msg("credential refresh observed")
		publishCredentialEvent(ctx, publisher, events.EventCredentialRefreshed, status.Version, map[string]interface{}{
			"task_id": t.ID,
		})

	case final.Kind == coordinator.FinalFailure && !final.Origin:
		metrics.RecordCoordinatorRefresh("failure", 0)
		log.Warn().
			Err(final.Err).
			Uint64("dependency_version", status.Version).
			Msg("task failed due to inherited credential refresh failure")
		publishCredentialEvent(ctx, publisher, events.EventCredentialRefreshFailed, status.Version, map[string]interface{}{
			"task_id": t.ID,
			"error":   final.Err.Error(),
		})
	}
}

func publishCredentialEvent(ctx context.Context, publisher events.Publisher, eventType events.EventType, version uint64, extra map[string]interface{}) {
	if publisher == nil {
		return
	}
	evt := events.NewEvent(eventType, events.CredentialEventData("oauth-token", version, extra))
	if err := publisher.Publish(ctx, evt); err != nil {
		logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish credential event")
	}
}
