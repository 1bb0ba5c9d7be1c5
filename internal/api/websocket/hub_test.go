package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maumercado/credqueue/internal/events"
)

func TestHub_CredentialEventsBroadcast(t *testing.T) {
	h := NewHub(nil)

	assert.EqualValues(t, 0, h.CredentialEventsBroadcast())

	h.broadcastEvent(events.NewEvent(events.EventCredentialRefreshed, nil))
	h.broadcastEvent(events.NewEvent(events.EventCredentialRefreshFailed, nil))
	h.broadcastEvent(events.NewEvent(events.EventTaskCompleted, nil))

	assert.EqualValues(t, 2, h.CredentialEventsBroadcast())
}
