package messaging

import (
	"context"
	"testing"

	"github.com/ledfleet/eventcore/connections"
	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/internal/reliability"
	"github.com/ledfleet/eventcore/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpsAlerter(t *testing.T) {
	registry := connections.NewRegistry()
	operator := &recordingSender{}
	conn := registry.ConnectIdentity(connections.Identity{UserID: 99, OrgID: 1, Operator: true}, operator)
	require.NoError(t, registry.Subscribe(conn, routing.OpsAlerts))

	tenant := &recordingSender{}
	member := registry.Connect(5, 7, tenant)
	require.ErrorIs(t, registry.Subscribe(member, routing.OpsAlerts), connections.ErrTopicForbidden)

	alerter := NewOpsAlerter(NewDispatcher(registry), nil)

	err := alerter.Alert(context.Background(), reliability.Alert{
		EventID:   "evt-9",
		Queue:     "led.payment",
		Category:  reliability.CategoryPayment,
		EventType: "PAYMENT_FAILED",
		Severity:  reliability.SeverityCritical,
		OrgID:     contracts.Int64(7),
		Message:   "payment event dead-lettered",
	})
	require.NoError(t, err)

	require.Equal(t, 1, operator.count())
	env := operator.frames[0].Envelope
	require.NotNil(t, env)
	assert.Equal(t, contracts.MessageAlert, env.Type)
	assert.Equal(t, contracts.PriorityCritical, env.Delivery.Priority)
	assert.Equal(t, "evt-9", env.Payload["eventId"])
	assert.Equal(t, int64(7), env.Payload["orgId"])
	assert.Equal(t, 0, tenant.count())
}
