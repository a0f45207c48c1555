package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/internal/reliability"
	"github.com/ledfleet/eventcore/routing"
)

// OpsAlerter publishes dead-letter alerts to the operator topic and logs
// them as well, so alerts survive when no operator is connected
type OpsAlerter struct {
	dispatcher *Dispatcher
	log        reliability.LogAlerter
}

// NewOpsAlerter creates an alerter publishing through dispatcher
func NewOpsAlerter(dispatcher *Dispatcher, logger *slog.Logger) *OpsAlerter {
	return &OpsAlerter{
		dispatcher: dispatcher,
		log:        reliability.LogAlerter{Logger: logger},
	}
}

// Alert implements reliability.Alerter
func (a *OpsAlerter) Alert(ctx context.Context, alert reliability.Alert) error {
	_ = a.log.Alert(ctx, alert)

	env := contracts.NewEnvelope(contracts.MessageAlert)
	env.SubType = "DEAD_LETTER"
	env.Category = alert.Category
	env.Target = routing.ToTopic(routing.OpsAlerts)
	env.Message = alert.Message
	env.Source = contracts.Source{Service: "eventcore", ResourceType: "queue", ResourceID: alert.Queue}
	env.Delivery.Priority = contracts.PriorityHigh
	if alert.Severity == reliability.SeverityCritical {
		env.Delivery.Priority = contracts.PriorityCritical
	}
	env.Payload = map[string]interface{}{
		"eventId":    alert.EventID,
		"eventType":  alert.EventType,
		"severity":   alert.Severity,
		"retryCount": alert.RetryCount,
		"lastError":  alert.LastError,
		"raisedAt":   alert.RaisedAt,
	}
	if alert.OrgID != nil {
		env.Payload["orgId"] = *alert.OrgID
	}

	if _, err := a.dispatcher.Dispatch(ctx, env); err != nil {
		return fmt.Errorf("publish ops alert for %s: %w", alert.EventID, err)
	}
	return nil
}
