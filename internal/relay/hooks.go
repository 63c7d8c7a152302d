package relay

import "github.com/drblury/orderrelay/internal/order"

// Hooks are optional callbacks invoked after a delivery is settled. Nil
// hooks are skipped. They run on the delivery worker, so keep them short.
type Hooks struct {
	// OnCompleted receives the forwarded order and the correlation id of
	// the output message.
	OnCompleted func(o order.Order, correlationID string)
	// OnAbandoned is called when the input message goes back for redelivery.
	OnAbandoned func(payload string, err error)
	// OnDeadLettered is called for payloads that can never be decoded.
	OnDeadLettered func(payload string, err error)
}

// AlertingHooks calls alert for every dead lettered payload.
func AlertingHooks(alert func(payload string, err error)) Hooks {
	return Hooks{OnDeadLettered: alert}
}
