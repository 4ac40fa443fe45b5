package amqp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bilancio/internal/core"
)

// EventMessage carries one domain event. Exactly one of Transaction and
// Installment is set, matching the prefix of Kind.
type EventMessage struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Timestamp   time.Time         `json:"timestamp"`
	Transaction *core.Transaction `json:"transaction,omitempty"`
	Installment *core.Installment `json:"installment,omitempty"`
}

// NewTransactionEvent wraps tx in a message of the given kind
func NewTransactionEvent(kind string, tx core.Transaction) *EventMessage {
	return &EventMessage{
		ID:          uuid.NewString(),
		Kind:        kind,
		Timestamp:   time.Now().UTC(),
		Transaction: &tx,
	}
}

// NewInstallmentEvent wraps in in a message of the given kind
func NewInstallmentEvent(kind string, in core.Installment) *EventMessage {
	return &EventMessage{
		ID:          uuid.NewString(),
		Kind:        kind,
		Timestamp:   time.Now().UTC(),
		Installment: &in,
	}
}

// ToJSON converts the message to JSON bytes
func (m *EventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// EventMessageFromJSON decodes and checks a message body
func EventMessageFromJSON(data []byte) (*EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Kind == "" {
		return nil, fmt.Errorf("event without kind")
	}
	switch {
	case strings.HasPrefix(msg.Kind, "transaction.") && msg.Transaction == nil:
		return nil, fmt.Errorf("%s event without transaction payload", msg.Kind)
	case strings.HasPrefix(msg.Kind, "installment.") && msg.Installment == nil:
		return nil, fmt.Errorf("%s event without installment payload", msg.Kind)
	}
	return &msg, nil
}
