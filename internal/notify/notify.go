// Package notify publishes fire-and-forget notification requests for the
// chat/email front-ends. Delivery is best-effort: failures are logged and
// never reach the caller.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	kafkax "github.com/ariefcatur/go-fulfillment-engine/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

type Type string

const (
	TypeOrderStatus       Type = "order_status"
	TypePaymentSuccess    Type = "payment_success"
	TypeAutoCancel        Type = "auto_cancel"
	TypeDeliveryAssigned  Type = "delivery_assigned"
	TypeAdminNewOrder     Type = "admin_new_order"
	TypeAdminStatusUpdate Type = "admin_status_update"
	TypeDeliveryOffer     Type = "delivery_offer"
)

type Notification struct {
	Type   Type           `json:"type"`
	UserID string         `json:"userId"`
	Data   map[string]any `json:"data"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// KafkaNotifier wraps each notification in an Envelope and hands it to the
// async producer.
type KafkaNotifier struct {
	Producer *kafkax.Producer
	Service  string
}

func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) {
	ev := kafkax.Envelope{
		EventID:       uuid.NewString(),
		EventType:     string(n.Type),
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      k.Service,
		CorrelationID: n.UserID,
		Payload:       kafkax.MustMarshal(n),
	}
	ok := k.Producer.Publish([]byte(n.UserID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: kafkax.HeaderEventType, Value: []byte(n.Type)},
		kafkago.Header{Key: kafkax.HeaderEventVersion, Value: []byte("1")},
	)
	if !ok {
		log.Printf("notify: dropped %s for user=%s", n.Type, n.UserID)
	}
}

// LogNotifier only logs. Used when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) {
	log.Printf("notify: %s user=%s data=%v", n.Type, n.UserID, n.Data)
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Count returns how many notifications of type t were sent.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Type == t {
			n++
		}
	}
	return n
}
