package orders

type Status string

const (
	StatusPending        Status = "pending"
	StatusConfirmed      Status = "confirmed"
	StatusPreparing      Status = "preparing"
	StatusReadyForPickup Status = "ready_for_pickup"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
	StatusRefunded       Status = "refunded"
)

// forward chain; rank is the position in it
var chain = []Status{
	StatusPending,
	StatusConfirmed,
	StatusPreparing,
	StatusReadyForPickup,
	StatusOutForDelivery,
	StatusDelivered,
}

var rank = func() map[Status]int {
	m := make(map[Status]int, len(chain))
	for i, s := range chain {
		m[s] = i
	}
	return m
}()

var cancellable = map[Status]bool{
	StatusPending:   true,
	StatusConfirmed: true,
	StatusPreparing: true,
}

func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok || s == StatusCancelled || s == StatusRefunded
}

// Terminal reports whether no forward move is possible from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRefunded
}

// CanTransition: forward-only along the chain. Pending leaves only through
// confirmed; from confirmed on, skipping ahead is allowed. Cancelled is
// reachable from pending/confirmed/preparing, refunded from anything but
// refunded itself.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusCancelled:
		return cancellable[from]
	case StatusRefunded:
		return from.Valid() && from != StatusRefunded
	}
	fr, okFrom := rank[from]
	tr, okTo := rank[to]
	if !okFrom || !okTo {
		return false
	}
	if from == StatusPending {
		return to == StatusConfirmed
	}
	return tr > fr
}

type PaymentMethod string

const (
	PaymentPrepaid PaymentMethod = "prepaid"
	PaymentCOD     PaymentMethod = "cod"
)

func (m PaymentMethod) Valid() bool { return m == PaymentPrepaid || m == PaymentCOD }

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// Actor tags who caused a status change.
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorAdmin    Actor = "admin"
	ActorPartner  Actor = "partner"
	ActorCustomer Actor = "customer"
)
