package events

import "time"

// Topics written by the core services. Payloads always carry the asset id;
// reputation-relevant topics also carry "delta" for the scoring subsystem.
const (
	TopicAssetLostReported  = "asset.lost_reported"
	TopicAssetFoundReported = "asset.found_reported"
	TopicAssetFound         = "asset.found"
	TopicAssetReturned      = "asset.returned"

	TopicMatchProposed  = "match.proposed"
	TopicMatchVerified  = "match.verified"
	TopicMatchRejected  = "match.rejected"
	TopicMatchExhausted = "match.attempts_exhausted"
	TopicItemReturned   = "item.returned"

	TopicEscrowCreated           = "escrow.created"
	TopicEscrowReleased          = "escrow.released"
	TopicEscrowRefunded          = "escrow.refunded"
	TopicEscrowDisputed          = "escrow.disputed"
	TopicDisputeResolved         = "dispute.resolved"
	TopicEscrowEmergencyRefunded = "escrow.emergency_refunded"
)

// Reputation deltas shipped to the external scoring sink.
const (
	DeltaItemReturned  = 10
	DeltaItemFound     = 5
	DeltaDisputeOpened = -5
	DeltaFalseReport   = -20
)

// Message represents a transactional outbox entry.
type Message struct {
	ID          string
	Topic       string
	Payload     []byte
	Status      string
	Attempts    int
	CreatedAt   time.Time
	LastAttempt *time.Time
}

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)
