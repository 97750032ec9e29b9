package escrow

import "time"

// Status represents the escrow lifecycle.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

const (
	// Timeout is how many ticks after creation a depositor may still release.
	// Past it only a refund is possible.
	Timeout = 2016
	// DisputeWindow is how many ticks after release either party may contest.
	DisputeWindow = 288
)

// Escrow custodies one reward keyed by asset id. Amount never changes after
// creation; the record is kept for audit even after it reaches a terminal
// status.
type Escrow struct {
	AssetID         int64
	DepositorID     string
	BeneficiaryID   *string
	Amount          int64
	Status          Status
	CreatedTime     int64
	ExpiresTime     int64
	ReleasedTime    *int64
	DisputeDeadline *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Dispute is the at-most-once contest record attached to an escrow.
type Dispute struct {
	AssetID     int64
	InitiatorID string
	Reason      string
	OpenedTime  int64
	Resolved    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
