package asset

import "time"

// Status represents the lifecycle of a reported item.
type Status string

const (
	StatusLost     Status = "lost"
	StatusFound    Status = "found"
	StatusClaimed  Status = "claimed"
	StatusReturned Status = "returned"
)

// SecretLen is the fixed size of the verification secret. Found reports
// store the all-zero sentinel: they carry no secret to guess.
const SecretLen = 32

// ZeroSecret returns the found-report sentinel.
func ZeroSecret() []byte {
	return make([]byte, SecretLen)
}

// Asset mirrors the assets table. The secret is compared byte-for-byte by
// the match engine and must never be logged or derived from.
type Asset struct {
	ID               int64
	OwnerID          string
	FinderID         *string
	Category         string
	Description      string
	LastSeenLocation string
	FoundLocation    *string
	Status           Status
	Reward           int64
	ReportTime       int64
	FoundTime        *int64
	ContentHash      []byte
	Secret           []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReportLostParams enumerates the inputs of a lost-item report.
type ReportLostParams struct {
	Category         string
	Description      string
	LastSeenLocation string
	Reward           int64
	ContactHash      []byte
	Secret           []byte
}

// ReportFoundParams enumerates the inputs of a found-item report.
type ReportFoundParams struct {
	Category      string
	Description   string
	FoundLocation string
	ContactHash   []byte
}

// UpdateStatusParams carries a status transition request.
type UpdateStatusParams struct {
	AssetID       int64
	NewStatus     Status
	Finder        *string
	FoundLocation *string
}

// ValidStatus reports whether s is one of the four lifecycle values.
func ValidStatus(s Status) bool {
	switch s {
	case StatusLost, StatusFound, StatusClaimed, StatusReturned:
		return true
	default:
		return false
	}
}

// CanTransition encodes the only legal status edges: Lost may move to
// Found, Claimed, or Returned; Found to Claimed or Returned. Nothing ever
// returns to Lost, and Claimed/Returned are terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusLost:
		return to == StatusFound || to == StatusClaimed || to == StatusReturned
	case StatusFound:
		return to == StatusClaimed || to == StatusReturned
	default:
		return false
	}
}
