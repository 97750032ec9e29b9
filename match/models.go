package match

import "time"

// Status represents the lifecycle of a match request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

// MaxVerifyAttempts is the verification budget per request. The attempt that
// would exceed it fails hard, right code or wrong.
const MaxVerifyAttempts = 5

// Request mirrors the match_requests table. A (lost, found) pair has at most
// one live request; once Verified or Rejected the record is immutable except
// for the Verified -> Completed hand-back marker.
type Request struct {
	LostAssetID  int64
	FoundAssetID int64
	ProposerID   string
	Status       Status
	Score        int
	Attempts     int
	ProposedTime int64
	VerifiedTime *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Score buckets are deliberately crude: 50 for an exact category match plus
// half the description similarity, where similarity is 100 for byte-identical
// text and 50 otherwise. Do not refine this; callers test the exact buckets.
func ScoreAssets(lostCategory, foundCategory, lostDescription, foundDescription string) int {
	score := 0
	if lostCategory == foundCategory {
		score = 50
	}
	similarity := 50
	if lostDescription == foundDescription {
		similarity = 100
	}
	return score + similarity/2
}
