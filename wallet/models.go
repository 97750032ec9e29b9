package wallet

import "time"

// CustodyAccount holds funds while an escrow is active. It is the only
// account the schema lets overdraw; see DESIGN.md on dispute resolution.
const CustodyAccount = "custody"

// Account mirrors the accounts table.
type Account struct {
	OwnerID   string
	Balance   int64
	UpdatedAt time.Time
}
