package domain

// AccountState is a point-in-time snapshot of account-level balances and
// exposure. Snapshots are immutable values handed out by the account holder;
// mutation happens only through the holder's single-writer API on confirmed
// fills.
type AccountState struct {
	Balance        float64            // available balance in the quote asset
	TotalExposure  float64            // gross notional of confirmed open positions
	Reserved       float64            // notional committed to in-flight intents
	SymbolExposure map[string]float64 // confirmed notional per symbol
}

// Committed is the exposure a new intent must fit under: confirmed plus
// reserved notional.
func (a AccountState) Committed() float64 {
	return a.TotalExposure + a.Reserved
}
