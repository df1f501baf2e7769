package model

// Pool represents pool metadata for storage.
type Pool struct {
	ID           string `json:"id"`
	Token0       string `json:"token0"`
	Token1       string `json:"token1"`
	FeeBps       uint64 `json:"fee_bps"`
	Pricing      string `json:"pricing"`
	CreatedAtSeq uint64 `json:"created_at_seq"`
}

// LoanRecord is a flattened loan position for storage and display.
type LoanRecord struct {
	Pool             string `json:"pool"`
	Borrower         string `json:"borrower"`
	BorrowedToken    string `json:"borrowed_token"`
	BorrowedAmount   string `json:"borrowed_amount"`
	CollateralToken  string `json:"collateral_token"`
	CollateralAmount string `json:"collateral_amount"`
	ReclaimToken     string `json:"reclaim_token,omitempty"`
}
