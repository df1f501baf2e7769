package model

// Event names emitted by the ledger and its collaborators.
const (
	EventPoolCreated         = "PoolCreated"
	EventLiquidityAdded      = "LiquidityAdded"
	EventLiquidityRemoved    = "LiquidityRemoved"
	EventSwap                = "Swap"
	EventBorrow              = "Borrow"
	EventRepay               = "Repay"
	EventCollateralAdded     = "CollateralAdded"
	EventCollateralWithdrawn = "CollateralWithdrawn"
	EventLiquidation         = "Liquidation"
	EventTransfer            = "Transfer"
	EventMint                = "Mint"
	EventRoleGranted         = "RoleGranted"
	EventRoleRevoked         = "RoleRevoked"
	EventPriceSet            = "PriceSet"
	EventMessageProcessed    = "MessageProcessed"
	EventIntentOpened        = "IntentOpened"
	EventIntentResolved      = "IntentResolved"
	EventStaked              = "Staked"
	EventUnstaked            = "Unstaked"
	EventRewardsClaimed      = "RewardsClaimed"
	EventSalePurchase        = "SalePurchase"
	EventSaleFinalized       = "SaleFinalized"
	EventSaleClaimed         = "SaleClaimed"
	EventSaleWithdrawal      = "SaleWithdrawal"
)

// PoolCreatedData is the PoolCreated event payload.
type PoolCreatedData struct {
	Creator string `json:"creator"`
	Token0  string `json:"token0"`
	Token1  string `json:"token1"`
	FeeBps  uint64 `json:"fee_bps"`
	Pricing string `json:"pricing"`
}

// LiquidityAddedData is the LiquidityAdded event payload.
type LiquidityAddedData struct {
	Provider  string `json:"provider"`
	Amount0   string `json:"amount0"`
	Amount1   string `json:"amount1"`
	Minted    string `json:"minted"`
	TickLower int32  `json:"tick_lower"`
	TickUpper int32  `json:"tick_upper"`
}

// LiquidityRemovedData is the LiquidityRemoved event payload.
type LiquidityRemovedData struct {
	Provider string `json:"provider"`
	Burned   string `json:"burned"`
	Amount0  string `json:"amount0"`
	Amount1  string `json:"amount1"`
}

// SwapData is the Swap event payload. Reserves are post-swap.
type SwapData struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	TokenIn   string `json:"token_in"`
	AmountIn  string `json:"amount_in"`
	TokenOut  string `json:"token_out"`
	AmountOut string `json:"amount_out"`
	Fee       string `json:"fee"`
	Reserve0  string `json:"reserve0"`
	Reserve1  string `json:"reserve1"`
}

// BorrowData is the Borrow event payload.
type BorrowData struct {
	Borrower         string `json:"borrower"`
	Payer            string `json:"payer,omitempty"`
	BorrowToken      string `json:"borrow_token"`
	BorrowAmount     string `json:"borrow_amount"`
	CollateralToken  string `json:"collateral_token"`
	CollateralAmount string `json:"collateral_amount"`
}

// RepayData is the Repay event payload.
type RepayData struct {
	Borrower  string `json:"borrower"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Remaining string `json:"remaining"`
}

// CollateralData is the CollateralAdded / CollateralWithdrawn event payload.
type CollateralData struct {
	Borrower string `json:"borrower"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
	Balance  string `json:"balance"`
}

// LiquidationData is the Liquidation event payload.
type LiquidationData struct {
	Borrower        string `json:"borrower"`
	Liquidator      string `json:"liquidator"`
	DebtToken       string `json:"debt_token"`
	DebtRepaid      string `json:"debt_repaid"`
	CollateralToken string `json:"collateral_token"`
	Seized          string `json:"seized"`
	Remaining       string `json:"remaining"`
}

// TransferData is the Transfer / Mint event payload.
type TransferData struct {
	Token  string `json:"token"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// RoleData is the RoleGranted / RoleRevoked event payload.
type RoleData struct {
	Account string `json:"account"`
	Role    string `json:"role"`
	Sender  string `json:"sender"`
}

// PriceData is the PriceSet event payload. Price is scaled by 1e18.
type PriceData struct {
	Token string `json:"token"`
	Price string `json:"price"`
}

// MessageData is the MessageProcessed event payload.
type MessageData struct {
	MessageID     string `json:"message_id"`
	SourceChainID uint64 `json:"source_chain_id"`
	Outcome       string `json:"outcome"`
}

// IntentData is the IntentOpened / IntentResolved event payload.
type IntentData struct {
	Intent      string `json:"intent"`
	Kind        string `json:"kind"`
	DestChainID uint64 `json:"dest_chain_id"`
	User        string `json:"user"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
}

// StakeData is the Staked / Unstaked / RewardsClaimed event payload.
type StakeData struct {
	User   string `json:"user"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// SaleData is the payload of the sale events. Tokens and Payment are set when they apply.
type SaleData struct {
	Account string `json:"account"`
	Tokens  string `json:"tokens,omitempty"`
	Payment string `json:"payment,omitempty"`
}
