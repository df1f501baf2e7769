package ledger

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Pricing selects how a pool derives its swap rate from the oracle.
type Pricing string

const (
	// PricingPair quotes tokenIn directly in units of the counter asset.
	PricingPair Pricing = "pair"
	// PricingCross divides the tokenIn rate by the tokenOut rate.
	PricingCross Pricing = "cross"
)

func (p Pricing) valid() bool {
	return p == PricingPair || p == PricingCross
}

// TickRange is recorded alongside liquidity deposits. Pricing never reads it.
type TickRange struct {
	Lower int32 `json:"lower"`
	Upper int32 `json:"upper"`
}

// LoanPosition is a borrower's loan within one pool.
// The position is open iff BorrowedAmount > 0. ReclaimToken names the collateral
// still held for the borrower after the position was closed.
type LoanPosition struct {
	BorrowedToken    common.Address `json:"borrowed_token"`
	BorrowedAmount   *uint256.Int   `json:"borrowed_amount"`
	CollateralToken  common.Address `json:"collateral_token"`
	CollateralAmount *uint256.Int   `json:"collateral_amount"`
	ReclaimToken     common.Address `json:"reclaim_token"`
}

// Open reports whether the position still owes debt.
func (p *LoanPosition) Open() bool {
	return p != nil && isPositive(p.BorrowedAmount)
}

// heldToken returns the token the position's collateral is denominated in.
func (p *LoanPosition) heldToken() common.Address {
	if p.CollateralToken != (common.Address{}) {
		return p.CollateralToken
	}
	return p.ReclaimToken
}

func (p *LoanPosition) clone() *LoanPosition {
	out := *p
	out.BorrowedAmount = cloneInt(p.BorrowedAmount)
	out.CollateralAmount = cloneInt(p.CollateralAmount)
	return &out
}

// Pool is a two-asset oracle-priced pool.
type Pool struct {
	ID          common.Hash                      `json:"id"`
	Token0      common.Address                   `json:"token0"`
	Token1      common.Address                   `json:"token1"`
	FeeBps      uint64                           `json:"fee_bps"`
	Pricing     Pricing                          `json:"pricing"`
	Reserve0    *uint256.Int                     `json:"reserve0"`
	Reserve1    *uint256.Int                     `json:"reserve1"`
	Collateral0 *uint256.Int                     `json:"collateral0"`
	Collateral1 *uint256.Int                     `json:"collateral1"`
	TotalShares *uint256.Int                     `json:"total_shares"`
	Shares      map[common.Address]*uint256.Int  `json:"shares"`
	Ticks       map[common.Address][]TickRange   `json:"ticks"`
	Loans       map[common.Address]*LoanPosition `json:"loans"`
	CreatedSeq  uint64                           `json:"created_seq"`
}

func newPool(id common.Hash, token0, token1 common.Address, feeBps uint64, pricing Pricing) *Pool {
	return &Pool{
		ID:          id,
		Token0:      token0,
		Token1:      token1,
		FeeBps:      feeBps,
		Pricing:     pricing,
		Reserve0:    zero(),
		Reserve1:    zero(),
		Collateral0: zero(),
		Collateral1: zero(),
		TotalShares: zero(),
		Shares:      make(map[common.Address]*uint256.Int),
		Ticks:       make(map[common.Address][]TickRange),
		Loans:       make(map[common.Address]*LoanPosition),
	}
}

// Has reports whether token is one of the pool's assets.
func (p *Pool) Has(token common.Address) bool {
	return token == p.Token0 || token == p.Token1
}

// Other returns the counter asset of token.
func (p *Pool) Other(token common.Address) common.Address {
	if token == p.Token0 {
		return p.Token1
	}
	return p.Token0
}

// Reserve returns the reserve of token. The returned value must not be mutated.
func (p *Pool) Reserve(token common.Address) *uint256.Int {
	return *p.reserveRef(token)
}

// Custody returns the collateral held for token.
func (p *Pool) Custody(token common.Address) *uint256.Int {
	return *p.custodyRef(token)
}

func (p *Pool) reserveRef(token common.Address) **uint256.Int {
	if token == p.Token0 {
		return &p.Reserve0
	}
	return &p.Reserve1
}

func (p *Pool) custodyRef(token common.Address) **uint256.Int {
	if token == p.Token0 {
		return &p.Collateral0
	}
	return &p.Collateral1
}

func (p *Pool) clone() *Pool {
	out := *p
	out.Reserve0 = cloneInt(p.Reserve0)
	out.Reserve1 = cloneInt(p.Reserve1)
	out.Collateral0 = cloneInt(p.Collateral0)
	out.Collateral1 = cloneInt(p.Collateral1)
	out.TotalShares = cloneInt(p.TotalShares)
	out.Shares = make(map[common.Address]*uint256.Int, len(p.Shares))
	for k, v := range p.Shares {
		out.Shares[k] = cloneInt(v)
	}
	out.Ticks = make(map[common.Address][]TickRange, len(p.Ticks))
	for k, v := range p.Ticks {
		out.Ticks[k] = append([]TickRange(nil), v...)
	}
	out.Loans = make(map[common.Address]*LoanPosition, len(p.Loans))
	for k, v := range p.Loans {
		out.Loans[k] = v.clone()
	}
	return &out
}

// MessageRecord marks a relayed message id as consumed.
type MessageRecord struct {
	SourceChainID uint64 `json:"source_chain_id"`
	Outcome       string `json:"outcome"`
	Seq           uint64 `json:"seq"`
}

// State is the complete ledger state owned by the Engine.
// Modules holds the JSON documents of collaborating packages, keyed by name,
// so their bookkeeping commits and restores together with the balances it tracks.
type State struct {
	Seq      uint64                                             `json:"seq"`
	Pools    map[common.Hash]*Pool                              `json:"pools"`
	Order    []common.Hash                                      `json:"order"`
	Balances map[common.Address]map[common.Address]*uint256.Int `json:"balances"`
	Roles    map[common.Address]RoleSet                         `json:"roles"`
	Messages map[common.Hash]MessageRecord                      `json:"messages"`
	Modules  map[string]json.RawMessage                         `json:"modules"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		Pools:    make(map[common.Hash]*Pool),
		Balances: make(map[common.Address]map[common.Address]*uint256.Int),
		Roles:    make(map[common.Address]RoleSet),
		Messages: make(map[common.Hash]MessageRecord),
		Modules:  make(map[string]json.RawMessage),
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := &State{
		Seq:      s.Seq,
		Pools:    make(map[common.Hash]*Pool, len(s.Pools)),
		Order:    append([]common.Hash(nil), s.Order...),
		Balances: make(map[common.Address]map[common.Address]*uint256.Int, len(s.Balances)),
		Roles:    make(map[common.Address]RoleSet, len(s.Roles)),
		Messages: make(map[common.Hash]MessageRecord, len(s.Messages)),
		Modules:  make(map[string]json.RawMessage, len(s.Modules)),
	}
	for id, p := range s.Pools {
		out.Pools[id] = p.clone()
	}
	for token, accounts := range s.Balances {
		m := make(map[common.Address]*uint256.Int, len(accounts))
		for acct, v := range accounts {
			m[acct] = cloneInt(v)
		}
		out.Balances[token] = m
	}
	for acct, r := range s.Roles {
		out.Roles[acct] = r
	}
	for id, rec := range s.Messages {
		out.Messages[id] = rec
	}
	// Documents are replaced on write, never edited in place.
	for key, doc := range s.Modules {
		out.Modules[key] = doc
	}
	return out
}

// normalize fills nil maps and amounts, e.g. after decoding a snapshot.
func (s *State) normalize() {
	if s.Pools == nil {
		s.Pools = make(map[common.Hash]*Pool)
	}
	if s.Balances == nil {
		s.Balances = make(map[common.Address]map[common.Address]*uint256.Int)
	}
	if s.Roles == nil {
		s.Roles = make(map[common.Address]RoleSet)
	}
	if s.Messages == nil {
		s.Messages = make(map[common.Hash]MessageRecord)
	}
	if s.Modules == nil {
		s.Modules = make(map[string]json.RawMessage)
	}
	for _, p := range s.Pools {
		for _, ref := range []**uint256.Int{&p.Reserve0, &p.Reserve1, &p.Collateral0, &p.Collateral1, &p.TotalShares} {
			if *ref == nil {
				*ref = zero()
			}
		}
		if p.Shares == nil {
			p.Shares = make(map[common.Address]*uint256.Int)
		}
		if p.Ticks == nil {
			p.Ticks = make(map[common.Address][]TickRange)
		}
		if p.Loans == nil {
			p.Loans = make(map[common.Address]*LoanPosition)
		}
		for _, l := range p.Loans {
			if l.BorrowedAmount == nil {
				l.BorrowedAmount = zero()
			}
			if l.CollateralAmount == nil {
				l.CollateralAmount = zero()
			}
		}
	}
}

// Balance returns the wallet balance of account in token.
func (s *State) Balance(token, account common.Address) *uint256.Int {
	if v, ok := s.Balances[token][account]; ok {
		return cloneInt(v)
	}
	return zero()
}

func (s *State) credit(token, account common.Address, amount *uint256.Int) error {
	accounts, ok := s.Balances[token]
	if !ok {
		accounts = make(map[common.Address]*uint256.Int)
		s.Balances[token] = accounts
	}
	cur, ok := accounts[account]
	if !ok {
		cur = zero()
	}
	next, err := add(cur, amount)
	if err != nil {
		return err
	}
	accounts[account] = next
	return nil
}

func (s *State) debit(token, account common.Address, amount *uint256.Int) error {
	cur := s.Balances[token][account]
	if cur == nil {
		cur = zero()
	}
	next, ok := sub(cur, amount)
	if !ok {
		return ErrInsufficientBalance
	}
	if next.IsZero() {
		delete(s.Balances[token], account)
		return nil
	}
	s.Balances[token][account] = next
	return nil
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return zero()
	}
	return new(uint256.Int).Set(v)
}
