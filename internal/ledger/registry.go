package ledger

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"cofinance/internal/model"
)

// SortTokens orders a pair by address.
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// PoolID derives the pool identifier of an unordered pair.
func PoolID(a, b common.Address) common.Hash {
	t0, t1 := SortTokens(a, b)
	return crypto.Keccak256Hash(t0.Bytes(), t1.Bytes())
}

// CreatePool registers a pool for the pair. Anyone may create a pool.
func (e *Engine) CreatePool(ctx context.Context, caller, tokenA, tokenB common.Address, feeBps uint64, pricing Pricing) (common.Hash, error) {
	if pricing == "" {
		pricing = PricingPair
	}
	id := PoolID(tokenA, tokenB)
	err := e.apply(ctx, "create_pool", caller, func(tx *txn) error {
		if tokenA == tokenB {
			return ErrIdenticalTokens
		}
		if tokenA == (common.Address{}) || tokenB == (common.Address{}) {
			return ErrZeroAddress
		}
		if feeBps >= BpsDenominator {
			return fmt.Errorf("fee %d bps: %w", feeBps, ErrInvalidFee)
		}
		if !pricing.valid() {
			return fmt.Errorf("pricing %q: %w", pricing, ErrInvalidPricing)
		}
		if _, ok := tx.state.Pools[id]; ok {
			return fmt.Errorf("pool %s: %w", id.Hex(), ErrPoolExists)
		}

		t0, t1 := SortTokens(tokenA, tokenB)
		p := newPool(id, t0, t1, feeBps, pricing)
		p.CreatedSeq = tx.state.Seq + 1
		tx.state.Pools[id] = p
		tx.state.Order = append(tx.state.Order, id)
		tx.emit(id, model.EventPoolCreated, caller, model.PoolCreatedData{
			Creator: caller.Hex(),
			Token0:  t0.Hex(),
			Token1:  t1.Hex(),
			FeeBps:  feeBps,
			Pricing: string(pricing),
		})
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return id, nil
}

// PoolFor resolves the pool of an unordered pair.
func (e *Engine) PoolFor(tokenA, tokenB common.Address) (*Pool, error) {
	return e.Pool(PoolID(tokenA, tokenB))
}

// Mint credits genesis funds to a wallet. Only admins may mint.
func (e *Engine) Mint(ctx context.Context, caller, token, to common.Address, amount *uint256.Int) error {
	return e.apply(ctx, "mint", caller, func(tx *txn) error {
		if err := tx.requireRole(caller, RoleAdmin); err != nil {
			return err
		}
		if token == (common.Address{}) || to == (common.Address{}) {
			return ErrZeroAddress
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		if err := tx.state.credit(token, to, amount); err != nil {
			return err
		}
		tx.emit(common.Hash{}, model.EventMint, caller, model.TransferData{
			Token:  token.Hex(),
			To:     to.Hex(),
			Amount: amount.Dec(),
		})
		return nil
	})
}

// Transfer moves wallet funds between accounts.
func (e *Engine) Transfer(ctx context.Context, from, to, token common.Address, amount *uint256.Int) error {
	return e.apply(ctx, "transfer", from, func(tx *txn) error {
		return tx.transfer(from, to, token, amount)
	})
}

func (tx *txn) transfer(from, to, token common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	if err := tx.state.debit(token, from, amount); err != nil {
		return fmt.Errorf("transfer %s: %w", token.Hex(), err)
	}
	if err := tx.state.credit(token, to, amount); err != nil {
		return err
	}
	tx.emit(common.Hash{}, model.EventTransfer, from, model.TransferData{
		Token:  token.Hex(),
		From:   from.Hex(),
		To:     to.Hex(),
		Amount: amount.Dec(),
	})
	return nil
}

// Bootstrap grants the admin role to account when no admin exists yet.
func (e *Engine) Bootstrap(ctx context.Context, admin common.Address) error {
	if admin == (common.Address{}) {
		return ErrZeroAddress
	}
	e.mu.Lock()
	for _, roles := range e.state.Roles {
		if roles.Has(RoleAdmin) {
			e.mu.Unlock()
			return nil
		}
	}
	e.mu.Unlock()

	return e.apply(ctx, "bootstrap", admin, func(tx *txn) error {
		tx.state.Roles[admin] = tx.state.Roles[admin].With(RoleAdmin)
		tx.emit(common.Hash{}, model.EventRoleGranted, admin, model.RoleData{
			Account: admin.Hex(),
			Role:    RoleAdmin.String(),
			Sender:  admin.Hex(),
		})
		return nil
	})
}

// GrantRole gives account a capability. Only admins may grant.
func (e *Engine) GrantRole(ctx context.Context, caller, account common.Address, role Role) error {
	return e.apply(ctx, "grant_role", caller, func(tx *txn) error {
		if err := tx.requireRole(caller, RoleAdmin); err != nil {
			return err
		}
		if account == (common.Address{}) {
			return ErrZeroAddress
		}
		tx.state.Roles[account] = tx.state.Roles[account].With(role)
		tx.emit(common.Hash{}, model.EventRoleGranted, caller, model.RoleData{
			Account: account.Hex(),
			Role:    role.String(),
			Sender:  caller.Hex(),
		})
		return nil
	})
}

// RevokeRole removes a capability. Only admins may revoke.
func (e *Engine) RevokeRole(ctx context.Context, caller, account common.Address, role Role) error {
	return e.apply(ctx, "revoke_role", caller, func(tx *txn) error {
		if err := tx.requireRole(caller, RoleAdmin); err != nil {
			return err
		}
		roles := tx.state.Roles[account].Without(role)
		if roles == 0 {
			delete(tx.state.Roles, account)
		} else {
			tx.state.Roles[account] = roles
		}
		tx.emit(common.Hash{}, model.EventRoleRevoked, caller, model.RoleData{
			Account: account.Hex(),
			Role:    role.String(),
			Sender:  caller.Hex(),
		})
		return nil
	})
}
