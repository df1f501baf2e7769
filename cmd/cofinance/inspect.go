package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cofinance/internal/config"
	"cofinance/internal/ledger"
	"cofinance/internal/model"
	"cofinance/internal/storage"
	"cofinance/internal/storage/postgres"
)

func runInspect(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Snapshot == "" {
		return fmt.Errorf("snapshot path is required")
	}
	decimals, err := tokenDecimals(cfg.Pools)
	if err != nil {
		return err
	}

	state := ledger.NewState()
	ok, err := storage.NewSnapshotStore(cfg.Snapshot, true).Load(state)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no snapshot at %s", cfg.Snapshot)
	}

	if err := printState(os.Stdout, state, decimals); err != nil {
		return err
	}

	if cfg.PGDSN == "" {
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	pools, loans := projectState(state)
	if err := store.UpsertPools(ctx, pools); err != nil {
		return err
	}
	ids := make([]string, 0, len(pools))
	for _, p := range pools {
		ids = append(ids, p.ID)
	}
	if err := store.ReplaceLoans(ctx, ids, loans); err != nil {
		return err
	}
	logger.Info("projection synced",
		zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
		zap.Int("pools", len(pools)),
		zap.Int("loans", len(loans)),
		zap.Uint64("seq", state.Seq),
	)
	return nil
}

func printState(out io.Writer, state *ledger.State, decimals map[common.Address]uint8) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "seq %d, %d pools, %d relayed messages\n\n", state.Seq, len(state.Pools), len(state.Messages))

	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	for _, id := range poolOrder(state) {
		p := state.Pools[id]
		fmt.Fprintf(w, "pool\t%s\tfee %d bps\t%s\n", p.ID.Hex(), p.FeeBps, p.Pricing)
		fmt.Fprintf(w, "  reserve\t%s\t%s\n", p.Token0.Hex(), formatAmount(p.Reserve0, decimalsOf(decimals, p.Token0)))
		fmt.Fprintf(w, "  reserve\t%s\t%s\n", p.Token1.Hex(), formatAmount(p.Reserve1, decimalsOf(decimals, p.Token1)))
		fmt.Fprintf(w, "  collateral\t%s\t%s\n", p.Token0.Hex(), formatAmount(p.Collateral0, decimalsOf(decimals, p.Token0)))
		fmt.Fprintf(w, "  collateral\t%s\t%s\n", p.Token1.Hex(), formatAmount(p.Collateral1, decimalsOf(decimals, p.Token1)))
		fmt.Fprintf(w, "  shares\t%d providers\t%s\n", len(p.Shares), intString(p.TotalShares))

		for _, borrower := range sortedBorrowers(p.Loans) {
			pos := p.Loans[borrower]
			if !pos.Open() {
				continue
			}
			fmt.Fprintf(w, "  loan\t%s\towes %s %s\tposts %s %s\n",
				borrower.Hex(),
				formatAmount(pos.BorrowedAmount, decimalsOf(decimals, pos.BorrowedToken)), pos.BorrowedToken.Hex(),
				formatAmount(pos.CollateralAmount, decimalsOf(decimals, pos.CollateralToken)), pos.CollateralToken.Hex(),
			)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := out.Write(buf.Bytes())
	return err
}

// projectState flattens pools and open positions for the postgres projection.
func projectState(state *ledger.State) ([]model.Pool, []model.LoanRecord) {
	pools := make([]model.Pool, 0, len(state.Pools))
	var loans []model.LoanRecord
	for _, id := range poolOrder(state) {
		p := state.Pools[id]
		pools = append(pools, model.Pool{
			ID:           p.ID.Hex(),
			Token0:       p.Token0.Hex(),
			Token1:       p.Token1.Hex(),
			FeeBps:       p.FeeBps,
			Pricing:      string(p.Pricing),
			CreatedAtSeq: p.CreatedSeq,
		})
		for _, borrower := range sortedBorrowers(p.Loans) {
			pos := p.Loans[borrower]
			rec := model.LoanRecord{
				Pool:             p.ID.Hex(),
				Borrower:         borrower.Hex(),
				BorrowedToken:    pos.BorrowedToken.Hex(),
				BorrowedAmount:   intString(pos.BorrowedAmount),
				CollateralToken:  pos.CollateralToken.Hex(),
				CollateralAmount: intString(pos.CollateralAmount),
			}
			if pos.ReclaimToken != (common.Address{}) {
				rec.ReclaimToken = pos.ReclaimToken.Hex()
			}
			loans = append(loans, rec)
		}
	}
	return pools, loans
}

// poolOrder lists pools in creation order, appending any missing from Order.
func poolOrder(state *ledger.State) []common.Hash {
	seen := make(map[common.Hash]struct{}, len(state.Order))
	out := make([]common.Hash, 0, len(state.Pools))
	for _, id := range state.Order {
		if _, ok := state.Pools[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	var rest []common.Hash
	for id := range state.Pools {
		if _, ok := seen[id]; !ok {
			rest = append(rest, id)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Hex() < rest[j].Hex() })
	return append(out, rest...)
}

func sortedBorrowers(loans map[common.Address]*ledger.LoanPosition) []common.Address {
	out := make([]common.Address, 0, len(loans))
	for borrower := range loans {
		out = append(out, borrower)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

func formatAmount(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

func intString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
