package transfer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Tacke300/fund-sub001/config"
	"github.com/Tacke300/fund-sub001/internal/exchange"
	"github.com/Tacke300/fund-sub001/internal/models"
	"github.com/Tacke300/fund-sub001/logger"
)

// Orchestrator moves quote-asset collateral between venues ahead of a hedge.
// A cross-venue move is a four-step pipeline: internal transfer to the
// donor's funding wallet, on-chain withdrawal to the destination's deposit
// address, bounded polling for arrival, then an internal transfer into the
// destination's trading wallet. Any failed step aborts the whole operation.
type Orchestrator struct {
	cfg      config.TransferConfig
	asset    string
	adapters map[string]exchange.Adapter
	log      *logger.Log
}

func NewOrchestrator(cfg config.TransferConfig, quoteAsset string, adapters map[string]exchange.Adapter) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		asset:    quoteAsset,
		adapters: adapters,
		log:      logger.GetLogger(),
	}
}

// EnsureCollateral brings both legs of the opportunity up to the per-leg
// target: total available trading balance across venues times the capital
// fraction, split evenly. Venues outside the pair act as donors, largest
// balance first.
func (o *Orchestrator) EnsureCollateral(ctx context.Context, opp models.ArbitrageOpportunity, capitalFraction float64) error {
	log := o.log.WithComponent("transfer").WithFields(logger.Fields{
		"symbol": opp.Symbol,
		"short":  opp.ShortVenue,
		"long":   opp.LongVenue,
	})

	balances := make(map[string]float64, len(o.adapters))
	total := 0.0
	for venue, adapter := range o.adapters {
		bal, err := adapter.FetchBalance(ctx, exchange.WalletTrading)
		if err != nil {
			return fmt.Errorf("balance check on %s: %w", venue, err)
		}
		balances[venue] = bal.Free
		total += bal.Free
	}

	target := total * capitalFraction / 2
	log.WithFields(logger.Fields{"target_per_leg": target, "total": total}).Info("collateral targets computed")

	legs := []string{opp.ShortVenue, opp.LongVenue}
	sort.Slice(legs, func(i, j int) bool {
		return target-balances[legs[i]] > target-balances[legs[j]]
	})

	var donors []string
	for venue := range o.adapters {
		if venue != opp.ShortVenue && venue != opp.LongVenue {
			donors = append(donors, venue)
		}
	}
	sort.Slice(donors, func(i, j int) bool { return balances[donors[i]] > balances[donors[j]] })

	for _, leg := range legs {
		needed := target - balances[leg]
		for _, donor := range donors {
			if needed <= o.cfg.DustTolerance {
				break
			}
			amount := balances[donor]
			if amount > needed {
				amount = needed
			}
			if amount < o.minWithdrawal(donor) {
				continue
			}
			if err := o.move(ctx, donor, leg, amount); err != nil {
				return fmt.Errorf("funding %s from %s: %w", leg, donor, err)
			}
			balances[donor] -= amount
			balances[leg] += amount
			needed -= amount
		}
	}

	// Re-verify with live balances; the withdrawal fee may have eaten into
	// the transferred amount.
	for _, leg := range []string{opp.ShortVenue, opp.LongVenue} {
		bal, err := o.adapters[leg].FetchBalance(ctx, exchange.WalletTrading)
		if err != nil {
			return fmt.Errorf("post-transfer balance check on %s: %w", leg, err)
		}
		if bal.Free < target-o.cfg.DustTolerance {
			return fmt.Errorf("%s collateral %.4f below target %.4f", leg, bal.Free, target)
		}
	}
	log.Info("both legs collateralized")
	return nil
}

// ManualWithdraw services the transfer endpoint: one cross-venue move of a
// fixed amount.
func (o *Orchestrator) ManualWithdraw(ctx context.Context, fromVenue, toVenue string, amount float64) error {
	if _, ok := o.adapters[fromVenue]; !ok {
		return fmt.Errorf("unknown source venue %q", fromVenue)
	}
	if _, ok := o.adapters[toVenue]; !ok {
		return fmt.Errorf("unknown destination venue %q", toVenue)
	}
	if amount < o.minWithdrawal(fromVenue) {
		return fmt.Errorf("amount %.4f below %s minimum withdrawal", amount, fromVenue)
	}
	return o.move(ctx, fromVenue, toVenue, amount)
}

func (o *Orchestrator) minWithdrawal(venue string) float64 {
	if min, ok := o.cfg.MinWithdrawal[venue]; ok {
		return min
	}
	return 0
}

func (o *Orchestrator) network(toVenue string) string {
	if n, ok := o.cfg.NetworkOverrides[toVenue]; ok {
		return n
	}
	return o.cfg.DefaultNetwork
}

func (o *Orchestrator) move(ctx context.Context, fromVenue, toVenue string, amount float64) error {
	from := o.adapters[fromVenue]
	to := o.adapters[toVenue]
	address := o.cfg.DepositAddresses[toVenue]
	if address == "" {
		return fmt.Errorf("no deposit address configured for %s", toVenue)
	}
	network := o.network(toVenue)
	log := o.log.WithComponent("transfer").WithFields(logger.Fields{
		"from":    fromVenue,
		"to":      toVenue,
		"amount":  amount,
		"network": network,
	})

	before, err := to.FetchBalance(ctx, exchange.WalletFunding)
	if err != nil {
		return fmt.Errorf("destination funding balance: %w", err)
	}

	if err := from.Transfer(ctx, o.asset, amount, exchange.WalletTrading, exchange.WalletFunding); err != nil {
		return fmt.Errorf("internal transfer to funding wallet: %w", err)
	}
	log.Info("moved to funding wallet, withdrawing")

	if err := from.Withdraw(ctx, o.asset, amount, address, network); err != nil {
		return fmt.Errorf("withdrawal: %w", err)
	}

	arrived, err := o.awaitArrival(ctx, to, before.Free, amount)
	if err != nil {
		return err
	}
	log.WithFields(logger.Fields{"arrived": arrived}).Info("deposit arrived")

	if err := to.Transfer(ctx, o.asset, arrived, exchange.WalletFunding, exchange.WalletTrading); err != nil {
		return fmt.Errorf("internal transfer to trading wallet: %w", err)
	}
	return nil
}

// awaitArrival polls the destination funding wallet until the balance grows
// by roughly the withdrawn amount. Polling is strictly bounded; an on-chain
// transfer slower than maxPollAttempts * pollInterval fails the operation.
func (o *Orchestrator) awaitArrival(ctx context.Context, to exchange.Adapter, baseline, amount float64) (float64, error) {
	for attempt := 1; attempt <= o.cfg.MaxPollAttempts; attempt++ {
		if err := sleepCtx(ctx, o.cfg.PollInterval.Std()); err != nil {
			return 0, err
		}
		bal, err := to.FetchBalance(ctx, exchange.WalletFunding)
		if err != nil {
			o.log.WithComponent("transfer").WithVenue(to.Name()).WithError(err).Warn("arrival poll failed")
			continue
		}
		arrived := bal.Free - baseline
		if arrived >= amount-o.cfg.DustTolerance {
			return arrived, nil
		}
	}
	return 0, fmt.Errorf("deposit did not arrive after %d polls", o.cfg.MaxPollAttempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
