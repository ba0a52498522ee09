package engine

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chamalabs/chama/async"
	"github.com/chamalabs/chama/config/features"
	"github.com/chamalabs/chama/config/params"
	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/types"
)

var payoutsInstructed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chama_payouts_instructed_total",
	Help: "Count of payout instructions handed to the payment gateway.",
})

const payoutRefKey = "payout_ref"

// startOutbox launches the payout outbox sweep. System-created instructions
// (deposit returns, default coverage) are written both_confirmed first and
// executed here afterwards, so a crash between the write and the gateway call
// is repaired on the next sweep.
func (s *Service) startOutbox() {
	if !features.Get().EnablePayoutOutbox {
		return
	}
	if s.gateway == nil {
		log.Warn("Payout outbox enabled without a gateway, not starting")
		return
	}
	async.RunEvery(s.ctx, params.ChamaConfig().OutboxInterval, func() {
		if err := s.sweepOutbox(s.ctx); err != nil {
			log.WithError(err).Error("Payout outbox sweep failed")
		}
	})
}

// sweepOutbox hands every uninstructed payout row to the gateway and records
// the returned payment id in the row's metadata. Rows already carrying a
// payout_ref are skipped, which makes the sweep idempotent.
func (s *Service) sweepOutbox(ctx context.Context) error {
	groups, err := s.db.Groups(ctx)
	if err != nil {
		return db.ClassifyError(err)
	}
	for _, g := range groups {
		txns, err := s.db.Transactions(ctx, g.ID)
		if err != nil {
			return db.ClassifyError(err)
		}
		for _, txn := range txns {
			if !payoutPending(txn) {
				continue
			}
			if err := s.instructPayout(ctx, txn); err != nil {
				log.WithError(err).WithField("transaction", txn.ID).Error("Could not instruct payout")
			}
		}
	}
	return nil
}

func payoutPending(txn *types.Transaction) bool {
	if txn.Status != types.TxBothConfirmed {
		return false
	}
	if txn.Kind != types.TxDepositReturn && txn.Kind != types.TxDefaultCoverage {
		return false
	}
	return txn.Metadata[payoutRefKey] == ""
}

func (s *Service) instructPayout(ctx context.Context, txn *types.Transaction) error {
	cfg := params.ChamaConfig()
	paymentID, err := s.gateway.Initiate(ctx, txn.Amount, cfg.Currency, txn.ToMember, string(txn.Kind)+":"+txn.ID, map[string]string{
		"group_id": txn.GroupID,
		"kind":     string(txn.Kind),
	})
	if err != nil {
		return err
	}
	if txn.Metadata == nil {
		txn.Metadata = map[string]string{}
	}
	txn.Metadata[payoutRefKey] = paymentID
	txn.UpdatedAt = s.clock.Now().UTC()
	if err := s.db.SaveTransaction(ctx, txn); err != nil {
		return db.ClassifyError(err)
	}
	payoutsInstructed.Inc()
	log.WithField("transaction", txn.ID).WithField("payment", paymentID).Debug("Payout instructed")
	return nil
}
