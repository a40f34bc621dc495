// Package settlement drives each trade's settlement row through
// pending -> processing -> confirmed/failed, backed by the blockchain task
// queue: a task handler submits the on-chain transfer, polls for
// confirmation, and writes the terminal state back. Settlement is a
// distinct phase after clearing, with each state transition committed in its
// own transaction. The fee/wheeling split and platform_revenue rows are
// written earlier, by internal/engine when the trade is matched.
package settlement

import (
	"context"
	"encoding/json"

	"gridsettle/internal/apperr"
	"gridsettle/internal/chain"
	"gridsettle/internal/db"
	"gridsettle/internal/model"
)

type Service struct {
	store            *db.Store
	chain            *chain.Client
	minConfirmations int
}

func NewService(store *db.Store, chainClient *chain.Client, minConfirmations int) *Service {
	return &Service{store: store, chain: chainClient, minConfirmations: minConfirmations}
}

type transferPayload struct {
	SettlementID string `json:"settlement_id"`
}

// Handle is registered against model.TaskSettlementTransfer in the
// taskqueue worker. It moves a pending settlement to processing, submits the
// on-chain transfer, polls for the configured confirmation depth, and
// returns the result string the worker persists into blockchain_tasks.result.
func (s *Service) Handle(ctx context.Context, task model.BlockchainTask) (string, error) {
	var p transferPayload
	if err := json.Unmarshal(task.PayloadJSON, &p); err != nil {
		return "", apperr.Wrap(apperr.Internal, "bad settlement task payload", err)
	}

	st, err := s.store.GetSettlement(ctx, p.SettlementID)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "load settlement", err)
	}
	if st == nil {
		return "", apperr.New(apperr.ChainPermanent, "settlement not found: "+p.SettlementID)
	}
	if st.State == model.SettlementConfirmed {
		return "already confirmed", nil // idempotent replay guard
	}

	if err := s.transition(ctx, st.ID, model.SettlementProcessing, nil); err != nil {
		return "", err
	}

	submitted, err := s.chain.TransferTokens(ctx, st.SellerID, st.BuyerID, "energy", st.Quantity.String())
	if err != nil {
		_ = s.transition(ctx, st.ID, model.SettlementFailed, nil)
		return "", err
	}

	confirmed, err := s.chain.PollUntilConfirmed(ctx, submitted.TxID, s.minConfirmations)
	if err != nil {
		_ = s.transition(ctx, st.ID, model.SettlementFailed, &submitted.TxID)
		return "", err
	}
	if !confirmed.Confirmed {
		_ = s.transition(ctx, st.ID, model.SettlementFailed, &submitted.TxID)
		return "", apperr.New(apperr.ChainTransient, "chain reported unconfirmed")
	}

	if err := s.transition(ctx, st.ID, model.SettlementConfirmed, &submitted.TxID); err != nil {
		return "", err
	}
	return submitted.TxID, nil
}

func (s *Service) transition(ctx context.Context, id string, state model.SettlementState, txID *string) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := db.TransitionSettlement(tx, id, state, txID); err != nil {
		return err
	}
	return tx.Commit()
}
