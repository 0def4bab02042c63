package kdb

import (
	"github.com/koracle-dev/koracle/internal/utils"
)

// RecordTransaction durably records a transfer. Insertion is
// idempotent on (signature, wallet); the return value reports whether
// a new row was inserted. This is the deduplication guard between the
// push and pull ingest paths.
func (s *Store) RecordTransaction(bc BalanceChange) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO transactions (signature, slot, block_time, wallet, amount)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (signature, wallet) DO NOTHING
	`, bc.Signature, bc.Slot, bc.BlockTime.Unix(), bc.Wallet, bc.Amount.String())
	if err != nil {
		return false, utils.AddContext(err, "couldn't record transaction")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, utils.AddContext(err, "couldn't read rows affected")
	}
	return n > 0, nil
}

// LastProcessedSlot returns the ingest watermark: the highest slot of
// any recorded transaction. It is monotonically non-decreasing.
func (s *Store) LastProcessedSlot() (uint64, error) {
	var slot uint64
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(slot), 0)
		FROM transactions
	`).Scan(&slot)
	return slot, utils.AddContext(err, "couldn't read last processed slot")
}

// TransactionCount returns the number of recorded transfers.
func (s *Store) TransactionCount() (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&count)
	return count, utils.AddContext(err, "couldn't count transactions")
}

// WalletTransactions returns the recorded transfers of one wallet in
// slot order.
func (s *Store) WalletTransactions(address string, limit int) ([]Transaction, error) {
	rows, err := s.db.Query(`
		SELECT signature, slot, block_time, wallet, amount
		FROM transactions
		WHERE wallet = ?
		ORDER BY slot DESC
		LIMIT ?
	`, address, limit)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't query transactions")
	}
	defer rows.Close()

	var txns []Transaction
	for rows.Next() {
		var txn Transaction
		var bt int64
		var amount string
		if err := rows.Scan(&txn.Signature, &txn.Slot, &bt, &txn.Wallet, &amount); err != nil {
			return nil, utils.AddContext(err, "couldn't scan transaction")
		}
		txn.BlockTime = timeOrZero(bt)
		if txn.Amount, err = utils.ParseAmount(amount); err != nil {
			return nil, utils.AddContext(err, "couldn't parse amount")
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}
