package kdb

import (
	"database/sql"
	"errors"
	"math/big"
	"time"

	"github.com/koracle-dev/koracle/internal/utils"
)

// ErrWalletNotFound is returned when the requested wallet has never
// been observed.
var ErrWalletNotFound = errors.New("wallet not found")

// A Class buckets a holder by how much of their first buy they still
// hold.
type Class string

// The retention classes.
const (
	ClassAccumulator Class = "accumulator"
	ClassMaintained  Class = "maintained"
	ClassReducer     Class = "reducer"
	ClassExtractor   Class = "extractor"
)

// Retention returns current balance over first-buy amount. Wallets
// without a recorded first buy count as exactly maintained.
func Retention(current, firstBuy *big.Int) float64 {
	if firstBuy == nil || firstBuy.Sign() <= 0 {
		return 1.0
	}
	return utils.RatFloat(current, firstBuy)
}

// ClassifyRetention buckets a retention value.
func ClassifyRetention(retention float64) Class {
	switch {
	case retention >= 1.5:
		return ClassAccumulator
	case retention >= 1.0:
		return ClassMaintained
	case retention >= 0.5:
		return ClassReducer
	default:
		return ClassExtractor
	}
}

// A WalletUpdate describes the outcome of applying a balance change.
// PrevBalance is the tracked balance before the change; on an exit it
// is what the holder actually held, which may be less than the sell
// size when the balance floors at zero.
type WalletUpdate struct {
	Applied     bool
	NewHolder   bool
	Exited      bool
	PrevBalance *big.Int
	Wallet      Wallet
}

const walletColumns = `
	address,
	first_buy_ts,
	first_buy_amount,
	total_received,
	total_sent,
	current_balance,
	peak_balance,
	last_tx_signature,
	last_slot,
	k_wallet,
	k_wallet_tokens,
	k_wallet_updated_at,
	k_wallet_slot
`

func scanWallet(row interface{ Scan(...any) error }) (Wallet, error) {
	var w Wallet
	var fbts, kwUpdated int64
	var fba, tr, ts, cb, pb string
	if err := row.Scan(
		&w.Address, &fbts, &fba, &tr, &ts, &cb, &pb,
		&w.LastTxSignature, &w.LastSlot,
		&w.KWallet, &w.KWalletTokens, &kwUpdated, &w.KWalletSlot,
	); err != nil {
		return Wallet{}, err
	}
	w.FirstBuyTime = timeOrZero(fbts)
	w.KWalletUpdatedAt = timeOrZero(kwUpdated)
	var err error
	if w.FirstBuyAmount, err = utils.DecodeAmount(fba); err != nil {
		return Wallet{}, utils.AddContext(err, "first buy amount")
	}
	if w.TotalReceived, err = utils.DecodeAmount(tr); err != nil {
		return Wallet{}, utils.AddContext(err, "total received")
	}
	if w.TotalSent, err = utils.DecodeAmount(ts); err != nil {
		return Wallet{}, utils.AddContext(err, "total sent")
	}
	if w.CurrentBalance, err = utils.DecodeAmount(cb); err != nil {
		return Wallet{}, utils.AddContext(err, "current balance")
	}
	if w.PeakBalance, err = utils.DecodeAmount(pb); err != nil {
		return Wallet{}, utils.AddContext(err, "peak balance")
	}
	return w, nil
}

// Wallet returns the persisted state of one address.
func (s *Store) Wallet(address string) (Wallet, error) {
	row := s.db.QueryRow(`
		SELECT `+walletColumns+`
		FROM wallets
		WHERE address = ?
	`, address)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	if err != nil {
		return Wallet{}, utils.AddContext(err, "couldn't load wallet")
	}
	return w, nil
}

// UpsertWallet applies a balance change to the wallet it affects. The
// change is ignored if the wallet has already advanced past its slot.
// The first positive delta fixes firstBuyTime and firstBuyAmount for
// the lifetime of the wallet.
func (s *Store) UpsertWallet(bc BalanceChange) (WalletUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return WalletUpdate{}, utils.AddContext(err, "couldn't start transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT `+walletColumns+`
		FROM wallets
		WHERE address = ?
	`, bc.Wallet)
	w, err := scanWallet(row)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		w = Wallet{
			Address:        bc.Wallet,
			FirstBuyAmount: new(big.Int),
			TotalReceived:  new(big.Int),
			TotalSent:      new(big.Int),
			CurrentBalance: new(big.Int),
			PeakBalance:    new(big.Int),
			KWallet:        -1,
		}
	} else if err != nil {
		return WalletUpdate{}, utils.AddContext(err, "couldn't load wallet")
	}

	// Later slots never get overwritten by older data.
	if exists && bc.Slot <= w.LastSlot {
		return WalletUpdate{Applied: false, PrevBalance: w.CurrentBalance, Wallet: w}, nil
	}

	prevBalance := new(big.Int).Set(w.CurrentBalance)
	newBalance := new(big.Int).Add(w.CurrentBalance, bc.Amount)
	if newBalance.Sign() < 0 {
		newBalance.SetInt64(0)
	}

	if bc.Amount.Sign() > 0 {
		w.TotalReceived = new(big.Int).Add(w.TotalReceived, bc.Amount)
		if w.FirstBuyTime.IsZero() {
			w.FirstBuyTime = bc.BlockTime
			w.FirstBuyAmount = new(big.Int).Set(bc.Amount)
		}
	} else if bc.Amount.Sign() < 0 {
		w.TotalSent = new(big.Int).Sub(w.TotalSent, bc.Amount)
	}

	w.CurrentBalance = newBalance
	w.PeakBalance = new(big.Int).Set(utils.Max(w.PeakBalance, newBalance))
	w.LastTxSignature = bc.Signature
	w.LastSlot = bc.Slot

	_, err = tx.Exec(`
		INSERT INTO wallets (
			address,
			first_buy_ts,
			first_buy_amount,
			total_received,
			total_sent,
			current_balance,
			peak_balance,
			last_tx_signature,
			last_slot
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			first_buy_ts = excluded.first_buy_ts,
			first_buy_amount = excluded.first_buy_amount,
			total_received = excluded.total_received,
			total_sent = excluded.total_sent,
			current_balance = excluded.current_balance,
			peak_balance = excluded.peak_balance,
			last_tx_signature = excluded.last_tx_signature,
			last_slot = excluded.last_slot
	`,
		w.Address,
		unixOrZero(w.FirstBuyTime),
		utils.EncodeAmount(w.FirstBuyAmount),
		utils.EncodeAmount(w.TotalReceived),
		utils.EncodeAmount(w.TotalSent),
		utils.EncodeAmount(w.CurrentBalance),
		utils.EncodeAmount(w.PeakBalance),
		w.LastTxSignature,
		w.LastSlot,
	)
	if err != nil {
		return WalletUpdate{}, utils.AddContext(err, "couldn't update wallet")
	}
	if err := tx.Commit(); err != nil {
		return WalletUpdate{}, utils.AddContext(err, "couldn't commit transaction")
	}

	return WalletUpdate{
		Applied:     true,
		NewHolder:   prevBalance.Sign() == 0 && newBalance.Sign() > 0,
		Exited:      prevBalance.Sign() > 0 && newBalance.Sign() == 0,
		PrevBalance: prevBalance,
		Wallet:      w,
	}, nil
}

// Wallets returns all wallets with a balance of at least minBalance,
// ordered by descending balance, ties broken by address.
func (s *Store) Wallets(minBalance *big.Int) ([]Wallet, error) {
	rows, err := s.db.Query(`
		SELECT `+walletColumns+`
		FROM wallets
		WHERE current_balance >= ?
		ORDER BY current_balance DESC, address ASC
	`, utils.EncodeAmount(minBalance))
	if err != nil {
		return nil, utils.AddContext(err, "couldn't query wallets")
	}
	defer rows.Close()

	var wallets []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, utils.AddContext(err, "couldn't scan wallet")
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// HoldersFiltered returns the holders matching the filter, ordered by
// descending balance. An unset minimum balance means any positive
// balance; a KMin of zero or less matches unscored wallets too.
func (s *Store) HoldersFiltered(f HolderFilter) ([]Wallet, error) {
	query := `
		SELECT ` + walletColumns + `
		FROM wallets
		WHERE current_balance `
	var args []any
	if f.MinBalance != nil && f.MinBalance.Sign() > 0 {
		query += `>= ?`
		args = append(args, utils.EncodeAmount(f.MinBalance))
	} else {
		query += `> ?`
		args = append(args, utils.EncodeAmount(new(big.Int)))
	}
	if f.KMin > 0 {
		query += ` AND k_wallet >= ?`
		args = append(args, f.KMin)
	}
	query += ` ORDER BY current_balance DESC, address ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't query holders")
	}
	defer rows.Close()

	var wallets []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, utils.AddContext(err, "couldn't scan wallet")
		}
		if f.Classification != "" &&
			ClassifyRetention(Retention(w.CurrentBalance, w.FirstBuyAmount)) != f.Classification {
			continue
		}
		wallets = append(wallets, w)
		if f.Limit > 0 && len(wallets) >= f.Limit {
			break
		}
	}
	return wallets, rows.Err()
}

// UpdateWalletKScore records a freshly computed cross-token score.
func (s *Store) UpdateWalletKScore(address string, kWallet, tokens int, slot uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE wallets
		SET k_wallet = ?,
			k_wallet_tokens = ?,
			k_wallet_updated_at = ?,
			k_wallet_slot = ?
		WHERE address = ?
	`, kWallet, tokens, time.Now().Unix(), slot, address)
	return utils.AddContext(err, "couldn't update wallet score")
}

// StaleKWallets returns holder addresses whose cross-token score is
// older than the cutoff, including those never scored.
func (s *Store) StaleKWallets(cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT address
		FROM wallets
		WHERE current_balance > ?
		AND k_wallet_updated_at < ?
		ORDER BY k_wallet_updated_at ASC
		LIMIT ?
	`, utils.EncodeAmount(new(big.Int)), cutoff.Unix(), limit)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't query stale wallets")
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, utils.AddContext(err, "couldn't scan address")
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// HolderCount returns the number of wallets with a positive balance.
func (s *Store) HolderCount() (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*)
		FROM wallets
		WHERE current_balance > ?
	`, utils.EncodeAmount(new(big.Int))).Scan(&count)
	return count, utils.AddContext(err, "couldn't count holders")
}

// KWalletCoverage returns how many holders have a computed
// cross-token score.
func (s *Store) KWalletCoverage() (scored, total int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*), COUNT(CASE WHEN k_wallet >= 0 THEN 1 END)
		FROM wallets
		WHERE current_balance > ?
	`, utils.EncodeAmount(new(big.Int))).Scan(&total, &scored)
	return scored, total, utils.AddContext(err, "couldn't compute coverage")
}
