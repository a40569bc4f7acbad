package persistence

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/state"
	"MarketLedger/internal/store"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresStore implements store.Store over database/sql and lib/pq.
//
// Write transactions run at READ COMMITTED with explicit row locks
// (SELECT ... FOR UPDATE) and per-account advisory locks; views run at
// REPEATABLE READ so multi-table reads are consistent.
type PostgresStore struct {
	db      *sql.DB
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPostgresStore(db *sql.DB, metrics *observability.Metrics, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, metrics: metrics, log: log}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

// maxTxAttempts bounds retries of transactions aborted by deadlock detection.
const maxTxAttempts = 3

// WithTx runs fn in a transaction. Credits upsert balance rows without the
// advisory lock, so two transactions can deadlock on them; Postgres aborts
// one and it is retried from the start.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.withTx(ctx, fn)
		if !retryable(err) || ctx.Err() != nil {
			return err
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("transaction aborted, retrying")
	}
	return err
}

func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	// deadlock_detected, serialization_failure
	return pqErr.Code == "40P01" || pqErr.Code == "40001"
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: sqlTx, s: s}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.mapErr(err, "commit")
	}
	return nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(r store.Reader) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	defer sqlTx.Rollback()
	return fn(&pgTx{tx: sqlTx, s: s})
}

// constraintConflicts maps unique constraints to the domain conflict they enforce.
var constraintConflicts = map[string]*apperr.Error{
	"listings_active_nft_idx":     apperr.ErrAlreadyListed,
	"escrows_holding_nft_idx":     apperr.ErrNFTEscrowed,
	"escrows_offer_key":           apperr.ErrAlreadyFinalized,
	"payment_requests_tx_ref_idx": apperr.ErrAlreadyFinalized,
	"confirmation_log_key":        apperr.ErrAlreadyFinalized,
}

// mapErr turns unique violations into domain conflicts and wraps the rest.
func (s *PostgresStore) mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if s.metrics != nil {
			s.metrics.PersistConflicts.WithLabelValues(pqErr.Constraint).Inc()
		}
		if sentinel, ok := constraintConflicts[pqErr.Constraint]; ok {
			return apperr.Wrap(sentinel, err, "%s", what)
		}
		return apperr.Wrap(apperr.ErrInvalidArgument, err, "%s: duplicate row", what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

type pgTx struct {
	tx *sql.Tx
	s  *PostgresStore
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.ErrNotFound, format, args...)
	}
	return err
}

// findOne turns ErrNoRows into (nil, nil).
func findOne[T any](v *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// limitOf returns the effective list limit as a query argument.
func limitOf(limit int) int {
	return store.EffectiveLimit(limit)
}

// ============================================================================
// Ledger
// ============================================================================

func (t *pgTx) LockAccount(ctx context.Context, key ledger.AccountKey) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.AccountPath())
	if err != nil {
		return fmt.Errorf("lock account %s: %w", key.AccountPath(), err)
	}
	return nil
}

func (t *pgTx) AppendEntry(ctx context.Context, e ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO market.ledger_entries
			(entry_id, batch_id, user_id, currency, blockchain, amount, kind, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.EntryID, e.BatchID, e.UserID, e.Currency, e.Blockchain, e.Amount, string(e.Kind), e.ReferenceID, e.CreatedAt,
	)
	if err != nil {
		return t.s.mapErr(err, "insert entry")
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO market.account_balances (user_id, currency, balance, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, currency)
		DO UPDATE SET balance = market.account_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		e.UserID, e.Currency, e.Amount, e.CreatedAt,
	)
	return t.s.mapErr(err, "update balance")
}

func (t *pgTx) Balance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	var bal int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT balance FROM market.account_balances WHERE user_id = $1 AND currency = $2`,
		key.UserID, key.Currency,
	).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

func (t *pgTx) AllBalances(ctx context.Context) (map[ledger.AccountKey]int64, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT user_id, currency, balance FROM market.account_balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[ledger.AccountKey]int64)
	for rows.Next() {
		var key ledger.AccountKey
		var bal int64
		if err := rows.Scan(&key.UserID, &key.Currency, &bal); err != nil {
			return nil, err
		}
		out[key] = bal
	}
	return out, rows.Err()
}

func (t *pgTx) Entries(ctx context.Context, f store.EntryFilter) ([]ledger.Entry, error) {
	q := newQuery(`SELECT entry_id, batch_id, user_id, currency, blockchain, amount, kind, reference_id, created_at
		FROM market.ledger_entries`)
	if f.UserID != uuid.Nil {
		q.where("user_id = ?", f.UserID)
	}
	if f.Currency != "" {
		q.where("currency = ?", f.Currency)
	}
	if f.ReferenceID != uuid.Nil {
		q.where("reference_id = ?", f.ReferenceID)
	}
	q.tail("ORDER BY seq DESC LIMIT ?", limitOf(f.Limit))

	rows, err := t.tx.QueryContext(ctx, q.sql(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Entry, 0)
	for rows.Next() {
		var e ledger.Entry
		var kind string
		if err := rows.Scan(&e.EntryID, &e.BatchID, &e.UserID, &e.Currency, &e.Blockchain, &e.Amount, &kind, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		k, ok := ledger.ParseEntryKind(kind)
		if !ok {
			return nil, fmt.Errorf("entry %s: unknown kind %q", e.EntryID, kind)
		}
		e.Kind = k
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================================================
// Listings
// ============================================================================

const listingCols = `listing_id, nft_id, seller_id, creator_id, royalty_rate, currency, price, status, note, created_at, updated_at`

func scanListing(r rowScanner) (*state.Listing, error) {
	var l state.Listing
	var status string
	err := r.Scan(&l.ListingID, &l.NFTID, &l.SellerID, &l.CreatorID, &l.RoyaltyRate, &l.Currency, &l.Price, &status, &l.Note, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = state.ListingStatus(status)
	return &l, nil
}

func (t *pgTx) getListing(ctx context.Context, id uuid.UUID, lock bool) (*state.Listing, error) {
	query := `SELECT ` + listingCols + ` FROM market.listings WHERE listing_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	l, err := scanListing(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "listing %s", id)
	}
	return l, nil
}

func (t *pgTx) GetListing(ctx context.Context, id uuid.UUID) (*state.Listing, error) {
	return t.getListing(ctx, id, false)
}

func (t *pgTx) GetListingForUpdate(ctx context.Context, id uuid.UUID) (*state.Listing, error) {
	return t.getListing(ctx, id, true)
}

func (t *pgTx) FindActiveListing(ctx context.Context, nftID string) (*state.Listing, error) {
	return findOne(scanListing(t.tx.QueryRowContext(ctx,
		`SELECT `+listingCols+` FROM market.listings WHERE nft_id = $1 AND status = 'ACTIVE'`, nftID)))
}

func (t *pgTx) ListListings(ctx context.Context, f store.ListingFilter) ([]state.Listing, error) {
	q := newQuery(`SELECT ` + listingCols + ` FROM market.listings`)
	if f.Status != "" {
		q.where("status = ?", string(f.Status))
	}
	if f.SellerID != uuid.Nil {
		q.where("seller_id = ?", f.SellerID)
	}
	if f.NFTID != "" {
		q.where("nft_id = ?", f.NFTID)
	}
	q.tail("ORDER BY created_at DESC, listing_id LIMIT ?", limitOf(f.Limit))
	return queryAll(ctx, t.tx, q, scanListing)
}

func (t *pgTx) InsertListing(ctx context.Context, l *state.Listing) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO market.listings (`+listingCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ListingID, l.NFTID, l.SellerID, l.CreatorID, l.RoyaltyRate, l.Currency, l.Price, string(l.Status), l.Note, l.CreatedAt, l.UpdatedAt,
	)
	return t.s.mapErr(err, "insert listing")
}

func (t *pgTx) UpdateListing(ctx context.Context, l *state.Listing) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE market.listings SET price = $2, status = $3, note = $4, updated_at = $5 WHERE listing_id = $1`,
		l.ListingID, l.Price, string(l.Status), l.Note, l.UpdatedAt,
	)
	return t.checkUpdated(res, err, "listing", l.ListingID)
}

func (t *pgTx) checkUpdated(res sql.Result, err error, what string, id uuid.UUID) error {
	if err != nil {
		return t.s.mapErr(err, "update "+what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.ErrNotFound, "%s %s", what, id)
	}
	return nil
}

// ============================================================================
// Offers
// ============================================================================

const offerCols = `offer_id, listing_id, buyer_id, amount, status, note, expires_at, created_at, updated_at`

func scanOffer(r rowScanner) (*state.Offer, error) {
	var o state.Offer
	var status string
	var expires sql.NullTime
	if err := r.Scan(&o.OfferID, &o.ListingID, &o.BuyerID, &o.Amount, &status, &o.Note, &expires, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = state.OfferStatus(status)
	if expires.Valid {
		o.ExpiresAt = expires.Time
	}
	return &o, nil
}

func (t *pgTx) getOffer(ctx context.Context, id uuid.UUID, lock bool) (*state.Offer, error) {
	query := `SELECT ` + offerCols + ` FROM market.offers WHERE offer_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOffer(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "offer %s", id)
	}
	return o, nil
}

func (t *pgTx) GetOffer(ctx context.Context, id uuid.UUID) (*state.Offer, error) {
	return t.getOffer(ctx, id, false)
}

func (t *pgTx) GetOfferForUpdate(ctx context.Context, id uuid.UUID) (*state.Offer, error) {
	return t.getOffer(ctx, id, true)
}

func (t *pgTx) ListOffers(ctx context.Context, f store.OfferFilter) ([]state.Offer, error) {
	q := newQuery(`SELECT ` + offerCols + ` FROM market.offers`)
	if f.ListingID != uuid.Nil {
		q.where("listing_id = ?", f.ListingID)
	}
	if f.BuyerID != uuid.Nil {
		q.where("buyer_id = ?", f.BuyerID)
	}
	if f.Status != "" {
		q.where("status = ?", string(f.Status))
	}
	q.tail("ORDER BY created_at DESC, offer_id LIMIT ?", limitOf(f.Limit))
	return queryAll(ctx, t.tx, q, scanOffer)
}

func (t *pgTx) PendingOffersForUpdate(ctx context.Context, listingID uuid.UUID) ([]state.Offer, error) {
	q := newQuery(`SELECT ` + offerCols + ` FROM market.offers`)
	q.where("listing_id = ?", listingID)
	q.where("status = 'PENDING'")
	q.tail("ORDER BY offer_id FOR UPDATE")
	return queryAll(ctx, t.tx, q, scanOffer)
}

// ExpiredOffersForUpdate skips rows another transaction holds, so several
// janitors never block on each other.
func (t *pgTx) ExpiredOffersForUpdate(ctx context.Context, now time.Time, limit int) ([]state.Offer, error) {
	q := newQuery(`SELECT ` + offerCols + ` FROM market.offers`)
	q.where("status = 'PENDING'")
	q.where("expires_at IS NOT NULL")
	q.where("expires_at <= ?", now)
	q.tail("ORDER BY expires_at LIMIT ? FOR UPDATE SKIP LOCKED", limitOf(limit))
	return queryAll(ctx, t.tx, q, scanOffer)
}

func (t *pgTx) InsertOffer(ctx context.Context, o *state.Offer) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO market.offers (`+offerCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.OfferID, o.ListingID, o.BuyerID, o.Amount, string(o.Status), o.Note, nullTime(o.ExpiresAt), o.CreatedAt, o.UpdatedAt,
	)
	return t.s.mapErr(err, "insert offer")
}

func (t *pgTx) UpdateOffer(ctx context.Context, o *state.Offer) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE market.offers SET status = $2, note = $3, updated_at = $4 WHERE offer_id = $1`,
		o.OfferID, string(o.Status), o.Note, o.UpdatedAt,
	)
	return t.checkUpdated(res, err, "offer", o.OfferID)
}

// ============================================================================
// Escrows
// ============================================================================

const escrowCols = `escrow_id, offer_id, listing_id, nft_id, buyer_id, seller_id, creator_id, currency,
	total, commission, royalty, seller_amount, status, failure_note, created_at, updated_at, transfer_started_at, finalized_at`

func scanEscrow(r rowScanner) (*state.Escrow, error) {
	var e state.Escrow
	var status string
	var started, finalized sql.NullTime
	err := r.Scan(&e.EscrowID, &e.OfferID, &e.ListingID, &e.NFTID, &e.BuyerID, &e.SellerID, &e.CreatorID, &e.Currency,
		&e.Total, &e.Commission, &e.Royalty, &e.SellerAmount, &status, &e.FailureNote, &e.CreatedAt, &e.UpdatedAt, &started, &finalized)
	if err != nil {
		return nil, err
	}
	e.Status = state.EscrowStatus(status)
	if started.Valid {
		at := started.Time
		e.TransferStartedAt = &at
	}
	if finalized.Valid {
		at := finalized.Time
		e.FinalizedAt = &at
	}
	return &e, nil
}

func (t *pgTx) getEscrow(ctx context.Context, id uuid.UUID, lock bool) (*state.Escrow, error) {
	query := `SELECT ` + escrowCols + ` FROM market.escrows WHERE escrow_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	e, err := scanEscrow(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "escrow %s", id)
	}
	return e, nil
}

func (t *pgTx) GetEscrow(ctx context.Context, id uuid.UUID) (*state.Escrow, error) {
	return t.getEscrow(ctx, id, false)
}

func (t *pgTx) GetEscrowForUpdate(ctx context.Context, id uuid.UUID) (*state.Escrow, error) {
	return t.getEscrow(ctx, id, true)
}

func (t *pgTx) FindHoldingEscrow(ctx context.Context, nftID string) (*state.Escrow, error) {
	return findOne(scanEscrow(t.tx.QueryRowContext(ctx,
		`SELECT `+escrowCols+` FROM market.escrows WHERE nft_id = $1 AND status = 'HOLDING'`, nftID)))
}

func (t *pgTx) ListEscrows(ctx context.Context, f store.EscrowFilter) ([]state.Escrow, error) {
	q := newQuery(`SELECT ` + escrowCols + ` FROM market.escrows`)
	if f.Status != "" {
		q.where("status = ?", string(f.Status))
	}
	if f.UserID != uuid.Nil {
		q.where("(buyer_id = ? OR seller_id = ?)", f.UserID, f.UserID)
	}
	if f.Currency != "" {
		q.where("currency = ?", f.Currency)
	}
	q.tail("ORDER BY created_at DESC, escrow_id LIMIT ?", limitOf(f.Limit))
	return queryAll(ctx, t.tx, q, scanEscrow)
}

func (t *pgTx) InsertEscrow(ctx context.Context, e *state.Escrow) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO market.escrows (`+escrowCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		e.EscrowID, e.OfferID, e.ListingID, e.NFTID, e.BuyerID, e.SellerID, e.CreatorID, e.Currency,
		e.Total, e.Commission, e.Royalty, e.SellerAmount, string(e.Status), e.FailureNote, e.CreatedAt, e.UpdatedAt,
		nullTimePtr(e.TransferStartedAt), nullTimePtr(e.FinalizedAt),
	)
	return t.s.mapErr(err, "insert escrow")
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e *state.Escrow) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE market.escrows SET status = $2, failure_note = $3, updated_at = $4, transfer_started_at = $5, finalized_at = $6
		WHERE escrow_id = $1`,
		e.EscrowID, string(e.Status), e.FailureNote, e.UpdatedAt, nullTimePtr(e.TransferStartedAt), nullTimePtr(e.FinalizedAt),
	)
	return t.checkUpdated(res, err, "escrow", e.EscrowID)
}

// ============================================================================
// Payments
// ============================================================================

const paymentCols = `payment_id, user_id, wallet_id, blockchain, currency, amount, direction, status,
	deposit_address, destination_address, tx_ref, claimed_tx_hash, note, created_at, updated_at`

func scanPayment(r rowScanner) (*state.PaymentRequest, error) {
	var p state.PaymentRequest
	var direction, status string
	var txRef sql.NullString
	err := r.Scan(&p.PaymentID, &p.UserID, &p.WalletID, &p.Blockchain, &p.Currency, &p.Amount, &direction, &status,
		&p.DepositAddress, &p.DestinationAddress, &txRef, &p.ClaimedTxHash, &p.Note, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Direction = state.PaymentDirection(direction)
	p.Status = state.PaymentStatus(status)
	if txRef.Valid {
		ref := txRef.String
		p.TxRef = &ref
	}
	return &p, nil
}

func (t *pgTx) getPayment(ctx context.Context, id uuid.UUID, lock bool) (*state.PaymentRequest, error) {
	query := `SELECT ` + paymentCols + ` FROM market.payment_requests WHERE payment_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPayment(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "payment %s", id)
	}
	return p, nil
}

func (t *pgTx) GetPayment(ctx context.Context, id uuid.UUID) (*state.PaymentRequest, error) {
	return t.getPayment(ctx, id, false)
}

func (t *pgTx) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*state.PaymentRequest, error) {
	return t.getPayment(ctx, id, true)
}

func (t *pgTx) FindPaymentByTxRef(ctx context.Context, txRef string) (*state.PaymentRequest, error) {
	return findOne(scanPayment(t.tx.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM market.payment_requests WHERE tx_ref = $1`, txRef)))
}

func openDepositQuery(userID uuid.UUID, blockchain string) *selectQuery {
	q := newQuery(`SELECT ` + paymentCols + ` FROM market.payment_requests`)
	q.where("direction = 'DEPOSIT'")
	q.where("status IN ('INITIATED', 'AWAITING_CONFIRMATION')")
	q.where("user_id = ?", userID)
	q.where("blockchain = ?", blockchain)
	return q
}

func (t *pgTx) FindClaimedDepositForUpdate(ctx context.Context, userID uuid.UUID, blockchain, txHash string) (*state.PaymentRequest, error) {
	q := openDepositQuery(userID, blockchain)
	q.where("claimed_tx_hash = ?", txHash)
	q.tail("ORDER BY created_at LIMIT 1 FOR UPDATE")
	return findOne(scanPayment(t.tx.QueryRowContext(ctx, q.sql(), q.args...)))
}

func (t *pgTx) FindOpenDepositForUpdate(ctx context.Context, userID uuid.UUID, blockchain, walletID string) (*state.PaymentRequest, error) {
	q := openDepositQuery(userID, blockchain)
	q.where("claimed_tx_hash = ''")
	if walletID != "" {
		q.where("wallet_id = ?", walletID)
	}
	q.tail("ORDER BY created_at LIMIT 1 FOR UPDATE")
	return findOne(scanPayment(t.tx.QueryRowContext(ctx, q.sql(), q.args...)))
}

func (t *pgTx) ListPayments(ctx context.Context, f store.PaymentFilter) ([]state.PaymentRequest, error) {
	q := newQuery(`SELECT ` + paymentCols + ` FROM market.payment_requests`)
	if f.UserID != uuid.Nil {
		q.where("user_id = ?", f.UserID)
	}
	if f.Direction != "" {
		q.where("direction = ?", string(f.Direction))
	}
	if f.Status != "" {
		q.where("status = ?", string(f.Status))
	}
	q.tail("ORDER BY created_at DESC, payment_id LIMIT ?", limitOf(f.Limit))
	return queryAll(ctx, t.tx, q, scanPayment)
}

func (t *pgTx) InsertPayment(ctx context.Context, p *state.PaymentRequest) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO market.payment_requests (`+paymentCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.PaymentID, p.UserID, p.WalletID, p.Blockchain, p.Currency, p.Amount, string(p.Direction), string(p.Status),
		p.DepositAddress, p.DestinationAddress, nullString(p.TxRef), p.ClaimedTxHash, p.Note, p.CreatedAt, p.UpdatedAt,
	)
	return t.s.mapErr(err, "insert payment")
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *state.PaymentRequest) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE market.payment_requests
		SET amount = $2, status = $3, tx_ref = $4, claimed_tx_hash = $5, note = $6, updated_at = $7
		WHERE payment_id = $1`,
		p.PaymentID, p.Amount, string(p.Status), nullString(p.TxRef), p.ClaimedTxHash, p.Note, p.UpdatedAt,
	)
	return t.checkUpdated(res, err, "payment", p.PaymentID)
}

// ============================================================================
// Confirmation log
// ============================================================================

func (t *pgTx) HasConfirmation(ctx context.Context, eventType, key string) (bool, error) {
	return hasConfirmation(ctx, t.tx, eventType, key)
}

func (t *pgTx) RecordConfirmation(ctx context.Context, eventType, key string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO market.confirmation_log (event_type, idempotency_key, applied_at) VALUES ($1, $2, $3)`,
		eventType, key, at,
	)
	return t.s.mapErr(err, fmt.Sprintf("record %s %s", eventType, key))
}
