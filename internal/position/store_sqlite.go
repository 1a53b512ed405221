package position

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore implements core.IPositionStore. Decimals are stored as TEXT
// to preserve arbitrary precision; sub-satoshi sizes and 1e-10 rates
// round-trip exactly.
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                     TEXT PRIMARY KEY,
	strategy               TEXT NOT NULL,
	account_id             TEXT NOT NULL DEFAULT '',
	symbol                 TEXT NOT NULL,
	long_venue             TEXT NOT NULL,
	long_size_usd          TEXT NOT NULL,
	long_quantity          TEXT NOT NULL,
	long_entry_price       TEXT NOT NULL,
	long_entry_rate        TEXT NOT NULL,
	long_fees_paid         TEXT NOT NULL,
	long_slippage_paid     TEXT NOT NULL,
	long_exposure_usd      TEXT NOT NULL,
	long_leverage          TEXT NOT NULL,
	short_venue            TEXT NOT NULL,
	short_size_usd         TEXT NOT NULL,
	short_quantity         TEXT NOT NULL,
	short_entry_price      TEXT NOT NULL,
	short_entry_rate       TEXT NOT NULL,
	short_fees_paid        TEXT NOT NULL,
	short_slippage_paid    TEXT NOT NULL,
	short_exposure_usd     TEXT NOT NULL,
	short_leverage         TEXT NOT NULL,
	size_usd               TEXT NOT NULL,
	entry_divergence       TEXT NOT NULL,
	current_divergence     TEXT NOT NULL,
	opened_at              TIMESTAMP NOT NULL,
	last_check_at          TIMESTAMP NOT NULL,
	status                 TEXT NOT NULL,
	exit_reason            TEXT NOT NULL DEFAULT '',
	closed_at              TIMESTAMP,
	cumulative_funding_usd TEXT NOT NULL DEFAULT '0',
	total_fees_paid_usd    TEXT NOT NULL DEFAULT '0',
	realized_pnl_usd       TEXT NOT NULL DEFAULT '0'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_live_pair
	ON positions(strategy, account_id, symbol, long_venue, short_venue)
	WHERE status != 'closed';

CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS funding_payments (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id        TEXT NOT NULL REFERENCES positions(id),
	venue              TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	funding_rate       TEXT NOT NULL,
	payment_amount_usd TEXT NOT NULL,
	payment_time       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_funding_position ON funding_payments(position_id);
CREATE INDEX IF NOT EXISTS idx_funding_venue_time ON funding_payments(venue, payment_time);
`

// NewSQLiteStore opens (or creates) the database at path with WAL enabled.
func NewSQLiteStore(path string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite writes serialize on one connection; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "position_store"),
	}, nil
}

// Close implements core.IPositionStore.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreatePosition implements core.IPositionStore. A second non-closed row
// for the same (strategy, account, symbol, venue pair) is rejected.
func (s *SQLiteStore) CreatePosition(ctx context.Context, p *core.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (
			id, strategy, account_id, symbol,
			long_venue, long_size_usd, long_quantity, long_entry_price, long_entry_rate,
			long_fees_paid, long_slippage_paid, long_exposure_usd, long_leverage,
			short_venue, short_size_usd, short_quantity, short_entry_price, short_entry_rate,
			short_fees_paid, short_slippage_paid, short_exposure_usd, short_leverage,
			size_usd, entry_divergence, current_divergence,
			opened_at, last_check_at, status, exit_reason,
			cumulative_funding_usd, total_fees_paid_usd, realized_pnl_usd
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Strategy, p.AccountID, p.Symbol,
		p.LongLeg.Venue, p.LongLeg.SizeUSD.String(), p.LongLeg.Quantity.String(),
		p.LongLeg.EntryPrice.String(), p.LongLeg.EntryRate.String(),
		p.LongLeg.FeesPaid.String(), p.LongLeg.SlippagePaid.String(),
		p.LongLeg.ExposureUSD.String(), p.LongLeg.Leverage.String(),
		p.ShortLeg.Venue, p.ShortLeg.SizeUSD.String(), p.ShortLeg.Quantity.String(),
		p.ShortLeg.EntryPrice.String(), p.ShortLeg.EntryRate.String(),
		p.ShortLeg.FeesPaid.String(), p.ShortLeg.SlippagePaid.String(),
		p.ShortLeg.ExposureUSD.String(), p.ShortLeg.Leverage.String(),
		p.SizeUSD.String(), p.EntryDivergence.String(), p.CurrentDivergence.String(),
		p.OpenedAt, p.LastCheckAt, string(p.Status), p.ExitReason,
		p.CumulativeFundingUSD.String(), p.TotalFeesPaidUSD.String(), p.RealizedPnLUSD.String(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%s %s/%s: %w", p.Symbol, p.LongLeg.Venue, p.ShortLeg.Venue, apperrors.ErrDuplicatePosition)
		}
		return fmt.Errorf("insert position: %w", apperrors.ErrPersistence)
	}
	return nil
}

// UpdatePositionState implements core.IPositionStore.
func (s *SQLiteStore) UpdatePositionState(ctx context.Context, id string, currentDivergence decimal.Decimal, lastCheckAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET current_divergence = ?, last_check_at = ?
		WHERE id = ? AND status != 'closed'`,
		currentDivergence.String(), lastCheckAt, id)
	if err != nil {
		return fmt.Errorf("update position state: %w", apperrors.ErrPersistence)
	}
	return nil
}

// RecordFundingPayment implements core.IPositionStore. The payment row and
// the cumulative increment commit in one transaction.
func (s *SQLiteStore) RecordFundingPayment(ctx context.Context, positionID, venue string, fundingRate, amountUSD decimal.Decimal, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin funding tx: %w", apperrors.ErrPersistence)
	}
	defer tx.Rollback()

	var symbol, cumulative string
	err = tx.QueryRowContext(ctx,
		`SELECT symbol, cumulative_funding_usd FROM positions WHERE id = ?`, positionID).
		Scan(&symbol, &cumulative)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s: %w", positionID, apperrors.ErrPositionNotFound)
	}
	if err != nil {
		return fmt.Errorf("read position for funding: %w", apperrors.ErrPersistence)
	}

	cum, err := decimal.NewFromString(cumulative)
	if err != nil {
		return fmt.Errorf("corrupt cumulative funding for %s: %w", positionID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO funding_payments (position_id, venue, symbol, funding_rate, payment_amount_usd, payment_time)
		VALUES (?,?,?,?,?,?)`,
		positionID, venue, symbol, fundingRate.String(), amountUSD.String(), at); err != nil {
		return fmt.Errorf("insert funding payment: %w", apperrors.ErrPersistence)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE positions SET cumulative_funding_usd = ? WHERE id = ?`,
		cum.Add(amountUSD).String(), positionID); err != nil {
		return fmt.Errorf("increment cumulative funding: %w", apperrors.ErrPersistence)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit funding tx: %w", apperrors.ErrPersistence)
	}
	return nil
}

// MarkPendingClose implements core.IPositionStore. Legal only from open;
// the write must be durable before any close order goes out.
func (s *SQLiteStore) MarkPendingClose(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = 'pending_close', exit_reason = ?
		WHERE id = ? AND status = 'open'`,
		reason, id)
	if err != nil {
		return fmt.Errorf("mark pending_close: %w", apperrors.ErrPersistence)
	}
	return s.requireTransition(ctx, res, id, core.StatusPendingClose)
}

// MarkClosed implements core.IPositionStore. Closing an already-closed
// position is a no-op; reopening is impossible.
func (s *SQLiteStore) MarkClosed(ctx context.Context, id string, realizedPnL decimal.Decimal, exitReason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = 'closed', exit_reason = ?, realized_pnl_usd = ?, closed_at = ?
		WHERE id = ? AND status != 'closed'`,
		exitReason, realizedPnL.String(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark closed: %w", apperrors.ErrPersistence)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		status, err := s.currentStatus(ctx, id)
		if err != nil {
			return err
		}
		if status == core.StatusClosed {
			return nil
		}
		return fmt.Errorf("%s -> closed on %s: %w", status, id, apperrors.ErrInvalidTransition)
	}
	return nil
}

// MarkNeedsReconciliation implements core.IPositionStore.
func (s *SQLiteStore) MarkNeedsReconciliation(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = 'needs_reconciliation', exit_reason = ?
		WHERE id = ? AND status IN ('open', 'pending_close')`,
		reason, id)
	if err != nil {
		return fmt.Errorf("mark needs_reconciliation: %w", apperrors.ErrPersistence)
	}
	return s.requireTransition(ctx, res, id, core.StatusNeedsReconciliation)
}

func (s *SQLiteStore) requireTransition(ctx context.Context, res sql.Result, id string, want core.PositionStatus) error {
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}
	status, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if status == want {
		return nil
	}
	return fmt.Errorf("%s -> %s on %s: %w", status, want, id, apperrors.ErrInvalidTransition)
}

func (s *SQLiteStore) currentStatus(ctx context.Context, id string) (core.PositionStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM positions WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%s: %w", id, apperrors.ErrPositionNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", apperrors.ErrPersistence)
	}
	return core.PositionStatus(status), nil
}

const positionColumns = `
	id, strategy, account_id, symbol,
	long_venue, long_size_usd, long_quantity, long_entry_price, long_entry_rate,
	long_fees_paid, long_slippage_paid, long_exposure_usd, long_leverage,
	short_venue, short_size_usd, short_quantity, short_entry_price, short_entry_rate,
	short_fees_paid, short_slippage_paid, short_exposure_usd, short_leverage,
	size_usd, entry_divergence, current_divergence,
	opened_at, last_check_at, status, exit_reason, closed_at,
	cumulative_funding_usd, total_fees_paid_usd, realized_pnl_usd`

// GetPosition implements core.IPositionStore.
func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*core.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", id, apperrors.ErrPositionNotFound)
	}
	return p, err
}

// ListNonClosed implements core.IPositionStore.
func (s *SQLiteStore) ListNonClosed(ctx context.Context) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status != 'closed' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("list non-closed: %w", apperrors.ErrPersistence)
	}
	defer rows.Close()

	var out []*core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListFundingPayments implements core.IPositionStore.
func (s *SQLiteStore) ListFundingPayments(ctx context.Context, positionID string) ([]core.FundingPayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, venue, symbol, funding_rate, payment_amount_usd, payment_time
		FROM funding_payments WHERE position_id = ? ORDER BY payment_time, id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("list funding payments: %w", apperrors.ErrPersistence)
	}
	defer rows.Close()

	var out []core.FundingPayment
	for rows.Next() {
		var fp core.FundingPayment
		var rate, amount string
		if err := rows.Scan(&fp.ID, &fp.PositionID, &fp.Venue, &fp.Symbol, &rate, &amount, &fp.PaymentTime); err != nil {
			return nil, err
		}
		if fp.FundingRate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		if fp.PaymentAmountUSD, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*core.Position, error) {
	var p core.Position
	var status string
	var closedAt sql.NullTime
	dec := make([]string, 22)

	err := row.Scan(
		&p.ID, &p.Strategy, &p.AccountID, &p.Symbol,
		&p.LongLeg.Venue, &dec[0], &dec[1], &dec[2], &dec[3],
		&dec[4], &dec[5], &dec[6], &dec[7],
		&p.ShortLeg.Venue, &dec[8], &dec[9], &dec[10], &dec[11],
		&dec[12], &dec[13], &dec[14], &dec[15],
		&dec[16], &dec[17], &dec[18],
		&p.OpenedAt, &p.LastCheckAt, &status, &p.ExitReason, &closedAt,
		&dec[19], &dec[20], &dec[21],
	)
	if err != nil {
		return nil, err
	}

	parsed := make([]decimal.Decimal, len(dec))
	for i, s := range dec {
		if parsed[i], err = decimal.NewFromString(s); err != nil {
			return nil, fmt.Errorf("corrupt decimal column %d on %s: %w", i, p.ID, err)
		}
	}

	p.LongLeg.Side = core.SideLong
	p.LongLeg.SizeUSD, p.LongLeg.Quantity, p.LongLeg.EntryPrice, p.LongLeg.EntryRate = parsed[0], parsed[1], parsed[2], parsed[3]
	p.LongLeg.FeesPaid, p.LongLeg.SlippagePaid, p.LongLeg.ExposureUSD, p.LongLeg.Leverage = parsed[4], parsed[5], parsed[6], parsed[7]
	p.ShortLeg.Side = core.SideShort
	p.ShortLeg.SizeUSD, p.ShortLeg.Quantity, p.ShortLeg.EntryPrice, p.ShortLeg.EntryRate = parsed[8], parsed[9], parsed[10], parsed[11]
	p.ShortLeg.FeesPaid, p.ShortLeg.SlippagePaid, p.ShortLeg.ExposureUSD, p.ShortLeg.Leverage = parsed[12], parsed[13], parsed[14], parsed[15]
	p.SizeUSD, p.EntryDivergence, p.CurrentDivergence = parsed[16], parsed[17], parsed[18]
	p.CumulativeFundingUSD, p.TotalFeesPaidUSD, p.RealizedPnLUSD = parsed[19], parsed[20], parsed[21]
	p.Status = core.PositionStatus(status)
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return &p, nil
}
