package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/model"
)

// timeLayout is RFC 3339 with a fixed-width fraction, so stored timestamps
// sort chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on a single SQLite file. Decimals are stored
// as TEXT and timestamps as fixed-width UTC strings so nothing loses precision.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives and dies with its connection.
	if strings.HasPrefix(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS share_classes (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		name TEXT NOT NULL,
		original_issue_price TEXT NOT NULL,
		liquidation_preference_multiple TEXT NOT NULL,
		preferred INTEGER NOT NULL,
		participating INTEGER NOT NULL,
		participation_cap_multiple TEXT,
		seniority_rank INTEGER,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_share_classes_company ON share_classes(company_id);

	CREATE TABLE IF NOT EXISTS holdings (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		investor_id TEXT NOT NULL,
		share_class_id TEXT NOT NULL REFERENCES share_classes(id),
		shares INTEGER NOT NULL CHECK (shares >= 0),
		issued_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_holdings_company ON holdings(company_id);

	CREATE TABLE IF NOT EXISTS convertible_securities (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		investor_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		principal_value TEXT NOT NULL,
		implied_shares INTEGER CHECK (implied_shares >= 0),
		valuation_cap TEXT,
		discount_rate TEXT,
		interest_rate TEXT,
		issued_at TEXT NOT NULL,
		maturity_date TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_convertibles_company ON convertible_securities(company_id);

	CREATE TABLE IF NOT EXISTS scenarios (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		name TEXT NOT NULL,
		exit_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL,
		calculated_at TEXT
	);

	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL REFERENCES scenarios(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		investor_id TEXT NOT NULL,
		share_class_id TEXT,
		share_class_name TEXT,
		convertible_id TEXT,
		security_type TEXT NOT NULL,
		shares INTEGER NOT NULL,
		preference_amount TEXT NOT NULL,
		participation_amount TEXT NOT NULL,
		common_amount TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		conversion_value TEXT NOT NULL,
		converted INTEGER NOT NULL,
		total_amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (scenario_id, position)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateShareClass(ctx context.Context, sc *model.ShareClass) error {
	var rank any
	if sc.SeniorityRank != nil {
		rank = *sc.SeniorityRank
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO share_classes (id, company_id, name, original_issue_price, liquidation_preference_multiple,
		                            preferred, participating, participation_cap_multiple, seniority_rank, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.CompanyID, sc.Name,
		sc.OriginalIssuePrice.String(), sc.LiquidationPreferenceMultiple.String(),
		sc.Preferred, sc.Participating,
		nullDecimalArg(sc.ParticipationCapMultiple), rank,
		formatTime(sc.CreatedAt),
	)
	return wrapSQLiteWrite(err, "share class", sc.ID)
}

func (s *SQLiteStore) CreateHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO holdings (id, company_id, investor_id, share_class_id, shares, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID, h.CompanyID, h.InvestorID, h.ShareClassID, h.Shares, formatTime(h.IssuedAt),
	)
	return wrapSQLiteWrite(err, "holding", h.ID)
}

func (s *SQLiteStore) CreateConvertible(ctx context.Context, c *model.ConvertibleSecurity) error {
	var maturity any
	if c.MaturityDate != nil {
		maturity = formatTime(*c.MaturityDate)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO convertible_securities (id, company_id, investor_id, kind, principal_value, implied_shares,
		                                     valuation_cap, discount_rate, interest_rate, issued_at, maturity_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CompanyID, c.InvestorID, c.Kind,
		c.PrincipalValue.String(), nullInt64Arg(c.ImpliedShares),
		nullDecimalArg(c.ValuationCap), nullDecimalArg(c.DiscountRate), nullDecimalArg(c.InterestRate),
		formatTime(c.IssuedAt), maturity,
	)
	return wrapSQLiteWrite(err, "convertible", c.ID)
}

func (s *SQLiteStore) GetCapTable(ctx context.Context, companyID string) (*model.CapTable, error) {
	ct := &model.CapTable{
		CompanyID:    companyID,
		ShareClasses: []model.ShareClass{},
		Holdings:     []model.Holding{},
		Convertibles: []model.ConvertibleSecurity{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, name, original_issue_price, liquidation_preference_multiple,
		        preferred, participating, participation_cap_multiple, seniority_rank, created_at
		 FROM share_classes WHERE company_id = ? ORDER BY created_at, id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("get share classes for %s: %w", companyID, err)
	}
	for rows.Next() {
		var sc model.ShareClass
		var price, multiple, createdAt string
		var capMultiple sql.NullString
		var rank sql.NullInt64
		if err := rows.Scan(&sc.ID, &sc.CompanyID, &sc.Name, &price, &multiple,
			&sc.Preferred, &sc.Participating, &capMultiple, &rank, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		sc.OriginalIssuePrice, _ = decimal.NewFromString(price)
		sc.LiquidationPreferenceMultiple, _ = decimal.NewFromString(multiple)
		sc.ParticipationCapMultiple = parseNullDecimal(nullStringPtr(capMultiple))
		if rank.Valid {
			r := int(rank.Int64)
			sc.SeniorityRank = &r
		}
		sc.CreatedAt = parseTime(createdAt)
		ct.ShareClasses = append(ct.ShareClasses, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, company_id, investor_id, share_class_id, shares, issued_at
		 FROM holdings WHERE company_id = ? ORDER BY issued_at, id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("get holdings for %s: %w", companyID, err)
	}
	for rows.Next() {
		var h model.Holding
		var issuedAt string
		if err := rows.Scan(&h.ID, &h.CompanyID, &h.InvestorID, &h.ShareClassID, &h.Shares, &issuedAt); err != nil {
			rows.Close()
			return nil, err
		}
		h.IssuedAt = parseTime(issuedAt)
		ct.Holdings = append(ct.Holdings, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, company_id, investor_id, kind, principal_value, implied_shares,
		        valuation_cap, discount_rate, interest_rate, issued_at, maturity_date
		 FROM convertible_securities WHERE company_id = ? ORDER BY issued_at, id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("get convertibles for %s: %w", companyID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c model.ConvertibleSecurity
		var principal, issuedAt string
		var implied sql.NullInt64
		var valuationCap, discount, interest, maturity sql.NullString
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.InvestorID, &c.Kind, &principal, &implied,
			&valuationCap, &discount, &interest, &issuedAt, &maturity); err != nil {
			return nil, err
		}
		if implied.Valid {
			c.ImpliedShares = &implied.Int64
		}
		c.PrincipalValue, _ = decimal.NewFromString(principal)
		c.ValuationCap = parseNullDecimal(nullStringPtr(valuationCap))
		c.DiscountRate = parseNullDecimal(nullStringPtr(discount))
		c.InterestRate = parseNullDecimal(nullStringPtr(interest))
		c.IssuedAt = parseTime(issuedAt)
		if maturity.Valid {
			m := parseTime(maturity.String)
			c.MaturityDate = &m
		}
		ct.Convertibles = append(ct.Convertibles, c)
	}
	return ct, rows.Err()
}

func (s *SQLiteStore) CreateScenario(ctx context.Context, sc *model.Scenario) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scenarios (id, company_id, name, exit_amount, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.CompanyID, sc.Name, sc.ExitAmount.String(), sc.Currency, formatTime(sc.CreatedAt),
	)
	return wrapSQLiteWrite(err, "scenario", sc.ID)
}

func (s *SQLiteStore) GetScenario(ctx context.Context, id string) (*model.Scenario, error) {
	var sc model.Scenario
	var exitAmount, createdAt string
	var calculatedAt sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, name, exit_amount, currency, created_at, calculated_at
		 FROM scenarios WHERE id = ?`, id).
		Scan(&sc.ID, &sc.CompanyID, &sc.Name, &exitAmount, &sc.Currency, &createdAt, &calculatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: scenario %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get scenario %s: %w", id, err)
	}

	sc.ExitAmount, _ = decimal.NewFromString(exitAmount)
	sc.CreatedAt = parseTime(createdAt)
	if calculatedAt.Valid {
		t := parseTime(calculatedAt.String)
		sc.CalculatedAt = &t
	}
	return &sc, nil
}

// ReplacePayouts deletes and re-inserts the payout set inside one
// transaction.
func (s *SQLiteStore) ReplacePayouts(ctx context.Context, scenarioID string, payouts []model.Payout, calculatedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrPersistence, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE scenarios SET calculated_at = ? WHERE id = ?`, formatTime(calculatedAt), scenarioID)
	if err != nil {
		return fmt.Errorf("%w: stamp scenario %s: %w", ErrPersistence, scenarioID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: scenario %s", ErrNotFound, scenarioID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM payouts WHERE scenario_id = ?`, scenarioID); err != nil {
		return fmt.Errorf("%w: delete payouts for %s: %w", ErrPersistence, scenarioID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO payouts (id, scenario_id, position, investor_id, share_class_id, share_class_name, convertible_id,
		                      security_type, shares, preference_amount, participation_amount, common_amount,
		                      principal_amount, conversion_value, converted, total_amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %w", ErrPersistence, err)
	}
	defer stmt.Close()

	for i, p := range payouts {
		if _, err := stmt.ExecContext(ctx,
			p.ID, scenarioID, i, p.InvestorID,
			nullString(p.ShareClassID), nullString(p.ShareClassName), nullString(p.ConvertibleID),
			string(p.SecurityType), p.Shares,
			p.PreferenceAmount.String(), p.ParticipationAmount.String(), p.CommonAmount.String(),
			p.PrincipalAmount.String(), p.ConversionValue.String(), p.Converted, p.TotalAmount.String(),
			formatTime(p.CreatedAt),
		); err != nil {
			return fmt.Errorf("%w: insert payout %d for %s: %w", ErrPersistence, i, scenarioID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit payouts for %s: %w", ErrPersistence, scenarioID, err)
	}
	return nil
}

func (s *SQLiteStore) ListPayouts(ctx context.Context, scenarioID string) ([]model.Payout, error) {
	if _, err := s.GetScenario(ctx, scenarioID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scenario_id, investor_id,
		        COALESCE(share_class_id, ''), COALESCE(share_class_name, ''), COALESCE(convertible_id, ''),
		        security_type, shares,
		        preference_amount, participation_amount, common_amount,
		        principal_amount, conversion_value, converted, total_amount,
		        created_at
		 FROM payouts WHERE scenario_id = ? ORDER BY position`, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("list payouts for %s: %w", scenarioID, err)
	}
	defer rows.Close()

	return scanPayouts(sqliteRows{rows})
}

// sqliteRows adapts created_at, stored as TEXT, to the time.Time that
// scanPayouts expects in the last column.
type sqliteRows struct {
	*sql.Rows
}

func (r sqliteRows) Scan(dest ...any) error {
	last := len(dest) - 1
	t, ok := dest[last].(*time.Time)
	if !ok {
		return r.Rows.Scan(dest...)
	}
	var raw string
	dest[last] = &raw
	if err := r.Rows.Scan(dest...); err != nil {
		return err
	}
	*t = parseTime(raw)
	return nil
}

// --- Column helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullInt64Arg(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// wrapSQLiteWrite maps a UNIQUE or PRIMARY KEY violation to ErrConflict.
func wrapSQLiteWrite(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s %s", ErrConflict, kind, id)
	}
	return fmt.Errorf("create %s %s: %w", kind, id, err)
}
