package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/model"
)

// postgresSchema is applied by Migrate. Every statement is idempotent.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS share_classes (
	id                              TEXT PRIMARY KEY,
	company_id                      TEXT NOT NULL,
	name                            TEXT NOT NULL,
	original_issue_price            NUMERIC NOT NULL,
	liquidation_preference_multiple NUMERIC NOT NULL,
	preferred                       BOOLEAN NOT NULL,
	participating                   BOOLEAN NOT NULL,
	participation_cap_multiple      NUMERIC,
	seniority_rank                  INTEGER,
	created_at                      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_share_classes_company ON share_classes(company_id);

CREATE TABLE IF NOT EXISTS holdings (
	id             TEXT PRIMARY KEY,
	company_id     TEXT NOT NULL,
	investor_id    TEXT NOT NULL,
	share_class_id TEXT NOT NULL REFERENCES share_classes(id),
	shares         BIGINT NOT NULL CHECK (shares >= 0),
	issued_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_holdings_company ON holdings(company_id);

CREATE TABLE IF NOT EXISTS convertible_securities (
	id              TEXT PRIMARY KEY,
	company_id      TEXT NOT NULL,
	investor_id     TEXT NOT NULL,
	kind            TEXT NOT NULL,
	principal_value NUMERIC NOT NULL CHECK (principal_value >= 0),
	implied_shares  BIGINT CHECK (implied_shares >= 0),
	valuation_cap   NUMERIC,
	discount_rate   NUMERIC,
	interest_rate   NUMERIC,
	issued_at       TIMESTAMPTZ NOT NULL,
	maturity_date   TIMESTAMPTZ
);
ALTER TABLE convertible_securities ALTER COLUMN implied_shares DROP NOT NULL;
CREATE INDEX IF NOT EXISTS idx_convertibles_company ON convertible_securities(company_id);

CREATE TABLE IF NOT EXISTS scenarios (
	id            TEXT PRIMARY KEY,
	company_id    TEXT NOT NULL,
	name          TEXT NOT NULL,
	exit_amount   NUMERIC NOT NULL CHECK (exit_amount >= 0),
	currency      TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	calculated_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS payouts (
	id                   TEXT PRIMARY KEY,
	scenario_id          TEXT NOT NULL REFERENCES scenarios(id) ON DELETE CASCADE,
	position             INTEGER NOT NULL,
	investor_id          TEXT NOT NULL,
	share_class_id       TEXT,
	share_class_name     TEXT,
	convertible_id       TEXT,
	security_type        TEXT NOT NULL,
	shares               BIGINT NOT NULL,
	preference_amount    NUMERIC NOT NULL,
	participation_amount NUMERIC NOT NULL,
	common_amount        NUMERIC NOT NULL,
	principal_amount     NUMERIC NOT NULL,
	conversion_value     NUMERIC NOT NULL,
	converted            BOOLEAN NOT NULL,
	total_amount         NUMERIC NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	UNIQUE (scenario_id, position)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateShareClass(ctx context.Context, sc *model.ShareClass) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO share_classes (id, company_id, name, original_issue_price, liquidation_preference_multiple,
		                            preferred, participating, participation_cap_multiple, seniority_rank, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8::NUMERIC, $9, $10)`,
		sc.ID, sc.CompanyID, sc.Name,
		sc.OriginalIssuePrice.String(), sc.LiquidationPreferenceMultiple.String(),
		sc.Preferred, sc.Participating,
		nullDecimalArg(sc.ParticipationCapMultiple), sc.SeniorityRank,
		sc.CreatedAt,
	)
	return wrapPgWrite(err, "share class", sc.ID)
}

func (s *PostgresStore) CreateHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO holdings (id, company_id, investor_id, share_class_id, shares, issued_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.CompanyID, h.InvestorID, h.ShareClassID, h.Shares, h.IssuedAt,
	)
	return wrapPgWrite(err, "holding", h.ID)
}

func (s *PostgresStore) CreateConvertible(ctx context.Context, c *model.ConvertibleSecurity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO convertible_securities (id, company_id, investor_id, kind, principal_value, implied_shares,
		                                     valuation_cap, discount_rate, interest_rate, issued_at, maturity_date)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		c.ID, c.CompanyID, c.InvestorID, c.Kind,
		c.PrincipalValue.String(), c.ImpliedShares,
		nullDecimalArg(c.ValuationCap), nullDecimalArg(c.DiscountRate), nullDecimalArg(c.InterestRate),
		c.IssuedAt, c.MaturityDate,
	)
	return wrapPgWrite(err, "convertible", c.ID)
}

func (s *PostgresStore) GetCapTable(ctx context.Context, companyID string) (*model.CapTable, error) {
	ct := &model.CapTable{
		CompanyID:    companyID,
		ShareClasses: []model.ShareClass{},
		Holdings:     []model.Holding{},
		Convertibles: []model.ConvertibleSecurity{},
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, name,
		        original_issue_price::TEXT, liquidation_preference_multiple::TEXT,
		        preferred, participating, participation_cap_multiple::TEXT,
		        seniority_rank, created_at
		 FROM share_classes WHERE company_id = $1 ORDER BY created_at, id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("get share classes for %s: %w", companyID, err)
	}
	for rows.Next() {
		var sc model.ShareClass
		var price, multiple string
		var capMultiple *string
		var rank *int32
		if err := rows.Scan(&sc.ID, &sc.CompanyID, &sc.Name,
			&price, &multiple,
			&sc.Preferred, &sc.Participating, &capMultiple,
			&rank, &sc.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		sc.OriginalIssuePrice, _ = decimal.NewFromString(price)
		sc.LiquidationPreferenceMultiple, _ = decimal.NewFromString(multiple)
		sc.ParticipationCapMultiple = parseNullDecimal(capMultiple)
		if rank != nil {
			r := int(*rank)
			sc.SeniorityRank = &r
		}
		ct.ShareClasses = append(ct.ShareClasses, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, company_id, investor_id, share_class_id, shares, issued_at
		 FROM holdings WHERE company_id = $1 ORDER BY issued_at, id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("get holdings for %s: %w", companyID, err)
	}
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.ID, &h.CompanyID, &h.InvestorID, &h.ShareClassID, &h.Shares, &h.IssuedAt); err != nil {
			rows.Close()
			return nil, err
		}
		ct.Holdings = append(ct.Holdings, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, company_id, investor_id, kind, principal_value::TEXT, implied_shares,
		        valuation_cap::TEXT, discount_rate::TEXT, interest_rate::TEXT,
		        issued_at, maturity_date
		 FROM convertible_securities WHERE company_id = $1 ORDER BY issued_at, id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("get convertibles for %s: %w", companyID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c model.ConvertibleSecurity
		var principal string
		var valuationCap, discount, interest *string
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.InvestorID, &c.Kind, &principal, &c.ImpliedShares,
			&valuationCap, &discount, &interest,
			&c.IssuedAt, &c.MaturityDate); err != nil {
			return nil, err
		}
		c.PrincipalValue, _ = decimal.NewFromString(principal)
		c.ValuationCap = parseNullDecimal(valuationCap)
		c.DiscountRate = parseNullDecimal(discount)
		c.InterestRate = parseNullDecimal(interest)
		ct.Convertibles = append(ct.Convertibles, c)
	}
	return ct, rows.Err()
}

func (s *PostgresStore) CreateScenario(ctx context.Context, sc *model.Scenario) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scenarios (id, company_id, name, exit_amount, currency, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		sc.ID, sc.CompanyID, sc.Name, sc.ExitAmount.String(), sc.Currency, sc.CreatedAt,
	)
	return wrapPgWrite(err, "scenario", sc.ID)
}

func (s *PostgresStore) GetScenario(ctx context.Context, id string) (*model.Scenario, error) {
	var sc model.Scenario
	var exitAmount string

	err := s.pool.QueryRow(ctx,
		`SELECT id, company_id, name, exit_amount::TEXT, currency, created_at, calculated_at
		 FROM scenarios WHERE id = $1`, id).
		Scan(&sc.ID, &sc.CompanyID, &sc.Name, &exitAmount, &sc.Currency, &sc.CreatedAt, &sc.CalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: scenario %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get scenario %s: %w", id, err)
	}

	sc.ExitAmount, _ = decimal.NewFromString(exitAmount)
	return &sc, nil
}

// ReplacePayouts deletes and re-inserts the payout set inside one
// transaction. Inserts are sent as a single batch.
func (s *PostgresStore) ReplacePayouts(ctx context.Context, scenarioID string, payouts []model.Payout, calculatedAt time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE scenarios SET calculated_at = $2 WHERE id = $1`, scenarioID, calculatedAt)
	if err != nil {
		return fmt.Errorf("%w: stamp scenario %s: %w", ErrPersistence, scenarioID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: scenario %s", ErrNotFound, scenarioID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM payouts WHERE scenario_id = $1`, scenarioID); err != nil {
		return fmt.Errorf("%w: delete payouts for %s: %w", ErrPersistence, scenarioID, err)
	}

	batch := &pgx.Batch{}
	for i, p := range payouts {
		batch.Queue(
			`INSERT INTO payouts (id, scenario_id, position, investor_id, share_class_id, share_class_name, convertible_id,
			                      security_type, shares, preference_amount, participation_amount, common_amount,
			                      principal_amount, conversion_value, converted, total_amount, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15, $16::NUMERIC, $17)`,
			p.ID, scenarioID, i, p.InvestorID,
			nullString(p.ShareClassID), nullString(p.ShareClassName), nullString(p.ConvertibleID),
			string(p.SecurityType), p.Shares,
			p.PreferenceAmount.String(), p.ParticipationAmount.String(), p.CommonAmount.String(),
			p.PrincipalAmount.String(), p.ConversionValue.String(), p.Converted, p.TotalAmount.String(),
			p.CreatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("%w: insert payouts for %s: %w", ErrPersistence, scenarioID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit payouts for %s: %w", ErrPersistence, scenarioID, err)
	}
	return nil
}

func (s *PostgresStore) ListPayouts(ctx context.Context, scenarioID string) ([]model.Payout, error) {
	if _, err := s.GetScenario(ctx, scenarioID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, scenario_id, investor_id,
		        COALESCE(share_class_id, ''), COALESCE(share_class_name, ''), COALESCE(convertible_id, ''),
		        security_type, shares,
		        preference_amount::TEXT, participation_amount::TEXT, common_amount::TEXT,
		        principal_amount::TEXT, conversion_value::TEXT, converted, total_amount::TEXT,
		        created_at
		 FROM payouts WHERE scenario_id = $1 ORDER BY position`, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("list payouts for %s: %w", scenarioID, err)
	}
	defer rows.Close()

	return scanPayouts(rows)
}

// pgxRows is the subset of pgx.Rows (and *sql.Rows) that scanPayouts needs.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPayouts(rows pgxRows) ([]model.Payout, error) {
	payouts := []model.Payout{}
	for rows.Next() {
		var p model.Payout
		var securityType string
		var pref, part, common, principal, conversion, total string

		if err := rows.Scan(&p.ID, &p.ScenarioID, &p.InvestorID,
			&p.ShareClassID, &p.ShareClassName, &p.ConvertibleID,
			&securityType, &p.Shares,
			&pref, &part, &common,
			&principal, &conversion, &p.Converted, &total,
			&p.CreatedAt); err != nil {
			return nil, err
		}

		p.SecurityType = model.SecurityType(securityType)
		p.PreferenceAmount, _ = decimal.NewFromString(pref)
		p.ParticipationAmount, _ = decimal.NewFromString(part)
		p.CommonAmount, _ = decimal.NewFromString(common)
		p.PrincipalAmount, _ = decimal.NewFromString(principal)
		p.ConversionValue, _ = decimal.NewFromString(conversion)
		p.TotalAmount, _ = decimal.NewFromString(total)

		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// --- Column helpers ---

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(v)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// wrapPgWrite maps a unique violation (SQLSTATE 23505) to ErrConflict.
func wrapPgWrite(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
		return fmt.Errorf("%w: %s %s", ErrConflict, kind, id)
	}
	return fmt.Errorf("create %s %s: %w", kind, id, err)
}
