package scenario

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/capwater/waterfall-engine/internal/convertible"
	"github.com/capwater/waterfall-engine/internal/lock"
	"github.com/capwater/waterfall-engine/internal/model"
	"github.com/capwater/waterfall-engine/internal/report"
	"github.com/capwater/waterfall-engine/internal/store"
	"github.com/capwater/waterfall-engine/internal/waterfall"
)

// Routes mounts the service's handlers on r. The WebSocket endpoint is
// mounted separately so that it can skip request timeouts.
func (s *Service) Routes(r chi.Router) {
	// Cap table.
	r.Post("/companies/{companyID}/share-classes", s.CreateShareClass)
	r.Post("/companies/{companyID}/holdings", s.CreateHolding)
	r.Post("/companies/{companyID}/convertibles", s.CreateConvertible)
	r.Get("/companies/{companyID}/cap-table", s.GetCapTable)

	// Scenarios.
	r.Post("/companies/{companyID}/scenarios", s.CreateScenario)
	r.Get("/scenarios/{scenarioID}", s.GetScenario)
	r.Post("/scenarios/{scenarioID}/calculate", s.Calculate)
	r.Get("/scenarios/{scenarioID}/payouts", s.ListPayouts)
	r.Get("/scenarios/{scenarioID}/report", s.Report)

	r.Post("/convertibles/preview", s.PreviewConversion)
}

// --- Request/Response types ---

// CreateShareClassRequest is the JSON body for share class creation.
type CreateShareClassRequest struct {
	Name                          string              `json:"name"`
	OriginalIssuePrice            decimal.Decimal     `json:"original_issue_price"`            // major units per share
	LiquidationPreferenceMultiple decimal.NullDecimal `json:"liquidation_preference_multiple"` // default 1
	Preferred                     bool                `json:"preferred"`
	Participating                 bool                `json:"participating"`
	ParticipationCapMultiple      decimal.NullDecimal `json:"participation_cap_multiple"`
	SeniorityRank                 *int                `json:"seniority_rank"`
}

// CreateHoldingRequest is the JSON body for recording a share certificate.
type CreateHoldingRequest struct {
	InvestorID   string     `json:"investor_id"`
	ShareClassID string     `json:"share_class_id"`
	Shares       int64      `json:"shares"`
	IssuedAt     *time.Time `json:"issued_at"`
}

// CreateConvertibleRequest is the JSON body for recording a SAFE or note.
type CreateConvertibleRequest struct {
	InvestorID     string              `json:"investor_id"`
	Kind           string              `json:"kind"`
	PrincipalValue decimal.Decimal     `json:"principal_value"` // minor units
	ImpliedShares  *int64              `json:"implied_shares"`  // absent: derived from terms at calculation time
	ValuationCap   decimal.NullDecimal `json:"valuation_cap"`
	DiscountRate   decimal.NullDecimal `json:"discount_rate"`
	InterestRate   decimal.NullDecimal `json:"interest_rate"`
	IssuedAt       *time.Time          `json:"issued_at"`
	MaturityDate   *time.Time          `json:"maturity_date"`
}

// CreateScenarioRequest is the JSON body for scenario creation.
type CreateScenarioRequest struct {
	Name       string          `json:"name"`
	ExitAmount decimal.Decimal `json:"exit_amount"` // minor units
	Currency   string          `json:"currency"`    // "": service default
}

// PreviewRequest is the JSON body for POST /convertibles/preview.
type PreviewRequest struct {
	convertible.Terms
	ExitAmount     decimal.Decimal `json:"exit_amount"`
	PreMoneyShares int64           `json:"pre_money_shares"`
	AsOf           *time.Time      `json:"as_of"`
}

// CapTableResponse is the JSON body returned from GET cap-table. Holdings
// are aggregated per investor and class, as the engine sees them.
type CapTableResponse struct {
	CompanyID    string                      `json:"company_id"`
	ShareClasses []model.ShareClass          `json:"share_classes"`
	Holdings     []HolderPosition            `json:"holdings"`
	Convertibles []model.ConvertibleSecurity `json:"convertibles"`
	TotalShares  int64                       `json:"total_shares"`
}

// HolderPosition is one investor's aggregated position in a share class.
type HolderPosition struct {
	InvestorID   string `json:"investor_id"`
	ShareClassID string `json:"share_class_id"`
	Shares       int64  `json:"shares"`
}

// PayoutsResponse is the JSON body returned from GET payouts.
type PayoutsResponse struct {
	Scenario model.Scenario `json:"scenario"`
	Payouts  []model.Payout `json:"payouts"`
}

// --- HTTP Handlers ---

// CreateShareClass handles POST /api/v1/companies/{companyID}/share-classes
func (s *Service) CreateShareClass(w http.ResponseWriter, r *http.Request) {
	var req CreateShareClassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	multiple := model.DefaultPreferenceMultiple
	if req.LiquidationPreferenceMultiple.Valid {
		multiple = req.LiquidationPreferenceMultiple.Decimal
	}

	sc := &model.ShareClass{
		ID:                            uuid.New().String(),
		CompanyID:                     chi.URLParam(r, "companyID"),
		Name:                          req.Name,
		OriginalIssuePrice:            req.OriginalIssuePrice,
		LiquidationPreferenceMultiple: multiple,
		Preferred:                     req.Preferred,
		Participating:                 req.Participating,
		ParticipationCapMultiple:      req.ParticipationCapMultiple,
		SeniorityRank:                 req.SeniorityRank,
		CreatedAt:                     s.now().UTC(),
	}
	if err := waterfall.Validate(waterfall.Input{ShareClasses: []model.ShareClass{*sc}}); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.CreateShareClass(r.Context(), sc); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("share class created", "id", sc.ID, "company", sc.CompanyID, "name", sc.Name)
	writeJSON(w, http.StatusCreated, sc)
}

// CreateHolding handles POST /api/v1/companies/{companyID}/holdings
// The referenced share class must belong to the same company.
func (s *Service) CreateHolding(w http.ResponseWriter, r *http.Request) {
	var req CreateHoldingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InvestorID == "" {
		writeError(w, "investor_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	companyID := chi.URLParam(r, "companyID")
	ct, err := s.store.GetCapTable(ctx, companyID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	now := s.now().UTC()
	h := &model.Holding{
		ID:           uuid.New().String(),
		CompanyID:    companyID,
		InvestorID:   req.InvestorID,
		ShareClassID: req.ShareClassID,
		Shares:       req.Shares,
		IssuedAt:     orNow(req.IssuedAt, now),
	}
	in := waterfall.Input{ShareClasses: ct.ShareClasses, Holdings: []model.Holding{*h}}
	if err := waterfall.Validate(in); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.CreateHolding(ctx, h); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("holding recorded",
		"id", h.ID,
		"company", companyID,
		"investor", h.InvestorID,
		"share_class", h.ShareClassID,
		"shares", h.Shares,
	)
	writeJSON(w, http.StatusCreated, h)
}

// CreateConvertible handles POST /api/v1/companies/{companyID}/convertibles
func (s *Service) CreateConvertible(w http.ResponseWriter, r *http.Request) {
	var req CreateConvertibleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InvestorID == "" {
		writeError(w, "investor_id is required", http.StatusBadRequest)
		return
	}

	now := s.now().UTC()
	c := &model.ConvertibleSecurity{
		ID:             uuid.New().String(),
		CompanyID:      chi.URLParam(r, "companyID"),
		InvestorID:     req.InvestorID,
		Kind:           req.Kind,
		PrincipalValue: req.PrincipalValue,
		ImpliedShares:  req.ImpliedShares,
		ValuationCap:   req.ValuationCap,
		DiscountRate:   req.DiscountRate,
		InterestRate:   req.InterestRate,
		IssuedAt:       orNow(req.IssuedAt, now),
		MaturityDate:   req.MaturityDate,
	}

	terms := convertible.TermsOf(*c)
	if err := terms.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.Kind, _ = convertible.ParseKind(terms.Kind)
	if err := waterfall.Validate(waterfall.Input{Convertibles: []model.ConvertibleSecurity{*c}}); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.CreateConvertible(r.Context(), c); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("convertible recorded",
		"id", c.ID,
		"company", c.CompanyID,
		"investor", c.InvestorID,
		"kind", c.Kind,
		"principal", c.PrincipalValue.String(),
	)
	writeJSON(w, http.StatusCreated, c)
}

// GetCapTable handles GET /api/v1/companies/{companyID}/cap-table
// Returns share classes in seniority order and holdings aggregated per
// (investor, share class).
func (s *Service) GetCapTable(w http.ResponseWriter, r *http.Request) {
	ct, err := s.store.GetCapTable(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	snap := waterfall.NewSnapshot(ct.Holdings)
	resp := CapTableResponse{
		CompanyID:    ct.CompanyID,
		ShareClasses: waterfall.BySeniority(ct.ShareClasses),
		Holdings:     []HolderPosition{},
		Convertibles: ct.Convertibles,
		TotalShares:  snap.TotalShares(),
	}
	for _, sc := range resp.ShareClasses {
		for _, k := range snap.Holders(sc.ID) {
			resp.Holdings = append(resp.Holdings, HolderPosition{
				InvestorID:   k.InvestorID,
				ShareClassID: k.ShareClassID,
				Shares:       snap.Shares(k),
			})
		}
	}
	if resp.ShareClasses == nil {
		resp.ShareClasses = []model.ShareClass{}
	}
	if resp.Convertibles == nil {
		resp.Convertibles = []model.ConvertibleSecurity{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// CreateScenario handles POST /api/v1/companies/{companyID}/scenarios
func (s *Service) CreateScenario(w http.ResponseWriter, r *http.Request) {
	var req CreateScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.currency
	}
	sc := &model.Scenario{
		ID:         uuid.New().String(),
		CompanyID:  chi.URLParam(r, "companyID"),
		Name:       req.Name,
		ExitAmount: req.ExitAmount,
		Currency:   currency,
		CreatedAt:  s.now().UTC(),
	}
	if err := waterfall.Validate(waterfall.Input{ExitAmount: sc.ExitAmount, Currency: sc.Currency}); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.CreateScenario(r.Context(), sc); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("scenario created",
		"scenario", sc.ID,
		"company", sc.CompanyID,
		"exit_amount", sc.ExitAmount.String(),
		"currency", sc.Currency,
	)
	writeJSON(w, http.StatusCreated, sc)
}

// GetScenario handles GET /api/v1/scenarios/{scenarioID}
func (s *Service) GetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetScenario(r.Context(), chi.URLParam(r, "scenarioID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// Calculate handles POST /api/v1/scenarios/{scenarioID}/calculate
// Recomputes and replaces the payout set; returns payouts and summary.
func (s *Service) Calculate(w http.ResponseWriter, r *http.Request) {
	calc, err := s.Run(r.Context(), chi.URLParam(r, "scenarioID"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

// ListPayouts handles GET /api/v1/scenarios/{scenarioID}/payouts
func (s *Service) ListPayouts(w http.ResponseWriter, r *http.Request) {
	sc, payouts, err := s.Payouts(r.Context(), chi.URLParam(r, "scenarioID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusOK, PayoutsResponse{Scenario: *sc, Payouts: payouts})
}

// Report handles GET /api/v1/scenarios/{scenarioID}/report
// Renders the stored payout set as markdown.
func (s *Service) Report(w http.ResponseWriter, r *http.Request) {
	sc, payouts, err := s.Payouts(r.Context(), chi.URLParam(r, "scenarioID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	rep := report.Report{Scenario: *sc, Payouts: payouts, Summary: report.Summarize(*sc, payouts)}
	if err := report.Markdown(w, rep); err != nil {
		slog.Error("report render failed", "scenario", sc.ID, "err", err)
	}
}

// PreviewConversion handles POST /api/v1/convertibles/preview
// Derives the implied shares for the given terms without storing anything.
func (s *Service) PreviewConversion(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	asOf := orNow(req.AsOf, s.now().UTC())
	if req.IssuedAt.IsZero() {
		req.IssuedAt = asOf
	}
	p, err := convertible.Derive(req.Terms, req.ExitAmount, req.PreMoneyShares, asOf)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Helpers ---

func orNow(t *time.Time, now time.Time) time.Time {
	if t == nil || t.IsZero() {
		return now
	}
	return t.UTC()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeStoreError maps store errors for cap-table and scenario reads and
// writes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case store.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, "storage temporarily unavailable", http.StatusServiceUnavailable)
	default:
		slog.Error("store error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeRunError maps the errors of a calculation.
func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case isInvalid(err):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, lock.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, "scenario is being recalculated, try again", http.StatusConflict)
	default:
		writeStoreError(w, err)
	}
}
