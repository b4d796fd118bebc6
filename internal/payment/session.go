package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IDGenerator generates unique IDs
type IDGenerator interface {
	Generate() string
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// Options tunes a Session. Zero values select the defaults.
type Options struct {
	FallbackFee decimal.Decimal
	Metrics     *Metrics
	IDGenerator IDGenerator
	TimeSource  TimeSource
}

// Session is the pipeline controller for one payer. It owns at most one
// open confirmation cycle, the payer's wallet snapshot, the scan history
// and the notice feed. All failures end here as notices.
type Session struct {
	payerID    string
	resolver   *Resolver
	builder    IntentBuilder
	submitter  *Submitter
	wallets    WalletStore
	history    *History
	notices    *Notices
	metrics    *Metrics
	ids        IDGenerator
	timeSource TimeSource

	mu         sync.Mutex
	wallet     *WalletSnapshot
	cycle      *cycle
	submitting bool
}

// cycle is one scan awaiting confirmation
type cycle struct {
	id    string
	scan  ClassifiedScan
	draft *Draft
	last  *SettlementResult
}

// NewSession creates a Session paying on behalf of payerID
func NewSession(payerID string, refs ReferenceStore, wallets WalletStore, settler Settler, opts Options) *Session {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = &defaultIDGenerator{}
	}
	if opts.TimeSource == nil {
		opts.TimeSource = &defaultTimeSource{}
	}
	return &Session{
		payerID:    payerID,
		resolver:   NewResolver(refs, opts.TimeSource),
		builder:    IntentBuilder{FallbackFee: opts.FallbackFee},
		submitter:  NewSubmitter(settler),
		wallets:    wallets,
		history:    NewHistory(),
		notices:    NewNotices(),
		metrics:    opts.Metrics,
		ids:        opts.IDGenerator,
		timeSource: opts.TimeSource,
	}
}

// PayerID returns the user the session pays for
func (s *Session) PayerID() string {
	return s.payerID
}

// Submit processes text typed or pasted by the user. It skips the capture session.
func (s *Session) Submit(ctx context.Context, text string) (View, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return s.View(), ErrEmptyInput
	}
	return s.Process(ctx, text)
}

// Process runs a capture through decode, classify and resolve, and opens a
// confirmation cycle for it. Any cycle already open is replaced.
func (s *Session) Process(ctx context.Context, raw string) (View, error) {
	scan := Classify(Decode(raw))
	s.history.Add(scan, s.timeSource.Now())
	s.metrics.scanned(scan.Category)

	if scan.Category == CategoryUnknown {
		return s.View(), s.fail(ErrUnrecognized)
	}

	ref, err := s.resolver.Resolve(ctx, scan)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenNotFound):
			s.metrics.resolved(scan.Category, "not_found")
		default:
			s.metrics.resolved(scan.Category, "unavailable")
			slog.Error("Failed to resolve payment code", "category", scan.Category, "error", err)
		}
		return s.View(), s.fail(err)
	}
	s.metrics.resolved(scan.Category, "resolved")

	s.mu.Lock()
	if s.cycle != nil {
		slog.Info("Replacing open payment cycle", "cycle_id", s.cycle.id)
	}
	s.cycle = &cycle{
		id:    s.ids.Generate(),
		scan:  scan,
		draft: NewDraft(s.builder, ref),
	}
	view := s.viewLocked()
	s.mu.Unlock()

	return view, nil
}

// AdjustQuantity moves the ticket quantity of the open cycle by delta
func (s *Session) AdjustQuantity(delta int) (View, error) {
	return s.edit(func(d *Draft) error { return d.AdjustQuantity(delta) })
}

// SetQuantity sets the ticket quantity of the open cycle
func (s *Session) SetQuantity(quantity int) (View, error) {
	return s.edit(func(d *Draft) error { return d.SetQuantity(quantity) })
}

// SetAmount records the amount typed for a merchant payment without a fixed amount
func (s *Session) SetAmount(entered string) (View, error) {
	return s.edit(func(d *Draft) error { return d.SetAmount(entered) })
}

func (s *Session) edit(change func(*Draft) error) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycle == nil {
		return s.viewLocked(), ErrNoCycle
	}
	if err := change(s.cycle.draft); err != nil {
		return s.viewLocked(), err
	}
	return s.viewLocked(), nil
}

// Dismiss closes the open cycle. A submission in flight is not cancelled;
// its result is dropped when it arrives.
func (s *Session) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycle == nil {
		return
	}
	if s.submitting {
		slog.Info("Dismissing payment cycle with a submission in flight", "cycle_id", s.cycle.id)
	}
	s.cycle = nil
}

// Confirm submits the open cycle's intent. Only one submission may be in
// flight per session. The submission is detached from ctx: if the caller
// goes away the payment still completes and its result reaches the cycle,
// if the cycle is still open.
func (s *Session) Confirm(ctx context.Context) (SettlementResult, error) {
	s.mu.Lock()
	c := s.cycle
	if c == nil {
		s.mu.Unlock()
		return SettlementResult{}, ErrNoCycle
	}
	if s.submitting {
		s.mu.Unlock()
		return SettlementResult{}, ErrSubmissionInFlight
	}
	intent, err := c.draft.Intent()
	if err != nil {
		s.mu.Unlock()
		return SettlementResult{}, s.fail(err)
	}
	if !intent.TotalAmount.IsPositive() {
		s.mu.Unlock()
		return SettlementResult{}, s.fail(ErrInvalidAmount)
	}
	s.submitting = true
	s.mu.Unlock()

	wallet, err := s.guardSnapshot(ctx)
	if err != nil {
		s.endSubmission()
		return SettlementResult{}, s.fail(err)
	}
	if !Allow(wallet) {
		s.endSubmission()
		s.metrics.guardBlocked()
		return SettlementResult{}, s.fail(ErrWalletFrozen)
	}

	results := make(chan SettlementResult, 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		result := s.submitter.Submit(detached, intent, s.payerID)
		s.metrics.settled(intent.Category, result.Outcome)
		if _, err := s.refreshWallet(detached); err != nil {
			slog.Warn("Failed to refresh wallet after settlement", "error", err)
		}
		s.deliver(c.id, result)
		results <- result
	}()

	select {
	case result := <-results:
		return result, result.Err()
	case <-ctx.Done():
		return SettlementResult{}, ctx.Err()
	}
}

// deliver applies a settlement result to the cycle it was submitted for.
// Results for cycles that are no longer open are dropped.
func (s *Session) deliver(cycleID string, result SettlementResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false

	if s.cycle == nil || s.cycle.id != cycleID {
		slog.Info("Dropping settlement result for closed cycle",
			"cycle_id", cycleID,
			"outcome", result.Outcome,
		)
		return
	}

	now := s.timeSource.Now()
	switch result.Outcome {
	case OutcomeSuccess:
		s.cycle = nil
		s.notices.Add(NoticeInfo, "payment successful", now)
	default:
		// The cycle stays open so the user can correct it and try again
		s.cycle.last = &result
		s.notices.Add(NoticeError, UserMessage(result.Err()), now)
	}
}

func (s *Session) endSubmission() {
	s.mu.Lock()
	s.submitting = false
	s.mu.Unlock()
}

// guardSnapshot refreshes the wallet for the balance guard, falling back to
// the last snapshot when the refresh fails
func (s *Session) guardSnapshot(ctx context.Context) (WalletSnapshot, error) {
	wallet, err := s.refreshWallet(ctx)
	if err == nil {
		return wallet, nil
	}

	s.mu.Lock()
	cached := s.wallet
	s.mu.Unlock()
	if cached == nil {
		return WalletSnapshot{}, fmt.Errorf("%w: %w", ErrWalletUnavailable, err)
	}
	slog.Warn("Using cached wallet snapshot", "fetched_at", cached.FetchedAt, "error", err)
	return *cached, nil
}

func (s *Session) refreshWallet(ctx context.Context) (WalletSnapshot, error) {
	wallet, err := s.wallets.Wallet(ctx, s.payerID)
	if err != nil {
		return WalletSnapshot{}, fmt.Errorf("fetching wallet: %w", err)
	}
	if wallet.FetchedAt.IsZero() {
		wallet.FetchedAt = s.timeSource.Now()
	}

	s.mu.Lock()
	s.wallet = &wallet
	s.mu.Unlock()
	return wallet, nil
}

// Wallet refreshes and returns the payer's wallet snapshot
func (s *Session) Wallet(ctx context.Context) (WalletSnapshot, error) {
	wallet, err := s.refreshWallet(ctx)
	if err != nil {
		slog.Error("Error fetching wallet data", "payer_id", s.payerID, "error", err)
		return WalletSnapshot{}, fmt.Errorf("%w: %w", ErrWalletUnavailable, err)
	}
	return wallet, nil
}

// fail publishes err as a notice and returns it
func (s *Session) fail(err error) error {
	s.notices.Add(NoticeError, UserMessage(err), s.timeSource.Now())
	return err
}

// History returns the recent scans, newest first
func (s *Session) History() []HistoryEntry {
	return s.history.Entries()
}

// Notices returns the recent notices, newest first
func (s *Session) Notices() []Notice {
	return s.notices.Entries()
}

// View is what the confirmation screen shows
type View struct {
	Open             bool              `json:"open"`
	CycleID          string            `json:"cycle_id,omitempty"`
	Scan             *ClassifiedScan   `json:"scan,omitempty"`
	Reference        *Reference        `json:"reference,omitempty"`
	Intent           *PaymentIntent    `json:"intent,omitempty"`
	IntentError      string            `json:"intent_error,omitempty"`
	QuantityEditable bool              `json:"quantity_editable"`
	AmountEditable   bool              `json:"amount_editable"`
	Submitting       bool              `json:"submitting"`
	CanConfirm       bool              `json:"can_confirm"`
	LastResult       *SettlementResult `json:"last_result,omitempty"`
	Wallet           *WalletSnapshot   `json:"wallet,omitempty"`
}

// View returns the state of the open cycle
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	view := View{
		Submitting: s.submitting,
	}
	if s.wallet != nil {
		wallet := *s.wallet
		view.Wallet = &wallet
	}
	if s.cycle == nil {
		return view
	}

	scan := s.cycle.scan
	ref := s.cycle.draft.Reference()
	view.Open = true
	view.CycleID = s.cycle.id
	view.Scan = &scan
	view.Reference = &ref
	view.QuantityEditable = s.cycle.draft.QuantityEditable()
	view.AmountEditable = s.cycle.draft.AmountEditable()
	view.LastResult = s.cycle.last

	intent, err := s.cycle.draft.Intent()
	if err != nil {
		view.IntentError = UserMessage(err)
	} else {
		view.Intent = &intent
	}
	frozen := s.wallet != nil && s.wallet.Frozen
	view.CanConfirm = err == nil && !s.submitting && !frozen
	return view
}
