package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/fare-wallet/internal/scanning"
)

// maxFrameSize bounds a single uploaded camera frame
const maxFrameSize = int64(10 << 20)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// statusFor maps a pipeline error to an HTTP status
func statusFor(err error) int {
	var settlementErr *SettlementError
	switch {
	case errors.As(err, &settlementErr), errors.Is(err, ErrUnrecognized):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrEmptyInput), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAmountFixed), errors.Is(err, ErrQuantityFixed),
		errors.Is(err, ErrInvalidTokenRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrTokenNotFound), IsTokenNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ErrWalletFrozen):
		return http.StatusForbidden
	case errors.Is(err, ErrSubmissionInFlight), errors.Is(err, ErrCaptureActive),
		errors.Is(err, ErrNoCycle), errors.Is(err, ErrExpired),
		errors.Is(err, scanning.ErrSourceBusy), errors.Is(err, scanning.ErrNotCapturing):
		return http.StatusConflict
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrWalletUnavailable),
		errors.Is(err, ErrCaptureUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrPaymentFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError writes err as a JSON error body with the user-facing message
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	message := UserMessage(err)
	switch {
	case IsTokenNotFound(err):
		message = ErrNoToken.Error()
	case errors.Is(err, scanning.ErrSourceBusy), errors.Is(err, scanning.ErrNotCapturing):
		message = err.Error()
	}
	if code == http.StatusInternalServerError {
		slog.Error("Unhandled request error", "error", err)
	}
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, message string) {
	setCORSHeaders(w)
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": message})
}

// handleGetWallet refreshes and returns the payer's wallet
func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.session.Wallet(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.deps.Transactions.ListTransactions(r.Context(), s.session.PayerID())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.History())
}

func (s *Server) handleListNotices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Notices())
}

// handleSubmitScan processes a code typed or pasted by the user
func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data string `json:"data"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	view, err := s.session.Submit(r.Context(), req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.View())
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.session.Dismiss()
	writeJSON(w, http.StatusOK, s.session.View())
}

// handleSetQuantity sets or adjusts the ticket quantity
func (s *Server) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity *int `json:"quantity"`
		Delta    *int `json:"delta"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	var (
		view View
		err  error
	)
	switch {
	case req.Quantity != nil:
		view, err = s.session.SetQuantity(*req.Quantity)
	case req.Delta != nil:
		view, err = s.session.AdjustQuantity(*req.Delta)
	default:
		badRequest(w, "quantity or delta required")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleSetAmount records the amount typed for an open merchant payment
func (s *Server) handleSetAmount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	view, err := s.session.SetAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleConfirm submits the open payment
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	result, err := s.session.Confirm(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) captureState() map[string]any {
	return map[string]any{
		"state":   s.deps.Capture.State(),
		"session": s.session.View(),
	}
}

func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capture == nil {
		writeError(w, ErrCaptureUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.captureState())
}

func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capture == nil {
		writeError(w, ErrCaptureUnavailable)
		return
	}
	if err := s.deps.Capture.Start(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.captureState())
}

func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capture == nil {
		writeError(w, ErrCaptureUnavailable)
		return
	}
	s.deps.Capture.Stop()
	writeJSON(w, http.StatusOK, s.captureState())
}

// frameContentType determines the content type of an uploaded frame
func frameContentType(declared, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

// handleCaptureFrame feeds one camera frame to the running capture. When the
// frame decodes, the response carries the confirmation cycle it opened.
func (s *Server) handleCaptureFrame(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capture == nil || s.deps.Frames == nil {
		writeError(w, ErrCaptureUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFrameSize)
	if err := r.ParseMultipartForm(maxFrameSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		badRequest(w, "Error parsing form")
		return
	}
	f, header, err := r.FormFile("frame")
	if err != nil {
		badRequest(w, "No frame provided")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading frame data", "error", err)
		badRequest(w, "Error reading frame")
		return
	}

	contentType := frameContentType(header.Header.Get("Content-Type"), header.Filename)
	if err := s.deps.Frames.Feed(data, contentType); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.captureState())
}

// handleIssueToken issues a payment code owned by the payer
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category     Category        `json:"category"`
		Amount       decimal.Decimal `json:"amount"`
		BusinessName string          `json:"business_name"`
		Description  string          `json:"description"`
		ExpiresAt    *time.Time      `json:"expires_at"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if req.Category == "" {
		req.Category = CategoryMerchant
	}

	token, err := s.deps.Tokens.Issue(r.Context(), TokenRequest{
		Category:     req.Category,
		OwnerID:      s.session.PayerID(),
		Amount:       req.Amount,
		BusinessName: req.BusinessName,
		Description:  req.Description,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.deps.Tokens.List(r.Context(), s.session.PayerID())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleSetTokenActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := decodeBody(r, &req); err != nil || req.Active == nil {
		badRequest(w, "active required")
		return
	}

	token, err := s.deps.Tokens.SetActive(r.Context(), s.session.PayerID(), r.PathValue("id"), *req.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// handleExportToken downloads a token's payload document
func (s *Server) handleExportToken(w http.ResponseWriter, r *http.Request) {
	name, data, err := s.deps.Tokens.Export(r.Context(), s.session.PayerID(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(data)
}
