// Package mockserver provides the mock connector API that workflows run
// against when no real payment processor is wired in. The server keeps
// payment state in memory and walks it through the same status machine the
// assertions check, so a workflow exercised here behaves like one pointed
// at a live sandbox.
package mockserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mjelen/payrun/pkg/payment"
)

const refundNotFoundMessage = "Cannot find any remitted transaction with given order id"

// Profile describes how one mock connector behaves. ThreeDS connectors park
// a three_ds authorization in requires_customer_action until the customer
// step completes; the rest authorize straight through.
type Profile struct {
	Name    string // capitalized connector name, e.g. "Stripe"
	ThreeDS bool
}

type paymentRecord struct {
	ID             string
	Amount         int64
	AmountCaptured int64
	Currency       string
	Status         string
	CaptureMethod  string
	CardLast4      string
	MandateID      string
}

// Server is one mock connector instance.
type Server struct {
	profile Profile
	logger  *slog.Logger

	mu       sync.Mutex
	payments map[string]*paymentRecord
	mandates map[string]string // mandate id -> card last4
}

func NewServer(profile Profile, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		profile:  profile,
		logger:   logger,
		payments: make(map[string]*paymentRecord),
		mandates: make(map[string]string),
	}
}

// Router returns the connector API surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/payments", s.createPayment)
	r.Post("/payments/{id}", s.updatePayment)
	r.Post("/payments/{id}/confirm", s.confirmPayment)
	r.Post("/payments/{id}/capture", s.capturePayment)
	r.Get("/payments/{id}", s.retrievePayment)
	r.Post("/refunds", s.createRefund)
	r.Get("/customers/payment_methods", s.listPaymentMethods)
	return r
}

type paymentRequest struct {
	Amount             int64  `json:"amount"`
	AmountToCapture    int64  `json:"amount_to_capture,omitempty"`
	Currency           string `json:"currency"`
	Confirm            *bool  `json:"confirm,omitempty"`
	CaptureMethod      string `json:"capture_method,omitempty"`
	AuthenticationType string `json:"authentication_type,omitempty"`
	MandateID          string `json:"mandate_id,omitempty"`
	SetupFutureUsage   string `json:"setup_future_usage,omitempty"`
	PaymentMethodData  *struct {
		Card *struct {
			Number   string `json:"card_number"`
			ExpMonth string `json:"card_exp_month"`
			ExpYear  string `json:"card_exp_year"`
			CVC      string `json:"card_cvc"`
		} `json:"card,omitempty"`
	} `json:"payment_method_data,omitempty"`
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payment request")
		return
	}

	rec := &paymentRecord{
		ID:            "pay_" + uuid.NewString(),
		Amount:        req.Amount,
		Currency:      req.Currency,
		CaptureMethod: req.CaptureMethod,
	}
	if rec.CaptureMethod == "" {
		rec.CaptureMethod = "automatic"
	}
	if req.PaymentMethodData != nil && req.PaymentMethodData.Card != nil {
		n := req.PaymentMethodData.Card.Number
		if len(n) >= 4 {
			rec.CardLast4 = n[len(n)-4:]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	confirm := req.Confirm == nil || *req.Confirm
	switch {
	case !confirm:
		rec.Status = payment.StatusProcessing
	case req.MandateID != "":
		// Off-session charge against a stored mandate skips authentication.
		if _, ok := s.mandates[req.MandateID]; !ok {
			writeError(w, http.StatusBadRequest, "mandate not found")
			return
		}
		rec.MandateID = req.MandateID
		rec.Status = s.settle(rec)
	case s.profile.ThreeDS && req.AuthenticationType == "three_ds":
		rec.Status = payment.StatusRequiresCustomerAction
	default:
		rec.Status = s.settle(rec)
	}
	if req.SetupFutureUsage != "" && rec.MandateID == "" {
		rec.MandateID = "man_" + uuid.NewString()
		s.mandates[rec.MandateID] = rec.CardLast4
	}

	s.payments[rec.ID] = rec
	s.logger.Info("payment created",
		slog.String("connector", s.profile.Name),
		slog.String("payment_id", rec.ID),
		slog.String("status", rec.Status))
	writeJSON(w, http.StatusOK, s.body(rec))
}

func (s *Server) updatePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payment request")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	if payment.Terminal(rec.Status) {
		writeError(w, http.StatusBadRequest, "payment is final and cannot be updated")
		return
	}
	if req.Amount != 0 {
		rec.Amount = req.Amount
	}
	if req.Currency != "" {
		rec.Currency = req.Currency
	}
	writeJSON(w, http.StatusOK, s.body(rec))
}

func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	switch rec.Status {
	case payment.StatusRequiresCustomerAction, payment.StatusProcessing:
		rec.Status = s.settle(rec)
	default:
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("payment in state %s cannot be confirmed", rec.Status))
		return
	}
	writeJSON(w, http.StatusOK, s.body(rec))
}

func (s *Server) capturePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountToCapture int64 `json:"amount_to_capture,omitempty"`
	}
	// Absent or empty body means full capture.
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	if rec.Status != payment.StatusRequiresCapture {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("payment in state %s cannot be captured", rec.Status))
		return
	}
	switch {
	case req.AmountToCapture == 0 || req.AmountToCapture == rec.Amount:
		rec.AmountCaptured = rec.Amount
		rec.Status = payment.StatusSucceeded
	case req.AmountToCapture < rec.Amount:
		rec.AmountCaptured = req.AmountToCapture
		rec.Status = payment.StatusPartiallyCaptured
	default:
		writeError(w, http.StatusBadRequest, "capture amount exceeds authorized amount")
		return
	}
	writeJSON(w, http.StatusOK, s.body(rec))
}

func (s *Server) retrievePayment(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	writeJSON(w, http.StatusOK, s.body(rec))
}

func (s *Server) createRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentID string `json:"payment_id"`
		Amount    int64  `json:"amount,omitempty"`
		Currency  string `json:"currency,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed refund request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[req.PaymentID]
	if !ok || (rec.Status != payment.StatusSucceeded && rec.Status != payment.StatusPartiallyCaptured) {
		// Matches the processor wording for refunds against transactions it
		// never settled. No refund id is issued; the requested amount and
		// currency are echoed back.
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   payment.StatusFailed,
			"amount":   req.Amount,
			"currency": req.Currency,
			"error": map[string]any{
				"message": refundNotFoundMessage,
			},
		})
		return
	}
	amount := req.Amount
	if amount == 0 {
		amount = rec.AmountCaptured
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"refund_id":  "ref_" + uuid.NewString(),
		"payment_id": rec.ID,
		"amount":     amount,
		"currency":   rec.Currency,
		"status":     payment.StatusSucceeded,
	})
}

func (s *Server) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	methods := make([]map[string]any, 0, len(s.mandates))
	for id, last4 := range s.mandates {
		methods = append(methods, map[string]any{
			"mandate_id":     id,
			"payment_method": "card",
			"card_last4":     last4,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customer_payment_methods": methods,
	})
}

// settle decides where an authorized payment lands.
func (s *Server) settle(rec *paymentRecord) string {
	if strings.EqualFold(rec.CaptureMethod, "manual") {
		return payment.StatusRequiresCapture
	}
	rec.AmountCaptured = rec.Amount
	return payment.StatusSucceeded
}

func (s *Server) body(rec *paymentRecord) map[string]any {
	b := map[string]any{
		"payment_id":     rec.ID,
		"amount":         rec.Amount,
		"currency":       rec.Currency,
		"status":         rec.Status,
		"capture_method": rec.CaptureMethod,
		"connector":      s.profile.Name,
	}
	if rec.AmountCaptured > 0 {
		b["amount_captured"] = rec.AmountCaptured
	}
	if rec.CardLast4 != "" {
		b["card_last4"] = rec.CardLast4
	}
	if rec.MandateID != "" {
		b["mandate_id"] = rec.MandateID
	}
	return b
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": message},
	})
}
