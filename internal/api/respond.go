package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/go-sql-shop/internal/account"
	"github.com/safar/go-sql-shop/internal/auth"
	"github.com/safar/go-sql-shop/internal/cart"
	"github.com/safar/go-sql-shop/internal/catalog"
	"github.com/safar/go-sql-shop/internal/checkout"
	"github.com/safar/go-sql-shop/internal/database"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	ProductID int64  `json:"product_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeError maps domain errors onto stable codes. Anything unrecognised is
// logged and reported as an opaque 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *checkout.ValidationError
		stock      *checkout.InsufficientStockError
		transition *checkout.InvalidStateTransitionError
		creation   *checkout.OrderCreationError
	)

	switch {
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, "validation_error", validation.Error())
	case errors.As(err, &stock):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:     stock.Error(),
			Code:      "insufficient_stock",
			ProductID: stock.ProductID,
		})
	case errors.Is(err, checkout.ErrEmptyCart):
		respondError(w, http.StatusBadRequest, "empty_cart", err.Error())
	case errors.Is(err, checkout.ErrAddressNotFound):
		respondError(w, http.StatusBadRequest, "address_not_found", err.Error())
	case errors.As(err, &transition):
		respondError(w, http.StatusBadRequest, "invalid_state_transition", transition.Error())
	case errors.Is(err, checkout.ErrOrderNotFound),
		errors.Is(err, cart.ErrItemNotFound),
		errors.Is(err, cart.ErrProductNotFound),
		errors.Is(err, catalog.ErrProductNotFound),
		errors.Is(err, account.ErrAddressNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, account.ErrUserNotFound), errors.Is(err, database.ErrUserNotFound):
		respondError(w, http.StatusUnauthorized, "unauthorized", "unknown user")
	case errors.Is(err, checkout.ErrPaymentDeclined):
		respondError(w, http.StatusPaymentRequired, "payment_declined", err.Error())
	case errors.Is(err, account.ErrEmailTaken):
		respondError(w, http.StatusConflict, "email_taken", err.Error())
	case errors.Is(err, account.ErrAddressInUse):
		respondError(w, http.StatusConflict, "address_in_use", err.Error())
	case errors.As(err, &creation):
		if creation.Transient {
			w.Header().Set("Retry-After", "1")
		}
		respondError(w, http.StatusInternalServerError, "order_creation_failed", "the order could not be processed, please try again")
	case database.IsTimeout(err):
		respondError(w, http.StatusGatewayTimeout, "timeout", "the request timed out")
	default:
		s.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error("unhandled error")
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &checkout.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, &checkout.ValidationError{Field: name, Message: "must be a positive integer"}
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &checkout.ValidationError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}

// userID is only called behind the auth middleware.
func userID(r *http.Request) int64 {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}
