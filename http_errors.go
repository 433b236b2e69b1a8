package main

import (
	"encoding/json"
	"errors"
	"net/http"
)

// errorToStatus maps each typed domain error to a fixed HTTP status
// code; everything else maps to 500.
func errorToStatus(err error) int {
	var authFailNoToken *ErrAuthFailNoToken
	var authFailJWT *ErrAuthFailJWTInvalid
	var authnFail *ErrAuthenticationFail
	var authzFail *ErrAuthorizationFail
	var notFound *ErrEntityNotFound
	var alreadyExists *ErrEntityAlreadyExists
	var validation *ErrValidationFail
	var walletLocked *ErrWalletLocked
	var balanceTooLow *ErrBalanceTooLow

	switch {
	case errors.As(err, &authFailNoToken), errors.As(err, &authFailJWT), errors.As(err, &authnFail):
		return http.StatusUnauthorized
	case errors.As(err, &authzFail):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &alreadyExists):
		return http.StatusConflict
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &walletLocked):
		return http.StatusConflict
	case errors.As(err, &balanceTooLow):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// errorKind returns the stable error-kind name carried in the
// response body alongside a human message.
func errorKind(err error) string {
	switch {
	case asType[*ErrWalletLocked](err):
		return "WalletLocked"
	case asType[*ErrBalanceTooLow](err):
		return "BalanceTooLow"
	case asType[*ErrAuthenticationFail](err):
		return "AuthenticationFail"
	case asType[*ErrAuthFailNoToken](err):
		return "AuthFailNoToken"
	case asType[*ErrAuthFailJWTInvalid](err):
		return "AuthFailJwtInvalid"
	case asType[*ErrAuthorizationFail](err):
		return "AuthorizationFail"
	case asType[*ErrEntityNotFound](err):
		return "EntityFailIdNotFound"
	case asType[*ErrEntityAlreadyExists](err):
		return "EntityAlreadyExists"
	case asType[*ErrValidationFail](err):
		return "ValidationFail"
	case asType[*ErrGateway](err):
		return "Stripe"
	default:
		return "Generic"
	}
}

func asType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// errorResponse is the JSON body every failed handler writes: never a
// stack trace, just the error kind and a human message.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, logger Logger, requestID string, err error) {
	status := errorToStatus(err)
	logger.Error("request failed", "request_id", requestID, "status", status, "error", err)
	writeJSON(w, status, errorResponse{Error: errorKind(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
