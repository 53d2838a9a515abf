package loans

import (
	"errors"
	"fmt"
)

// ===== Error model (equipment と同型、貸出固有コードを追加) =====

type Code string

const (
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeNotFound             Code = "NOT_FOUND"
	CodeEquipmentUnavailable Code = "EQUIPMENT_UNAVAILABLE"
	CodeLoanCapExceeded      Code = "LOAN_CAP_EXCEEDED"
	CodeInvalidState         Code = "INVALID_STATE_TRANSITION"
	CodeInvalidCode          Code = "INVALID_OR_CONSUMED_CODE"
	CodeAlreadyReturned      Code = "ALREADY_RETURNED"
	CodeGenerationFailed     Code = "CODE_GENERATION_FAILED"
	CodeStoreUnavailable     Code = "PERSISTENCE_UNAVAILABLE"
	CodeInternal             Code = "INTERNAL"
)

type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func ErrInvalid(msg string) *APIError  { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrNotFound(msg string) *APIError { return &APIError{Code: CodeNotFound, Message: msg} }
func ErrInternal(msg string) *APIError { return &APIError{Code: CodeInternal, Message: msg} }

func ErrEquipmentUnavailable(equipmentULID string) *APIError {
	return &APIError{Code: CodeEquipmentUnavailable, Message: "equipment is not available: " + equipmentULID}
}

func ErrLoanCapExceeded(userID string) *APIError {
	return &APIError{Code: CodeLoanCapExceeded, Message: "loan cap reached for user: " + userID}
}

func ErrInvalidState(msg string) *APIError {
	return &APIError{Code: CodeInvalidState, Message: msg}
}

func ErrInvalidCode() *APIError {
	return &APIError{Code: CodeInvalidCode, Message: "redemption code is unknown or already consumed"}
}

func ErrAlreadyReturned(loanULID string) *APIError {
	return &APIError{Code: CodeAlreadyReturned, Message: "loan already returned: " + loanULID}
}

func ErrGenerationFailed() *APIError {
	return &APIError{Code: CodeGenerationFailed, Message: "could not generate a unique redemption code"}
}

func ErrStoreUnavailable(cause error) *APIError {
	return &APIError{Code: CodeStoreUnavailable, Message: "store operation failed: " + cause.Error()}
}

func toHTTPStatus(err error) int {
	var api *APIError
	if errors.As(err, &api) {
		switch api.Code {
		case CodeInvalidArgument:
			return 400
		case CodeNotFound:
			return 404
		case CodeEquipmentUnavailable, CodeLoanCapExceeded, CodeInvalidState,
			CodeInvalidCode, CodeAlreadyReturned:
			return 409
		case CodeStoreUnavailable:
			return 503
		default:
			return 500
		}
	}
	return 500
}
