package model

import "errors"

// Ошибки предметной области. Вызывающий код сравнивает их через errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrMixedShops          = errors.New("cart lines belong to different shops")
	ErrBelowMinimumOrder   = errors.New("order total is below shop minimum")
	ErrInsufficientBalance = errors.New("insufficient reward balance")
	ErrSequenceUnavailable = errors.New("order number sequence unavailable")
	ErrOrderTerminal       = errors.New("order is in a terminal state")
	ErrInvalidTransition   = errors.New("illegal order status transition")
	ErrOrderNotEligible    = errors.New("order is not eligible for review")
	ErrDuplicateReview     = errors.New("order already reviewed")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrAlreadyExists       = errors.New("already exists")
)

// ValidationError описывает некорректные входные данные с указанием поля.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return "validation error: " + e.Field + ": " + e.Reason
}

// Is позволяет сопоставлять любую ValidationError с ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт ошибку валидации для поля.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// WrapValidation помечает err как ошибку валидации, сохраняя исходную причину.
func WrapValidation(field string, err error) error {
	return &ValidationError{Field: field, Reason: err.Error(), Err: err}
}
