// Package errors contains helper functions and types to work with errors
package errors

import (
	"errors"
	"net/http"
)

// Messages are the only error strings relay clients ever receive.
const (
	MessageBadTokenFee = "Bad token fee."
	MessageUnknown     = "Unknown error."
)

// Category defines error category
type Category int

const (
	// CategoryNoError is used when a request completed without error.
	CategoryNoError Category = iota
	// CategoryDataError The client sent invalid data in the request.
	CategoryDataError
	// CategoryUnauthorized The client is not authorized to access the requested resource
	CategoryUnauthorized
	// CategoryResourceNotFound The client is attempting to access a resource that does not exist
	CategoryResourceNotFound
	// CategoryBadTokenFee The transaction did not pay the required relay fee
	CategoryBadTokenFee
	// CategoryPolicyRejection A business rule deliberately refused the operation
	CategoryPolicyRejection
	// CategoryDependencyFailure A dependent service (RPC, price API) is throwing errors
	CategoryDependencyFailure
	// CategoryGeneralError The service failed in an unexpected way
	CategoryGeneralError
	// CategoryRecovering The service is failing but is expected to recover
	CategoryRecovering
)

func (c Category) String() string {
	switch c {
	case CategoryNoError:
		return "CategoryNoError"
	case CategoryDataError:
		return "CategoryDataError"
	case CategoryUnauthorized:
		return "CategoryUnauthorized"
	case CategoryResourceNotFound:
		return "CategoryResourceNotFound"
	case CategoryBadTokenFee:
		return "CategoryBadTokenFee"
	case CategoryPolicyRejection:
		return "CategoryPolicyRejection"
	case CategoryDependencyFailure:
		return "CategoryDependencyFailure"
	case CategoryRecovering:
		return "CategoryRecovering"
	default:
		return "CategoryGeneralError"
	}
}

// ServiceError represents service specific type that
// is used all over the services.
type ServiceError struct {
	Category Category
	Message  string
	Err      error
}

// Error method to comply with error interface
func (err ServiceError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// Unwrap returns the underlying error
func (err ServiceError) Unwrap() error {
	return err.Err
}

// Is checks that provided error is a ServiceError with desired Category
func Is(err error, cat Category) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.Category == cat {
		return true
	}
	return false
}

// IsInternalError checks that provided error is an internal system error
func IsInternalError(err error) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.Category < CategoryDependencyFailure {
		return false
	}
	return true
}

// CategoryOf returns the category of err. Errors that are not a
// ServiceError are general errors.
func CategoryOf(err error) Category {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Category
	}
	return CategoryGeneralError
}

// Sanitize collapses any error into the two messages relay clients may see.
func Sanitize(err error) string {
	if Is(err, CategoryBadTokenFee) {
		return MessageBadTokenFee
	}
	return MessageUnknown
}

// GeneralError returns a general service error
// the error passed is logged, the client sees "Unknown error."
func GeneralError(err error) error {
	if err == nil {
		err = errors.New("internal error")
	}
	return &ServiceError{
		Category: CategoryGeneralError,
		Message:  MessageUnknown,
		Err:      err,
	}
}

// BadTokenFeeError marks a fee shortfall or a missing fee note.
func BadTokenFeeError(err error) error {
	if err == nil {
		err = errors.New("bad token fee")
	}
	return &ServiceError{
		Category: CategoryBadTokenFee,
		Message:  MessageBadTokenFee,
		Err:      err,
	}
}

// PolicyRejectionError marks a deliberate business-rule refusal
func PolicyRejectionError(err error, message string) error {
	if err == nil {
		err = errors.New("policy rejection: " + message)
	}
	return &ServiceError{
		Category: CategoryPolicyRejection,
		Message:  message,
		Err:      err,
	}
}

// DependencyError wraps failures of RPC providers or price APIs
func DependencyError(err error, message string) error {
	if err == nil {
		err = errors.New("dependency failure: " + message)
	}
	return &ServiceError{
		Category: CategoryDependencyFailure,
		Message:  message,
		Err:      err,
	}
}

// ResourceNotFoundError returns an error with category ResourceNotFound
// the error message provided is returned to the user
// the err object provided is logged in logger
func ResourceNotFoundError(err error, message string) error {
	if err == nil {
		err = errors.New("resource not found: " + message)
	}
	return &ServiceError{
		Category: CategoryResourceNotFound,
		Message:  message,
		Err:      err,
	}
}

// BadRequestError returns an error with category DataError
// the error message provided is returned to the user
// the error object provided is logged in logger
func BadRequestError(err error, message string) error {
	if err == nil {
		err = errors.New("bad request: " + message)
	}
	return &ServiceError{
		Category: CategoryDataError,
		Message:  message,
		Err:      err,
	}
}

// UnAuthorizedError returns an error with category CategoryUnauthorized
func UnAuthorizedError(err error, message string) error {
	if err == nil {
		err = errors.New("unauthorized")
	}
	return &ServiceError{
		Category: CategoryUnauthorized,
		Message:  message,
		Err:      err,
	}
}

// StatusCode returns the HTTP status code for the error category
func (err ServiceError) StatusCode() int {
	switch err.Category {
	case CategoryDataError:
		return http.StatusBadRequest
	case CategoryUnauthorized:
		return http.StatusUnauthorized
	case CategoryResourceNotFound:
		return http.StatusNotFound
	case CategoryBadTokenFee, CategoryPolicyRejection:
		return http.StatusUnprocessableEntity
	case CategoryDependencyFailure:
		return http.StatusBadGateway
	case CategoryRecovering:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
