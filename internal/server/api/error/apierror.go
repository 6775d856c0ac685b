package apierror

import (
	"errors"

	"github.com/doyke/eztool/apitypes"
)

func ErrBadRequest(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 400, Title: "Bad Request", Detail: detail}
}
func ErrNotFound(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 404, Title: "Not Found", Detail: detail}
}
func ErrConflict(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 409, Title: "Conflict", Detail: detail}
}
func ErrInternal(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 500, Title: "Internal Server Error", Detail: detail}
}
func ErrUnauthorized(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 401, Title: "Unauthorized", Detail: detail}
}

// WrapError normalizes any error into apitypes.ApiError.
func WrapError(err error) apitypes.ApiError {
	var ae apitypes.ApiError
	if errors.As(err, &ae) {
		return ae
	}
	var aep *apitypes.ApiError
	if errors.As(err, &aep) {
		return *aep
	}
	return ErrInternal(err.Error())
}
