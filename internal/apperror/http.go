package apperror

import "net/http"

// HTTPStatus maps err onto the status code the API responds with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	appErr, ok := From(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch appErr.Code {
	case CodeJobAlreadyActive, CodeDuplicateReview:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	}

	switch appErr.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryPermission:
		return http.StatusForbidden
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	case CategoryNetwork, CategoryExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
