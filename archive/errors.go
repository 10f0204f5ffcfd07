package archive

import (
	"errors"
	"net/http"

	"github.com/hazyhaar/warcfed/federation"
)

// ErrNotFound is returned when a snapshot or archived version does not exist.
var ErrNotFound = errors.New("archive: not found")

// ErrValidation is returned when a request fails input validation.
var ErrValidation = errors.New("archive: invalid input")

// ErrUnauthorized is returned when a peer credential is missing or wrong.
var ErrUnauthorized = errors.New("archive: unauthorized")

// httpStatus maps an error to the status code the HTTP surface answers with.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, federation.ErrPeerBanned):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
