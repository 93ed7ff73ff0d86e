package http

import (
	"errors"
	"io/fs"
	nethttp "net/http"

	"github.com/meigma/dirstream"
)

// StatusFor maps an error observed before any archive byte was sent to an
// HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return nethttp.StatusOK
	case errors.Is(err, dirstream.ErrRootUnreadable):
		if errors.Is(err, fs.ErrPermission) {
			return nethttp.StatusForbidden
		}
		return nethttp.StatusNotFound
	case errors.Is(err, dirstream.ErrWalkTooDeep),
		errors.Is(err, dirstream.ErrUnsupportedFormat),
		errors.Is(err, dirstream.ErrUnsafePath):
		return nethttp.StatusBadRequest
	case errors.Is(err, dirstream.ErrTooManyEntries):
		return nethttp.StatusRequestEntityTooLarge
	default:
		return nethttp.StatusInternalServerError
	}
}
