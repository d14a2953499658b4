package auth

import "net/http"

type Client interface {
	// Auth authenticates the current request, returning the externally
	// issued opaque user id. Ids are not validated beyond being non-empty.
	Auth(r *http.Request) (string, error)
}
