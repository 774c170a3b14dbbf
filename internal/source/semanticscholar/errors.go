package semanticscholar

import (
	"fmt"
	"net/http"
)

// StatusError is returned for any non-200 response.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
	}
	return fmt.Sprintf("unexpected status %d from %s: %s", e.Code, e.URL, e.Body)
}

// Permanent reports whether repeating the request cannot succeed. Client
// errors are permanent except timeouts and throttling.
func (e *StatusError) Permanent() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.Code >= 400 && e.Code < 500
}
