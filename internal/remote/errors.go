package remote

import (
	"errors"
	"fmt"
)

// HTTPError is a non-2xx response from the token or push endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, body)
}

// IsHTTPError reports whether err is an HTTPError and returns it.
func IsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// ErrRejected is wrapped when a 2xx response does not confirm the push.
var ErrRejected = errors.New("push rejected by remote")
