// Package httputil is the single path for outbound HTTP: every source client
// fetches through Client, which layers response caching, per-endpoint rate
// limiting, and retry with exponential backoff over a plain http.Client.
package httputil

import (
	"fmt"
	"io"
	"net/http"
)

// StatusError reports a non-retryable HTTP status.
type StatusError struct {
	URL    string
	Body   string
	Status int
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("httputil: unexpected status %d fetching %s (body starts: %q)", e.Status, e.URL, e.Body)
	}
	return fmt.Sprintf("httputil: unexpected status %d fetching %s", e.Status, e.URL)
}

// CheckResponse returns a *StatusError unless the response status is one of
// the acceptable codes. The error includes the start of the server's
// response body when one can be read.
func CheckResponse(res *http.Response, acceptable ...int) error {
	for _, code := range acceptable {
		if res.StatusCode == code {
			return nil
		}
	}
	e := StatusError{
		URL:    res.Request.URL.String(),
		Status: res.StatusCode,
	}
	if b, err := io.ReadAll(io.LimitReader(res.Body, 256)); err == nil {
		e.Body = string(b)
	}
	return &e
}
