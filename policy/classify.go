package policy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Error is a scrape failure tagged with its kind and where it happened.
type Error struct {
	Kind  Kind
	Stage string
	URL   string
	Anime string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg += " at " + e.Stage
	}
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an Error of the given kind.
func Errorf(kind Kind, stage, url string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, URL: url, Err: err}
}

// statusCoder is implemented by HTTP errors that carry a response status.
type statusCoder interface {
	StatusCode() int
}

// Classify maps an error to a kind.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var pe *Error
	if errors.As(err, &pe) && pe.Kind != "" {
		return pe.Kind
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if k, ok := kindForStatus(sc.StatusCode()); ok {
			return k
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "404"):
		return HTTP404
	case strings.Contains(msg, "503"):
		return HTTP503
	case strings.Contains(msg, "504"):
		return HTTP504
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return Timeout
	case strings.Contains(msg, "episod"):
		return EpisodesNotFound
	}
	return Unknown
}

func kindForStatus(code int) (Kind, bool) {
	switch {
	case code == http.StatusNotFound:
		return HTTP404, true
	case code == http.StatusGatewayTimeout:
		return HTTP504, true
	case code == http.StatusTooManyRequests, code >= 500:
		return HTTP503, true
	}
	return "", false
}
