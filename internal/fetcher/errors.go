package fetcher

import (
	"errors"
	"fmt"
)

// Kind classifies a retrieval failure.
type Kind string

// Failure kinds.
const (
	KindNetwork Kind = "network"
	KindStatus  Kind = "status"
	KindParse   Kind = "parse"
	KindEmpty   Kind = "empty"
)

var errEmptyBody = errors.New("empty response body")

// Error describes why a URL could not be retrieved or parsed.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
