package proxy

import (
	"errors"
	"fmt"
)

// TransportFailure means every attempt died below HTTP: no response was
// ever obtained. Distinct from a terminal status code, which is returned
// as a normal Response.
type TransportFailure struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("no response from proxy after retries: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportFailure) Unwrap() error {
	return e.Err
}

func IsTransportFailure(err error) (*TransportFailure, bool) {
	var tf *TransportFailure
	ok := errors.As(err, &tf)
	return tf, ok
}
