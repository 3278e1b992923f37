package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrNotFound     = errors.New("backend: not found")
	ErrUnavailable  = errors.New("backend: unavailable")
	ErrUnauthorized = errors.New("backend: unauthorized")
)

// Error is a non-2xx response from the backend. Message is the upstream
// text verbatim when one could be extracted.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("backend status %d", e.Status)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		// PGRST116: single-object request matched zero rows.
		return e.Status == 404 || e.Code == "PGRST116"
	case ErrUnauthorized:
		return e.Status == 401 || e.Status == 403
	case ErrUnavailable:
		return e.Status >= 500
	}
	return false
}

var messagePaths = []string{"message", "msg", "error_description", "error"}

func parseError(status int, body []byte) *Error {
	e := &Error{Status: status}
	if !gjson.ValidBytes(body) {
		e.Message = strings.TrimSpace(string(body))
		if len(e.Message) > 200 {
			e.Message = e.Message[:200]
		}
		return e
	}
	res := gjson.ParseBytes(body)
	e.Code = res.Get("code").String()
	for _, p := range messagePaths {
		if v := res.Get(p); v.Exists() && v.Type == gjson.String && v.String() != "" {
			e.Message = v.String()
			break
		}
	}
	return e
}

// Message returns the upstream message carried by err, or err.Error().
func Message(err error) string {
	var be *Error
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
