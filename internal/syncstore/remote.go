package syncstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Transport is the contract the core issues against a REST-style collection
// endpoint. Implementations own HTTP, TLS, and auth headers; the core only
// interprets the errors they classify.
type Transport interface {
	// Probe performs one minimal read used solely to resolve availability.
	Probe(ctx context.Context, collection string) error
	// List reads the full collection. The decoded JSON body is returned as-is
	// and validated by the caller.
	List(ctx context.Context, collection string) (any, error)
	// Upsert writes rows with merge semantics and returns the rows as
	// persisted remotely.
	Upsert(ctx context.Context, collection string, rows []map[string]any) (any, error)
	// Delete removes a single entity by id, best effort.
	Delete(ctx context.Context, collection, id string) error
}

// RemoteError is a transport failure with enough structure to classify:
// errors.Is against ErrAuthDenied, ErrRemoteUnavailable, or ErrSchemaMismatch
// resolves from the status code and the backend's error code.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote error: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrAuthDenied:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrRemoteUnavailable:
		return e.StatusCode == 404 || e.Code == "42P01" || e.Code == "PGRST205"
	case ErrSchemaMismatch:
		return e.missingColumn() != "" || e.Code == "PGRST204" || e.Code == "42703"
	}
	return false
}

var missingColumnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)could not find the '([^']+)' column`),
	regexp.MustCompile(`(?i)column "([^"]+)" .*does not exist`),
	regexp.MustCompile(`(?i)column ([A-Za-z0-9_]+) does not exist`),
}

// missingColumn extracts the offending column name from a "column does not
// exist"-class error, or returns "".
func (e *RemoteError) missingColumn() string {
	if e == nil {
		return ""
	}
	for _, pattern := range missingColumnPatterns {
		if match := pattern.FindStringSubmatch(e.Message); len(match) == 2 {
			return strings.TrimSpace(match[1])
		}
	}
	return ""
}

func isAuthDenied(err error) bool {
	return errors.Is(err, ErrAuthDenied)
}

// missingColumn returns the unrecognized column a write was rejected for, or
// "" when the error is not that class.
func missingColumn(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.missingColumn()
	}
	return ""
}
