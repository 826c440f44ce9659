package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/replexport/internal/client"
)

// AuthenticationError indicates the session credential was rejected: the
// API answered without user data. Fatal for the run.
type AuthenticationError struct {
	Operation string
}

func (err *AuthenticationError) Error() string {
	return fmt.Sprintf("catalog: %s: not authenticated (invalid or expired session cookie)", err.Operation)
}

// APIError carries the error envelope of a GraphQL response, or a response
// that failed boundary validation.
type APIError struct {
	Operation string
	Errors    []client.GraphQLError
	Reason    string
}

func (err *APIError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "catalog: %s failed", err.Operation)
	if err.Reason != "" {
		fmt.Fprintf(&builder, ": %s", err.Reason)
	}
	for _, gqlErr := range err.Errors {
		fmt.Fprintf(&builder, "; %s", gqlErr.Message)
	}
	return builder.String()
}

// IsAuthentication reports whether err is an *AuthenticationError.
func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsAPI reports whether err is an *APIError.
func IsAPI(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
