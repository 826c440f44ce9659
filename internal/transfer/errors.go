package transfer

import (
	"errors"
	"fmt"
)

// InvalidContentTypeError is returned when an archive response does not
// carry an archive content type, typically an HTML login page.
type InvalidContentTypeError struct {
	ID          string
	URL         string
	ContentType string
}

func (err *InvalidContentTypeError) Error() string {
	return fmt.Sprintf("transfer: %s: unexpected content type %q from %s", err.ID, err.ContentType, err.URL)
}

// IsInvalidContentType reports whether err is an *InvalidContentTypeError.
func IsInvalidContentType(err error) bool {
	var ctErr *InvalidContentTypeError
	return errors.As(err, &ctErr)
}
