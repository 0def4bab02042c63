package utils

import (
	"errors"
	"fmt"
)

// AddContext wraps an error in an additional context string.
func AddContext(err error, ctx string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", ctx, err)
}

// ComposeErrors combines several errors in one.
func ComposeErrors(errs ...error) error {
	var filtered []error
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return errors.Join(filtered...)
}
