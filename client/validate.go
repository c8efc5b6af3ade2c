package client

import (
	"strconv"

	"github.com/pkg/errors"
)

// MessageValidator returns an error if a consumed message is invalid.
type MessageValidator func(value []byte) error

// IsInt validates that |value| is the decimal rendering of an integer.
func IsInt(value []byte) error {
	if _, err := strconv.ParseInt(string(value), 10, 64); err != nil {
		return errors.Errorf("%q is not an integer", value)
	}
	return nil
}
