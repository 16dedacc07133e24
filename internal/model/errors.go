package model

import (
	"errors"
)

var (
	// ErrLoadFailed is returned by Load when the configuration file can't be
	// read, parsed or validated. The returned Document is empty and usable.
	ErrLoadFailed   = errors.New("configuration load failed")
	ErrMissingKey   = errors.New("missing key")
	ErrTypeMismatch = errors.New("type mismatch")
)
