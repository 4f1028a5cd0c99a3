package storage

import "errors"

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrInvalidRef  = errors.New("storage: invalid blob ref")
	ErrRefMismatch = errors.New("storage: blob ref mismatch")
	ErrImmutable   = errors.New("storage: immutable object mismatch")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
