package storage

import "errors"

// ErrInvalidDate is returned when a baseline key is not a YYYY-MM-DD date
var ErrInvalidDate = errors.New("invalid session date")
