package database

import "errors"

// ErrJobNotFound is returned when a requested completed job does not exist.
var ErrJobNotFound = errors.New("database: job not found")
