package repository

import "errors"

// ErrUnknownResolution indicates a resolution name with no backing table.
var ErrUnknownResolution = errors.New("repository: unknown resolution")
