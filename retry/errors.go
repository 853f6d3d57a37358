package retry

import "errors"

var ErrNotFound = errors.New("not found")
