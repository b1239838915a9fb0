package session

import "errors"

// ErrClosed is returned by controller methods after Close.
var ErrClosed = errors.New("session controller closed")
