package entities

import "errors"

// ErrArchival marks store failures (connectivity, serialization). A duplicate
// key is never reported with it.
var ErrArchival = errors.New("archival failure")
