package copyengine

import "errors"

var (
	errClosed = errors.New("copyengine: pipe closed")
	errEOF    = errors.New("copyengine: pipe drained")
)
