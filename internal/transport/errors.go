package transport

import (
	"errors"
	"os"

	"github.com/ehudhazan/fastcopy/internal/model"
)

// classifyOSErr maps a raw filesystem error to a retry classification
// (spec §7): not-found and permission errors are bad input/auth, anything
// else touching the filesystem is treated as transient I/O.
func classifyOSErr(err error) model.Kind {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return model.KindBadInput
	case errors.Is(err, os.ErrPermission):
		return model.KindAuth
	default:
		return model.KindTransientIO
	}
}
