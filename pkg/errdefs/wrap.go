package errdefs

import (
	"github.com/pkg/errors"
)

var (
	Wrap      = errors.Wrap
	Wrapf     = errors.Wrapf
	Errorf    = errors.Errorf
	New       = errors.New
	WithStack = errors.WithStack
	Is        = errors.Is
	As        = errors.As
)
