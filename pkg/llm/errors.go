package llm

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks every failure of the generative boundary:
// transport errors, timeouts, unparseable or schema-violating output.
// Callers test with errors.Is and must leave session state untouched.
var ErrUnavailable = errors.New("llm unavailable")

func unavailablef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnavailable)...)
}
