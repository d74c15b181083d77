package cli

import (
	"errors"
	"fmt"

	"github.com/example/riboflow/internal/domain"
)

// ExitError carries a process exit code for a run whose outcome was
// already reported.
type ExitError struct {
	Code   int
	Status domain.RunStatus
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("run finished with status %s", e.Status)
}

// ExitCode maps an error returned by Execute onto the process exit code.
func ExitCode(err error) int {
	var exit *ExitError
	switch {
	case err == nil:
		return domain.ExitSuccess
	case errors.As(err, &exit):
		return exit.Code
	case errors.Is(err, domain.ErrCancelled):
		return domain.ExitCancelled
	default:
		return domain.ExitError
	}
}

// Reported reports whether err was already shown to the user.
func Reported(err error) bool {
	var exit *ExitError
	return errors.As(err, &exit)
}
