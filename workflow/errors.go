package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTemplate is returned for template ids missing from the catalog.
	ErrUnknownTemplate = errors.New("unknown template")

	// ErrStageBusy is returned when an operation would start a second
	// concurrent stage call, or a stage whose automatic start is already
	// scheduled.
	ErrStageBusy = errors.New("a stage is already processing")

	// ErrRunSuperseded is returned to the caller of a stage whose run was
	// reset or restarted while the provider call was in flight. The result
	// of that call is discarded.
	ErrRunSuperseded = errors.New("run was reset while the stage was processing")
)

// ValidationError reports an operation whose preconditions were not met.
// No state is changed when it is returned.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// AssignmentError reports a stage that is due to run but has no provider,
// or a stage index that does not exist.
type AssignmentError struct {
	Stage    int
	Role     RoleID
	RoleName string
}

func (e *AssignmentError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("no stage at index %d", e.Stage)
	}
	return fmt.Sprintf("no provider assigned to role %s (%s)", e.Role, e.RoleName)
}

// IsValidation returns true if err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAssignment returns true if err is or wraps an AssignmentError.
func IsAssignment(err error) bool {
	var ae *AssignmentError
	return errors.As(err, &ae)
}
