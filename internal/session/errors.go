package session

import (
	"errors"
	"fmt"

	"classbeacon/pkg/types"
)

// Input errors wrap types.ErrValidation so transports map them to 400
var (
	ErrInvalidClassID   = fmt.Errorf("%w: class id must be positive", types.ErrValidation)
	ErrInvalidTeacherID = fmt.Errorf("%w: teacher id must be a valid user id", types.ErrValidation)
	ErrInvalidStudentID = fmt.Errorf("%w: invalid student ID format", types.ErrValidation)
	ErrInvalidLiveID    = fmt.Errorf("%w: live id must be 6 uppercase letters or digits", types.ErrValidation)
	ErrInvalidRole      = fmt.Errorf("%w: role must be 'student' or 'teacher'", types.ErrValidation)
	ErrLiveIDExhausted  = errors.New("could not allocate a unique live id")
)
