package command

import "errors"

var (
	// ErrEmptyCommand is returned for blank planner output
	ErrEmptyCommand = errors.New("empty command")

	// ErrInvalidJSON is returned when the text is not well-formed JSON
	ErrInvalidJSON = errors.New("command is not valid JSON")

	// ErrNotObject is returned when the JSON value is not an object
	ErrNotObject = errors.New("command is not a JSON object")

	// ErrUnknownCommandType is returned for an unrecognized "type"
	ErrUnknownCommandType = errors.New("unknown command type")

	// ErrMissingField is returned when a required field is absent
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidField is returned when a field has the wrong shape or range
	ErrInvalidField = errors.New("invalid field")
)
