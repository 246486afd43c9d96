package deploy

// conflictError signals a concurrent lifecycle operation on the same abbr,
// or a deploy of an already-scheduled model.
type conflictError struct{ msg string }

func (e conflictError) Error() string { return "conflict: " + e.msg }

// ErrConflict constructs a conflictError.
func ErrConflict(msg string) error { return conflictError{msg: msg} }

// IsConflict reports whether err indicates a lifecycle conflict (return 409).
func IsConflict(err error) bool {
	_, ok := err.(conflictError)
	return ok
}

// notFoundError signals an unknown abbr or API key.
type notFoundError struct{ what string }

func (e notFoundError) Error() string { return "not found: " + e.what }

// ErrNotFound constructs a notFoundError.
func ErrNotFound(what string) error { return notFoundError{what: what} }

// IsNotFound reports whether err indicates a missing model record.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// validationError signals a rejected deploy spec, optionally naming the
// offending field.
type validationError struct {
	field string
	msg   string
}

func (e validationError) Error() string {
	if e.field != "" {
		return "invalid " + e.field + ": " + e.msg
	}
	return e.msg
}

// ErrValidation constructs a validationError.
func ErrValidation(field, msg string) error { return validationError{field: field, msg: msg} }

// IsValidation reports whether err indicates bad input (return 400).
func IsValidation(err error) bool {
	_, ok := err.(validationError)
	return ok
}

// ValidationField returns the field a validation error refers to, if any.
func ValidationField(err error) string {
	if ve, ok := err.(validationError); ok {
		return ve.field
	}
	return ""
}

// exhaustedError signals insufficient GPU resources or a held deploy slot.
type exhaustedError struct{ msg string }

func (e exhaustedError) Error() string { return "resource exhausted: " + e.msg }

// ErrExhausted constructs an exhaustedError.
func ErrExhausted(msg string) error { return exhaustedError{msg: msg} }

// IsExhausted reports whether err indicates resource exhaustion (return 503).
func IsExhausted(err error) bool {
	_, ok := err.(exhaustedError)
	return ok
}
