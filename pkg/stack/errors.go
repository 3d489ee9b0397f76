package stack

import "errors"

var (
	// ErrEmptyStack is returned by Peek and Pop on a stack without elements.
	ErrEmptyStack = errors.New("stack is empty")

	// ErrNameExists is returned when creating or copying into a name that is already taken.
	ErrNameExists = errors.New("stack name already exists")

	// ErrNameNotFound is returned when operating on a name that is not registered.
	ErrNameNotFound = errors.New("stack name not found")
)
