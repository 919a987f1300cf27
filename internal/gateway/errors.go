package gateway

import "errors"

const (
	roomFullMessage     = "Room is full. Only 2 participants allowed."
	genericErrorMessage = "Something went wrong, please try again"
)

// userError carries a message that is safe to show the client.
type userError struct{ msg string }

func (e *userError) Error() string { return e.msg }

var (
	errBadFrame  = &userError{msg: "malformed message"}
	errNotJoined = &userError{msg: "join a room first"}
	errWrongRoom = &userError{msg: "not a member of that room"}
	errInternal  = errors.New("internal error")

	// errCloseConn ends the read loop after the handler already notified the client.
	errCloseConn = errors.New("close connection")
)
