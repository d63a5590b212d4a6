package sled

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrTransport       = errors.New("transport error")
	ErrLinkClosed      = errors.New("link closed")
	ErrNoBus           = errors.New("no bus configured")
	ErrWrongNMTState   = errors.New("command can't be processed in the current state")
	ErrTimeout         = errors.New("function timeout")
)
