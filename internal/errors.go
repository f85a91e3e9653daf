package internal

import "errors"

// ErrWouldBlock names the "nonblocking read/write has nothing to do right
// now" condition. No function in this module returns it: the
// read-until-EAGAIN loops here check unix.EAGAIN directly.
var ErrWouldBlock = errors.New("operation would block")
