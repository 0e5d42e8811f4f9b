package client

import "errors"

var ErrClosed = errors.New("client: connection closed")
