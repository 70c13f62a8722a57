package connect

import "fmt"

type errUnknownEndpoint string

func (e errUnknownEndpoint) Error() string { return fmt.Sprintf("connect: unknown endpoint %q", string(e)) }

var errNoQueueManager = fmt.Errorf("connect: no queue manager configured")
