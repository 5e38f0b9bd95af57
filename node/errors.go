package node

import "errors"

// ErrNotRunning is returned by control operations invoked while the node
// is stopped.
var ErrNotRunning = errors.New("node is not running")

// ErrPeerNotFound is returned by SendTo when no live connection exists
// for the given address.
var ErrPeerNotFound = errors.New("peer not found")
