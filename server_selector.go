package tio

import (
	"github.com/zeebo/xxh3"

	"github.com/pior/tio/internal"
)

// ServerSelector picks which server hosts a container.
// It receives the container name and the number of servers and returns an
// index in [0, serverCount). Cluster rejects any other index.
type ServerSelector func(containerName string, serverCount int) int

// DefaultServerSelector uses Jump Hash over the xxh3 hash of the container
// name. Adding a server moves only the containers that land on it.
// It returns -1 when serverCount is not positive.
func DefaultServerSelector(containerName string, serverCount int) int {
	if serverCount <= 0 {
		return -1
	}
	return internal.JumpHash(xxh3.HashString(containerName), serverCount)
}
