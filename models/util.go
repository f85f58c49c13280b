package models

import (
	"sort"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque identifier for a persisted entity.
func NewID() string {
	return uuid.New().String()
}

// ShortID returns the first eight characters of id, used to name
// per-rental artifacts such as tunnel proxies and config files.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// PortMapping maps a container port to the public port reserved for it.
// JSON encodes the keys as strings ({"22": 10000}).
type PortMapping map[int]int

// ContainerPorts returns the mapped container ports in ascending order.
func (m PortMapping) ContainerPorts() []int {
	ports := make([]int, 0, len(m))
	for p := range m {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// PublicPorts returns the reserved public ports in ascending order.
func (m PortMapping) PublicPorts() []int {
	ports := make([]int, 0, len(m))
	for _, p := range m {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}
