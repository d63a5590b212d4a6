package can

import (
	"fmt"
	"sort"

	sled "github.com/sledlab/gosled"
)

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

type NewInterfaceFunc func(channel string, bitrate int) (sled.Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// Create a new CAN bus with given interface
// The interface package must be imported for its init() to register it,
// e.g. socketcan, virtualcan, slcan or sim.
func NewBus(canInterface string, channel string, bitrate int) (sled.Bus, error) {
	createInterface, ok := interfaceRegistry[canInterface]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v (available %v)", canInterface, Interfaces())
	}
	return createInterface(channel, bitrate)
}

// Names of all registered interfaces
func Interfaces() []string {
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
