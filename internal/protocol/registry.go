package protocol

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	connectorsMu sync.Mutex
	connectors   = map[string]Connector{}
)

// RegisterConnector makes a connector available under the given name,
// typically from the driver package's init. It panics on duplicates.
func RegisterConnector(name string, c Connector) {
	connectorsMu.Lock()
	defer connectorsMu.Unlock()

	if _, ok := connectors[name]; ok {
		panic("protocol: RegisterConnector called twice for " + name)
	}
	connectors[name] = c
}

// LookupConnector returns the connector registered under the given name.
func LookupConnector(name string) (Connector, error) {
	connectorsMu.Lock()
	defer connectorsMu.Unlock()

	c, ok := connectors[name]
	if !ok {
		return nil, errors.Errorf("protocol: unknown connector %q (registered: %v)", name, connectorNames())
	}
	return c, nil
}

func connectorNames() []string {
	names := make([]string, 0, len(connectors))
	for name := range connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
