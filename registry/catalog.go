// Package registry assembles connections from protocol names and
// configurations and tracks the active ones.
//
// A Catalog maps protocol names to factories; RegisterBuiltins fills it with
// every connection type of this module, and applications can register their
// own protocols next to the built-in ones. A Manager holds the connections a
// process has built, by name, and closes them together on shutdown.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/arloliu/go-fieldlink/link"
)

// Factory builds one connection from a protocol-specific configuration.
// The configuration arrives as any; a factory must reject values of the
// wrong type with an error wrapping link.ErrConfiguration.
type Factory func(ctx context.Context, cfg any) (link.Connection, error)

// Catalog maps protocol names to connection factories. All registration is
// explicit; nothing registers itself through package init side effects, so a
// process carries exactly the protocols it asked for.
//
// The zero value is not usable, create catalogs with NewCatalog. Catalogs
// are safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds factory under the protocol name. Registering an empty name,
// a nil factory or a name that is already taken fails.
func (c *Catalog) Register(protocol string, factory Factory) error {
	if protocol == "" {
		return fmt.Errorf("%w: empty protocol name", link.ErrConfiguration)
	}
	if factory == nil {
		return fmt.Errorf("%w: nil factory for protocol %q", link.ErrConfiguration, protocol)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.factories[protocol]; ok {
		return fmt.Errorf("%w: protocol %q already registered", link.ErrConfiguration, protocol)
	}
	c.factories[protocol] = factory

	return nil
}

// Build creates a connection for the protocol from cfg using the registered
// factory. The connection is constructed but not opened.
func (c *Catalog) Build(ctx context.Context, protocol string, cfg any) (link.Connection, error) {
	c.mu.RLock()
	factory, ok := c.factories[protocol]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown protocol %q", link.ErrConfiguration, protocol)
	}

	return factory(ctx, cfg)
}

// Protocols returns the registered protocol names in sorted order.
func (c *Catalog) Protocols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}
