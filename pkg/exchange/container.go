package exchange

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Container is a thread-safe registry of exchange clients by name.
type Container struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewContainer() *Container {
	return &Container{
		clients: make(map[string]*Client),
	}
}

// Register adds a client under its profile name, replacing any previous one.
func (c *Container) Register(client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[client.Name()] = client
}

func (c *Container) Get(name string) (*Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	client, exists := c.clients[name]
	if !exists {
		return nil, fmt.Errorf("exchange %q not found", name)
	}
	return client, nil
}

// Names returns the registered names in sorted order.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.clients))
	for name := range c.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c *Container) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, name)
}

func (c *Container) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.clients[name]
	return exists
}

// Close closes and removes every client.
func (c *Container) Close() error {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]*Client)
	c.mu.Unlock()

	var errs []error
	for name, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
