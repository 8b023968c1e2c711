package mcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Pool holds connected clients by server name. Concurrent connects to the
// same server share one launch.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
	launch  singleflight.Group
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

func (p *Pool) lookup(name string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[name]
	return c, ok
}

// Connect returns the client for cfg.Name, launching the server on first use.
// A failed launch leaves nothing in the pool.
func (p *Pool) Connect(ctx context.Context, cfg ServerConfig) (*Client, error) {
	if c, ok := p.lookup(cfg.Name); ok {
		return c, nil
	}
	v, err, _ := p.launch.Do(cfg.Name, func() (any, error) {
		if c, ok := p.lookup(cfg.Name); ok {
			return c, nil
		}
		c := NewClient(cfg)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		p.Add(c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// Add stores c under its server name, replacing any previous entry.
func (p *Pool) Add(c *Client) {
	p.mu.Lock()
	p.clients[c.Name()] = c
	p.mu.Unlock()
}

// Get returns the client for a connected server.
func (p *Pool) Get(name string) (*Client, error) {
	if c, ok := p.lookup(name); ok {
		return c, nil
	}
	return nil, fmt.Errorf("mcp server %q not connected", name)
}

// All returns the pooled clients sorted by server name.
func (p *Pool) All() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.SortedFunc(maps.Values(p.clients), func(a, b *Client) int {
		return strings.Compare(a.Name(), b.Name())
	})
}

// Close disconnects every client and empties the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
