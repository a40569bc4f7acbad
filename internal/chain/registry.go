package chain

import (
	"MarketLedger/internal/apperr"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	errInvalidFormat = errors.New("invalid address format")
	errBadChecksum   = errors.New("invalid address checksum")
)

type Registry struct {
	chains map[string]*Chain
	mu     sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		chains: make(map[string]*Chain),
	}
}

// Register adds a chain to registry. The platform wallet must be a valid
// address on the chain.
func (r *Registry) Register(c Chain) error {
	if c.Name == "" || c.Currency == "" {
		return fmt.Errorf("chain needs a name and currency")
	}
	if err := c.ValidateAddress(c.PlatformWallet); err != nil {
		return fmt.Errorf("register %s platform wallet: %w", c.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[c.Name] = &c
	return nil
}

// Get retrieves a chain by name
func (r *Registry) Get(name string) (*Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.chains[name]
	if !ok {
		return nil, apperr.New(apperr.ErrUnsupported, "chain not supported: %s", name)
	}
	return c, nil
}

// List returns all registered chain names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
