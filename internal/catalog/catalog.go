// Package catalog resolves canonical product symbols to exchange-native identifiers.
package catalog

import (
	"strings"
	"sync"

	"github.com/coachpo/crossfeed/errs"
	"github.com/coachpo/crossfeed/internal/schema"
)

// ContractType classifies a product's contract style.
type ContractType string

const (
	// ContractSpot marks spot products.
	ContractSpot ContractType = "spot"
	// ContractPerpetual marks perpetual futures.
	ContractPerpetual ContractType = "perpetual_future"
	// ContractFuture marks dated futures.
	ContractFuture ContractType = "future"
	// ContractOption marks options.
	ContractOption ContractType = "option"
)

// Product describes one listed product on one venue.
type Product struct {
	Symbol   string
	Venue    string
	Native   string
	Contract ContractType
	Base     string
	Quote    string
}

// Catalog is the narrow lookup surface the subscription engine depends on.
type Catalog interface {
	// Resolve maps a canonical symbol to its venue product.
	// Fails with an unknown-symbol error when the symbol is not listed.
	Resolve(symbol string) (Product, error)
	// ResolveNative maps an exchange-native symbol back to a canonical product.
	// When several products share the native symbol, prefer selects by
	// contract type in order; a single listing always wins outright.
	ResolveNative(native string, prefer ...ContractType) (Product, error)
}

// Static is an in-memory catalog keyed by canonical symbol.
type Static struct {
	venue    string
	mu       sync.RWMutex
	bySymbol map[string]Product
	byNative map[string][]Product
}

// NewStatic builds a catalog for one venue from its product listings.
func NewStatic(venue string, products []Product) *Static {
	c := &Static{
		venue:    venue,
		bySymbol: make(map[string]Product, len(products)),
		byNative: make(map[string][]Product),
	}
	for _, p := range products {
		p.Venue = venue
		p.Symbol = schema.NormalizeSymbol(p.Symbol)
		c.bySymbol[p.Symbol] = p
		key := nativeKey(p.Native)
		c.byNative[key] = append(c.byNative[key], p)
	}
	return c
}

// Venue returns the venue this catalog covers.
func (c *Static) Venue() string { return c.venue }

// Resolve implements Catalog.
func (c *Static) Resolve(symbol string) (Product, error) {
	c.mu.RLock()
	product, ok := c.bySymbol[schema.NormalizeSymbol(symbol)]
	c.mu.RUnlock()
	if !ok {
		return Product{}, errs.UnknownSymbol(c.venue, symbol)
	}
	return product, nil
}

// ResolveNative implements Catalog.
func (c *Static) ResolveNative(native string, prefer ...ContractType) (Product, error) {
	c.mu.RLock()
	matches := c.byNative[nativeKey(native)]
	c.mu.RUnlock()
	switch len(matches) {
	case 0:
		return Product{}, errs.UnknownSymbol(c.venue, native)
	case 1:
		return matches[0], nil
	}
	for _, contract := range prefer {
		for _, p := range matches {
			if p.Contract == contract {
				return p, nil
			}
		}
	}
	return Product{}, errs.New(c.venue, errs.CodeInvalid,
		errs.WithMessage("ambiguous native symbol: "+native),
		errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
}

// Add registers or replaces a product listing.
func (c *Static) Add(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.Venue = c.venue
	p.Symbol = schema.NormalizeSymbol(p.Symbol)
	if old, ok := c.bySymbol[p.Symbol]; ok {
		c.removeNativeLocked(old)
	}
	c.bySymbol[p.Symbol] = p
	key := nativeKey(p.Native)
	c.byNative[key] = append(c.byNative[key], p)
}

func (c *Static) removeNativeLocked(p Product) {
	key := nativeKey(p.Native)
	entries := c.byNative[key]
	for i := range entries {
		if entries[i].Symbol == p.Symbol && entries[i].Contract == p.Contract {
			c.byNative[key] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(c.byNative[key]) == 0 {
		delete(c.byNative, key)
	}
}

func nativeKey(native string) string {
	return strings.ToUpper(strings.TrimSpace(native))
}
