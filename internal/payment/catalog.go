package payment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

// Package is a purchasable credit bundle priced in USD stablecoin units.
type Package struct {
	ID          string          `json:"id" toml:"id"`
	Name        string          `json:"name" toml:"name"`
	Credits     int64           `json:"credits" toml:"credits"`
	Price       decimal.Decimal `json:"price" toml:"price"`
	Description string          `json:"description,omitempty" toml:"description"`
}

// Catalog is the immutable list of packages a claim may refer to.
type Catalog struct {
	packages []Package
}

// DefaultCatalog returns the standard three packages.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Package{
		{ID: "starter", Name: "Single Stack", Credits: 1000, Price: decimal.NewFromInt(25), Description: "Perfect for getting started"},
		{ID: "popular", Name: "Belgian Special", Credits: 2105, Price: decimal.NewFromInt(50), Description: "Most popular choice"},
		{ID: "pro", Name: "Waffle Tower", Credits: 4444, Price: decimal.NewFromInt(100), Description: "Maximum value stack"},
	})
	if err != nil {
		panic(err)
	}
	return c
}

func NewCatalog(pkgs []Package) (*Catalog, error) {
	if len(pkgs) == 0 {
		return nil, errors.New("payment: catalog is empty")
	}
	seen := make(map[string]struct{}, len(pkgs))
	out := make([]Package, 0, len(pkgs))
	for _, p := range pkgs {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, errors.New("payment: package id is required")
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("payment: duplicate package %q", p.ID)
		}
		if p.Credits <= 0 || !p.Price.IsPositive() {
			return nil, fmt.Errorf("payment: package %q needs positive credits and price", p.ID)
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return &Catalog{packages: out}, nil
}

// Packages returns a copy of the catalog in declaration order.
func (c *Catalog) Packages() []Package {
	out := make([]Package, len(c.packages))
	copy(out, c.packages)
	return out
}

// Match finds the package priced at amount that grants credits.
func (c *Catalog) Match(amount string, credits int64) (Package, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Package{}, outcome.Newf(outcome.InvalidClaim, "invalid expected amount %q", amount)
	}
	for _, p := range c.packages {
		if p.Credits == credits && p.Price.Equal(price) {
			return p, nil
		}
	}
	return Package{}, outcome.Newf(outcome.InvalidClaim, "no package grants %d credits for %s", credits, price.String())
}

// MatchCredits finds a package by its credit amount alone.
func (c *Catalog) MatchCredits(credits int64) (Package, error) {
	for _, p := range c.packages {
		if p.Credits == credits {
			return p, nil
		}
	}
	return Package{}, outcome.Newf(outcome.InvalidClaim, "no package grants %d credits", credits)
}
