package commerce

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is a static, file-backed backend used by the local CLI and in
// tests. Data is keyed by brand so lookups never cross brands.
type Catalog struct {
	brands map[string]catalogBrand
}

type catalogBrand struct {
	Orders   []Order   `yaml:"orders"`
	Products []Product `yaml:"products"`
	Zones    []Zone    `yaml:"zones"`
}

type catalogFile struct {
	Brands map[string]catalogBrand `yaml:"brands"`
}

// ParseCatalog decodes a YAML document of the form
//
//	brands:
//	  fashionhub:
//	    orders: [...]
//	    products: [...]
//	    zones: [...]
func ParseCatalog(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("commerce: decode catalog: %w", err)
	}
	if f.Brands == nil {
		f.Brands = make(map[string]catalogBrand)
	}
	return &Catalog{brands: f.Brands}, nil
}

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("commerce: read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func (c *Catalog) Order(_ context.Context, brandID, orderID string) (Order, error) {
	for _, o := range c.brands[brandID].Orders {
		if strings.EqualFold(o.ID, orderID) {
			return o, nil
		}
	}
	return Order{}, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
}

func (c *Catalog) Product(_ context.Context, brandID, productID string) (Product, error) {
	for _, p := range c.brands[brandID].Products {
		if strings.EqualFold(p.ID, productID) {
			return p, nil
		}
	}
	return Product{}, fmt.Errorf("%w: product %s", ErrNotFound, productID)
}

func (c *Catalog) Zone(_ context.Context, brandID, postalCode string) (Zone, error) {
	for _, z := range c.brands[brandID].Zones {
		if z.PostalCode == postalCode {
			return z, nil
		}
	}
	return Zone{}, fmt.Errorf("%w: postal code %s", ErrNotFound, postalCode)
}
