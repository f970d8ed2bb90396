package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid is returned when a collection, key or document is malformed.
var ErrInvalid = errors.New("invalid input")

// Collection names a partition of documents.
type Collection string

const (
	// Reports holds one daily report per calendar date.
	Reports Collection = "reports"
	// Inventory holds the product list plus per-day purchases and services.
	Inventory Collection = "inventory"
	// Employees holds one record per employee id.
	Employees Collection = "employees"
)

// Collections lists every known collection in pull order.
var Collections = []Collection{Reports, Inventory, Employees}

const (
	// DateLayout is the key format for date-addressed documents.
	DateLayout = "2006-01-02"

	// ProductsKey is the singleton key of the inventory product list.
	ProductsKey = "products"

	purchasesPrefix = "purchases/"
	servicesPrefix  = "services/"
)

// ParseCollection converts a name to a Collection.
func ParseCollection(name string) (Collection, error) {
	c := Collection(strings.ToLower(strings.TrimSpace(name)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown collection %q", ErrInvalid, name)
	}
	return c, nil
}

// Valid reports whether c is one of the known collections.
func (c Collection) Valid() bool {
	switch c {
	case Reports, Inventory, Employees:
		return true
	}
	return false
}

func (c Collection) String() string {
	return string(c)
}

// ValidateKey checks that key has the shape this collection expects.
func (c Collection) ValidateKey(key string) error {
	if !c.Valid() {
		return fmt.Errorf("%w: unknown collection %q", ErrInvalid, c)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalid)
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: key %q must not start or end with '/'", ErrInvalid, key)
	}

	switch c {
	case Reports:
		if !isDate(key) {
			return fmt.Errorf("%w: report key %q is not a %s date", ErrInvalid, key, DateLayout)
		}
	case Inventory:
		switch {
		case key == ProductsKey:
		case strings.HasPrefix(key, purchasesPrefix) && isDate(strings.TrimPrefix(key, purchasesPrefix)):
		case strings.HasPrefix(key, servicesPrefix) && isDate(strings.TrimPrefix(key, servicesPrefix)):
		default:
			return fmt.Errorf("%w: inventory key %q must be %q, purchases/{date} or services/{date}",
				ErrInvalid, key, ProductsKey)
		}
	case Employees:
		if strings.Contains(key, "/") {
			return fmt.Errorf("%w: employee id %q must not contain '/'", ErrInvalid, key)
		}
	}
	return nil
}

// Path returns the remote path of a document: {collection}/{key}.
func Path(c Collection, key string) string {
	return string(c) + "/" + key
}

// SplitPath is the inverse of Path.
func SplitPath(path string) (Collection, string, error) {
	name, key, ok := strings.Cut(path, "/")
	if !ok {
		return "", "", fmt.Errorf("%w: path %q has no key", ErrInvalid, path)
	}
	c, err := ParseCollection(name)
	if err != nil {
		return "", "", err
	}
	if err := c.ValidateKey(key); err != nil {
		return "", "", err
	}
	return c, key, nil
}

// DateKey formats t as a date key.
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}

// PurchasesKey returns the inventory key of one day's purchases.
func PurchasesKey(date string) string {
	return purchasesPrefix + date
}

// ServicesKey returns the inventory key of one day's services.
func ServicesKey(date string) string {
	return servicesPrefix + date
}

func isDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}
