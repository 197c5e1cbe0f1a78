//go:build !sqlite

package settings

import "fmt"

// DefaultStoreKind is the backend used when none is requested.
func DefaultStoreKind() string { return "memory" }

func newSQLiteStore(_ string) (Store, error) {
	return nil, fmt.Errorf("sqlite backend unavailable in this build; rebuild with -tags sqlite")
}
