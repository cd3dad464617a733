package routing

import (
	_ "embed"
	"fmt"
)

//go:embed default_routes.yaml
var defaultRoutes []byte

// DefaultTable returns the built-in route table
func DefaultTable() *Table {
	t, err := Parse(defaultRoutes)
	if err != nil {
		panic(fmt.Sprintf("built-in route table is invalid: %v", err))
	}
	return t
}
