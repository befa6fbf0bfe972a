package quote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Composite routes symbols to a source by prefix. Symbols without a registered
// prefix go to the primary client, which also serves positions.
type Composite struct {
	primary Client
	routes  map[string]Client
}

func NewComposite(primary Client) *Composite {
	return &Composite{primary: primary, routes: make(map[string]Client)}
}

// Route sends symbols beginning with prefix (case-insensitive) to client.
func (c *Composite) Route(prefix string, client Client) *Composite {
	c.routes[strings.ToUpper(prefix)] = client
	return c
}

// GetObservations queries every source and merges what each returned. A
// failing source is reported in the joined error without dropping the quotes
// of the others.
func (c *Composite) GetObservations(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	groups := make(map[string][]string)
	for _, s := range symbols {
		prefix := c.prefixFor(s)
		groups[prefix] = append(groups[prefix], s)
	}
	prefixes := make([]string, 0, len(groups))
	for prefix := range groups {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	out := make(map[string]decimal.Decimal, len(symbols))
	var errs []error
	for _, prefix := range prefixes {
		client := c.primary
		name := "primary"
		if prefix != "" {
			client = c.routes[prefix]
			name = prefix
		}
		got, err := client.GetObservations(ctx, groups[prefix])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s source: %w", strings.TrimSuffix(name, ":"), err))
		}
		for s, v := range got {
			out[s] = v
		}
	}
	return out, errors.Join(errs...)
}

func (c *Composite) GetPositions(ctx context.Context, account string) ([]Position, error) {
	return c.primary.GetPositions(ctx, account)
}

func (c *Composite) prefixFor(symbol string) string {
	upper := strings.ToUpper(symbol)
	for prefix := range c.routes {
		if strings.HasPrefix(upper, prefix) {
			return prefix
		}
	}
	return ""
}

var _ Client = (*Composite)(nil)
