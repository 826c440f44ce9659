package client

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// operationNames parses a GraphQL document and returns the names of the
// operations it declares. There is no schema on the client side, so only
// syntax is checked.
func operationNames(query string) (map[string]struct{}, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "operation", Input: query})
	if err != nil {
		return nil, fmt.Errorf("client: parse query document: %w", err)
	}

	names := make(map[string]struct{}, len(doc.Operations))
	for _, op := range doc.Operations {
		if op.Name != "" {
			names[op.Name] = struct{}{}
		}
	}
	return names, nil
}
