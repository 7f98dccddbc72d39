package query

import (
	"sort"
	"strings"

	"github.com/lattice-orm/lattice/resource"
)

// Index is one (table, column) pair the search schema depends on. The list
// is consumed by table provisioning, never by query execution.
type Index struct {
	Table  string
	Column string
}

// AnalyzeRequiredIndexes scans every search field of a type, resolving
// dotted entries through the join chain, and returns the distinct columns
// that need indexes, sorted for stable provisioning output.
func AnalyzeRequiredIndexes(reg *resource.Registry, typeName string) ([]Index, error) {
	desc, err := reg.Descriptor(typeName)
	if err != nil {
		return nil, err
	}

	seen := make(map[Index]bool)
	add := func(ref string) error {
		idx := Index{Table: desc.TableName, Column: ref}
		if strings.Contains(ref, ".") {
			chain, err := BuildJoinChain(reg, typeName, ref)
			if err != nil {
				return err
			}
			idx = Index{Table: chain.Table, Column: chain.Column}
			// Hop keys get walked by the join itself.
			for _, j := range chain.Joins {
				seen[Index{Table: j.Table, Column: j.Key}] = true
			}
		}
		seen[idx] = true
		return nil
	}

	for _, sf := range desc.Search {
		if len(sf.OneOf) > 0 {
			for _, entry := range sf.OneOf {
				if err := add(entry); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := add(sf.Field); err != nil {
			return nil, err
		}
	}

	indexes := make([]Index, 0, len(seen))
	for idx := range seen {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool {
		if indexes[i].Table != indexes[j].Table {
			return indexes[i].Table < indexes[j].Table
		}
		return indexes[i].Column < indexes[j].Column
	})
	return indexes, nil
}
