package document

import (
	"fmt"
	"sort"

	"github.com/lattice-orm/lattice/include"
	"github.com/lattice-orm/lattice/query"
	"github.com/lattice-orm/lattice/resource"
)

// Identifier is the (type, id) pointer used in relationship linkage.
type Identifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Relationship holds one relationship's linkage. Data is an Identifier or
// nil for to-one relationships, a []Identifier for to-many.
type Relationship struct {
	Data interface{} `json:"data"`
}

// Resource is one assembled document resource.
type Resource struct {
	Type          string                  `json:"type"`
	ID            string                  `json:"id"`
	Attributes    map[string]interface{}  `json:"attributes"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
}

// Document is the top-level response shape: the primary data, any included
// resources, and pagination meta.
type Document struct {
	Data     []Resource      `json:"data"`
	Included []Resource      `json:"included,omitempty"`
	Meta     *query.PageMeta `json:"meta,omitempty"`
}

// Assembler turns raw records plus a resolved include graph into documents.
type Assembler struct {
	reg *resource.Registry
}

// NewAssembler creates an assembler backed by the registry.
func NewAssembler(reg *resource.Registry) *Assembler {
	return &Assembler{reg: reg}
}

// Assemble builds the document for a page of primary records. fields holds
// optional sparse fieldsets keyed by type name; the id always survives
// filtering. Included resources come out sorted by (type, id) so equal
// requests produce byte-equal documents.
func (a *Assembler) Assemble(typeName string, primary []resource.Record, res *include.Result, fields map[string][]string, meta *query.PageMeta) (*Document, error) {
	desc, err := a.reg.Descriptor(typeName)
	if err != nil {
		return nil, err
	}

	doc := &Document{Data: make([]Resource, 0, len(primary)), Meta: meta}
	for _, record := range primary {
		built, err := a.assembleOne(desc, record, res, fields)
		if err != nil {
			return nil, err
		}
		doc.Data = append(doc.Data, built)
	}

	if res != nil {
		doc.Included = make([]Resource, 0, len(res.Included))
		for _, inc := range res.Included {
			incDesc, err := a.reg.Descriptor(inc.Type)
			if err != nil {
				return nil, err
			}
			built, err := a.assembleOne(incDesc, inc.Record, res, fields)
			if err != nil {
				return nil, err
			}
			doc.Included = append(doc.Included, built)
		}
		sort.Slice(doc.Included, func(i, j int) bool {
			if doc.Included[i].Type != doc.Included[j].Type {
				return doc.Included[i].Type < doc.Included[j].Type
			}
			return doc.Included[i].ID < doc.Included[j].ID
		})
	}

	return doc, nil
}

func (a *Assembler) assembleOne(desc *resource.Descriptor, record resource.Record, res *include.Result, fields map[string][]string) (Resource, error) {
	attrs := make(map[string]interface{}, len(record))
	for k, v := range record {
		attrs[k] = v
	}

	// Computed fields run last, in dependency order, over the attributes
	// assembled so far.
	for _, f := range desc.Computed {
		attrs[f.Name] = f.Evaluate(attrs)
	}

	id := idString(attrs[desc.IDField])
	delete(attrs, desc.IDField)

	if keep, ok := fields[desc.Name]; ok {
		attrs = filterAttributes(attrs, keep)
	}

	out := Resource{
		Type:       desc.Name,
		ID:         id,
		Attributes: attrs,
	}

	ref := include.Ref{Type: desc.Name, ID: id}
	rels := a.assembleRelationships(desc, record, ref, res)
	if len(rels) > 0 {
		out.Relationships = rels
	}
	return out, nil
}

// assembleRelationships emits linkage for every relationship the request can
// answer: to-one linkage comes from the foreign key columns already on the
// row, to-many linkage only from the resolved include graph.
func (a *Assembler) assembleRelationships(desc *resource.Descriptor, record resource.Record, ref include.Ref, res *include.Result) map[string]Relationship {
	rels := make(map[string]Relationship)

	for name, rel := range desc.Relationships {
		switch rel.Kind {
		case resource.BelongsTo:
			if val := record[rel.ForeignKey]; val != nil {
				rels[name] = Relationship{Data: Identifier{Type: rel.Target, ID: idString(val)}}
			} else {
				rels[name] = Relationship{Data: nil}
			}
		case resource.Polymorphic:
			disc := record[rel.TypeField]
			val := record[rel.IDField]
			if disc != nil && val != nil {
				rels[name] = Relationship{Data: Identifier{Type: fmt.Sprintf("%v", disc), ID: idString(val)}}
			} else {
				rels[name] = Relationship{Data: nil}
			}
		default:
			// hasMany and manyToMany linkage is only known when the
			// relationship was part of the include resolution.
			refs := res.Refs(ref, name)
			if refs == nil {
				continue
			}
			ids := make([]Identifier, 0, len(refs))
			for _, r := range refs {
				ids = append(ids, Identifier{Type: r.Type, ID: r.ID})
			}
			rels[name] = Relationship{Data: ids}
		}
	}

	return rels
}

// filterAttributes applies a sparse fieldset. Unknown names are ignored
// rather than rejected so fieldsets survive schema evolution.
func filterAttributes(attrs map[string]interface{}, keep []string) map[string]interface{} {
	filtered := make(map[string]interface{}, len(keep))
	for _, name := range keep {
		if v, ok := attrs[name]; ok {
			filtered[name] = v
		}
	}
	return filtered
}

func idString(v interface{}) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}
