package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-orm/lattice/include"
	"github.com/lattice-orm/lattice/query"
	"github.com/lattice-orm/lattice/resource"
)

func libraryRegistry(t *testing.T) *resource.Registry {
	t.Helper()
	reg := resource.NewRegistry()

	author := resource.NewDefinition("author")
	author.Fields = map[string]*resource.Field{"id": {}, "name": {}}
	author.Relationships = map[string]*resource.Relationship{
		"books": {Kind: resource.HasMany, Target: "book", ForeignKey: "author_id"},
	}

	book := resource.NewDefinition("book")
	book.Fields = map[string]*resource.Field{
		"id":        {},
		"title":     {},
		"price":     {Type: resource.TypeFloat, TypeSet: true},
		"author_id": {},
		"label": {
			Type:    resource.TypeString,
			TypeSet: true,
			Compute: resource.ComputeFunc(func(rec resource.Record) interface{} {
				title, _ := rec["title"].(string)
				return title + "!"
			}),
		},
	}
	book.Relationships = map[string]*resource.Relationship{
		"author": {Kind: resource.BelongsTo},
	}

	require.NoError(t, reg.Register(author))
	require.NoError(t, reg.Register(book))
	return reg
}

func TestAssembleBasics(t *testing.T) {
	reg := libraryRegistry(t)
	asm := NewAssembler(reg)

	books := []resource.Record{
		{"id": "b1", "title": "Dune", "price": 9.5, "author_id": "a1"},
	}

	doc, err := asm.Assemble("book", books, nil, nil, nil)
	require.NoError(t, err)

	require.Len(t, doc.Data, 1)
	res := doc.Data[0]
	assert.Equal(t, "book", res.Type)
	assert.Equal(t, "b1", res.ID)
	assert.Equal(t, "Dune", res.Attributes["title"])
	_, hasID := res.Attributes["id"]
	assert.False(t, hasID, "the id lives on the resource, not in attributes")

	// Computed fields run over the assembled attributes.
	assert.Equal(t, "Dune!", res.Attributes["label"])

	// belongsTo linkage comes straight off the foreign key column.
	rel, ok := res.Relationships["author"]
	require.True(t, ok)
	assert.Equal(t, Identifier{Type: "author", ID: "a1"}, rel.Data)
}

func TestAssembleNullBelongsTo(t *testing.T) {
	reg := libraryRegistry(t)
	asm := NewAssembler(reg)

	books := []resource.Record{{"id": "b1", "title": "Anonymous", "author_id": nil}}
	doc, err := asm.Assemble("book", books, nil, nil, nil)
	require.NoError(t, err)

	rel, ok := doc.Data[0].Relationships["author"]
	require.True(t, ok)
	assert.Nil(t, rel.Data)
}

func TestAssembleToManyLinkageOnlyWhenResolved(t *testing.T) {
	reg := libraryRegistry(t)
	asm := NewAssembler(reg)

	authors := []resource.Record{{"id": "a1", "name": "Herbert"}}

	// Without a resolved include graph, to-many linkage is unknown.
	doc, err := asm.Assemble("author", authors, nil, nil, nil)
	require.NoError(t, err)
	_, ok := doc.Data[0].Relationships["books"]
	assert.False(t, ok)

	resolved := &include.Result{
		Included: []include.TypedRecord{
			{Type: "book", Record: resource.Record{"id": "b1", "title": "Dune", "author_id": "a1"}},
		},
		Linkage: map[include.Ref]map[string][]include.Ref{
			{Type: "author", ID: "a1"}: {
				"books": {{Type: "book", ID: "b1"}},
			},
		},
	}

	doc, err = asm.Assemble("author", authors, resolved, nil, nil)
	require.NoError(t, err)

	rel, ok := doc.Data[0].Relationships["books"]
	require.True(t, ok)
	assert.Equal(t, []Identifier{{Type: "book", ID: "b1"}}, rel.Data)

	require.Len(t, doc.Included, 1)
	assert.Equal(t, "book", doc.Included[0].Type)
	assert.Equal(t, "b1", doc.Included[0].ID)
}

func TestAssembleIncludedSorted(t *testing.T) {
	reg := libraryRegistry(t)
	asm := NewAssembler(reg)

	resolved := &include.Result{
		Included: []include.TypedRecord{
			{Type: "book", Record: resource.Record{"id": "b2", "title": "Messiah", "author_id": "a1"}},
			{Type: "author", Record: resource.Record{"id": "a9", "name": "Simmons"}},
			{Type: "book", Record: resource.Record{"id": "b1", "title": "Dune", "author_id": "a1"}},
		},
		Linkage: map[include.Ref]map[string][]include.Ref{},
	}

	doc, err := asm.Assemble("author", nil, resolved, nil, nil)
	require.NoError(t, err)

	require.Len(t, doc.Included, 3)
	assert.Equal(t, "author", doc.Included[0].Type)
	assert.Equal(t, "b1", doc.Included[1].ID)
	assert.Equal(t, "b2", doc.Included[2].ID)
}

func TestAssembleSparseFieldsets(t *testing.T) {
	reg := libraryRegistry(t)
	asm := NewAssembler(reg)

	books := []resource.Record{
		{"id": "b1", "title": "Dune", "price": 9.5, "author_id": "a1"},
	}
	fields := map[string][]string{"book": {"title", "nonexistent"}}

	doc, err := asm.Assemble("book", books, nil, fields, nil)
	require.NoError(t, err)

	res := doc.Data[0]
	assert.Equal(t, "b1", res.ID, "the id always survives filtering")
	assert.Equal(t, map[string]interface{}{"title": "Dune"}, res.Attributes)
}

func TestAssembleMetaPassthrough(t *testing.T) {
	reg := libraryRegistry(t)
	asm := NewAssembler(reg)

	total := 10
	meta := &query.PageMeta{Page: 2, PageSize: 3, Total: &total}
	doc, err := asm.Assemble("book", nil, nil, nil, meta)
	require.NoError(t, err)
	assert.Same(t, meta, doc.Meta)
}

func TestDocumentJSONShape(t *testing.T) {
	reg := libraryRegistry(t)
	asm := NewAssembler(reg)

	books := []resource.Record{{"id": "b1", "title": "Dune", "author_id": "a1"}}
	doc, err := asm.Assemble("book", books, nil, nil, nil)
	require.NoError(t, err)

	payload, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))

	data := decoded["data"].([]interface{})
	first := data[0].(map[string]interface{})
	assert.Equal(t, "book", first["type"])
	assert.Equal(t, "b1", first["id"])

	rels := first["relationships"].(map[string]interface{})
	author := rels["author"].(map[string]interface{})
	linkage := author["data"].(map[string]interface{})
	assert.Equal(t, "a1", linkage["id"])

	_, hasIncluded := decoded["included"]
	assert.False(t, hasIncluded, "empty included is omitted")
	_, hasMeta := decoded["meta"]
	assert.False(t, hasMeta)
}
