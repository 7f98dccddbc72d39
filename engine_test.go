package lattice

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-orm/lattice/document"
	"github.com/lattice-orm/lattice/errs"
	"github.com/lattice-orm/lattice/resource"
	"github.com/lattice-orm/lattice/storage"
)

const librarySchema = `
CREATE TABLE countries (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE authors (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	country_id TEXT REFERENCES countries(id)
);
CREATE TABLE books (
	id        TEXT PRIMARY KEY,
	title     TEXT NOT NULL,
	price     REAL NOT NULL,
	author_id TEXT REFERENCES authors(id)
);
CREATE TABLE genres (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE book_genres (
	book_id  TEXT REFERENCES books(id),
	genre_id TEXT REFERENCES genres(id)
);
`

func seedLibrary(t *testing.T, db *sql.DB) {
	t.Helper()

	_, err := db.Exec(librarySchema)
	require.NoError(t, err)

	exec := func(stmt string, args ...interface{}) {
		_, err := db.Exec(stmt, args...)
		require.NoError(t, err)
	}

	exec(`INSERT INTO countries VALUES ('c1', 'Chile'), ('c2', 'USA')`)
	exec(`INSERT INTO authors VALUES
		('a1', 'Isabel Allende', 'c1'),
		('a2', 'Frank Herbert', 'c2'),
		('a3', 'Pablo Neruda', 'c1')`)

	prices := map[int]float64{
		1: 5.0, 2: 12.5, 3: 15.0, 4: 8.0, 5: 18.0,
		6: 22.0, 7: 9.99, 8: 11.0, 9: 30.0, 10: 14.0,
	}
	owners := map[int]string{
		1: "a1", 2: "a1", 3: "a2", 4: "a2", 5: "a3",
		6: "a3", 7: "a1", 8: "a2", 9: "a3", 10: "a1",
	}
	for i := 1; i <= 10; i++ {
		exec(`INSERT INTO books VALUES (?, ?, ?, ?)`,
			fmt.Sprintf("b%02d", i), fmt.Sprintf("Book %02d", i), prices[i], owners[i])
	}

	exec(`INSERT INTO genres VALUES ('g1', 'scifi'), ('g2', 'poetry')`)
	exec(`INSERT INTO book_genres VALUES ('b03', 'g1'), ('b04', 'g1'), ('b05', 'g2'), ('b03', 'g2')`)
}

func libraryEngine(t *testing.T) (*Engine, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	seedLibrary(t, db)

	engine := New(storage.NewSQLStore(db, storage.SQLiteDialect{}))

	country := resource.NewDefinition("country")
	country.Fields = map[string]*resource.Field{"id": {}, "name": {Searchable: true}}

	author := resource.NewDefinition("author")
	author.Fields = map[string]*resource.Field{"id": {}, "name": {Searchable: true}, "country_id": {}}
	author.Relationships = map[string]*resource.Relationship{
		"country": {Kind: resource.BelongsTo},
		"books":   {Kind: resource.HasMany, Target: "book", ForeignKey: "author_id"},
	}

	book := resource.NewDefinition("book")
	book.Fields = map[string]*resource.Field{
		"id":        {},
		"title":     {Searchable: true},
		"price":     {Type: resource.TypeFloat, TypeSet: true},
		"author_id": {},
	}
	book.Relationships = map[string]*resource.Relationship{
		"author": {Kind: resource.BelongsTo},
		"genres": {Kind: resource.ManyToMany, Target: "genre", Through: "book_genres"},
	}
	book.Search = map[string]*resource.SearchField{
		"price_between": {Op: resource.OpBetween, Field: "price"},
		"country":       {Op: resource.OpEq, Field: "author.country.name"},
		"genre":         {Op: resource.OpEq, Field: "genres.name"},
	}

	genre := resource.NewDefinition("genre")
	genre.Fields = map[string]*resource.Field{"id": {}, "name": {Searchable: true}}
	genre.Relationships = map[string]*resource.Relationship{
		"books": {Kind: resource.ManyToMany, Target: "book", Through: "book_genres", OwnKey: "genre_id", OtherKey: "book_id"},
	}

	require.NoError(t, engine.Register(country))
	require.NoError(t, engine.Register(author))
	require.NoError(t, engine.Register(book))
	require.NoError(t, engine.Register(genre))
	require.NoError(t, engine.Validate())

	return engine, db
}

func dataIDs(doc *document.Document) []string {
	ids := make([]string, 0, len(doc.Data))
	for _, res := range doc.Data {
		ids = append(ids, res.ID)
	}
	return ids
}

func dataTitles(doc *document.Document) []string {
	titles := make([]string, 0, len(doc.Data))
	for _, res := range doc.Data {
		titles = append(titles, res.Attributes["title"].(string))
	}
	return titles
}

func TestQueryFilterByRelatedCountry(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	doc, err := engine.Query(context.Background(), Request{
		Type:    "book",
		Filters: map[string]interface{}{"country": "Chile"},
		Sort:    []string{"title"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b01", "b02", "b05", "b06", "b07", "b09", "b10"}, dataIDs(doc))
	require.NotNil(t, doc.Meta.Total)
	assert.Equal(t, 7, *doc.Meta.Total)
}

func TestQuerySortedPage(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	doc, err := engine.Query(context.Background(), Request{
		Type: "book",
		Sort: []string{"title"},
		Page: map[string]interface{}{"number": 2, "size": 3},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Book 04", "Book 05", "Book 06"}, dataTitles(doc))

	require.NotNil(t, doc.Meta)
	assert.Equal(t, 2, doc.Meta.Page)
	assert.Equal(t, 3, doc.Meta.PageSize)
	require.NotNil(t, doc.Meta.Total)
	assert.Equal(t, 10, *doc.Meta.Total)
	require.NotNil(t, doc.Meta.PageCount)
	assert.Equal(t, 4, *doc.Meta.PageCount)
	require.NotNil(t, doc.Meta.HasMore)
	assert.True(t, *doc.Meta.HasMore)
}

func TestQueryBetweenWithEquality(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	doc, err := engine.Query(context.Background(), Request{
		Type: "book",
		Filters: map[string]interface{}{
			"price_between": []interface{}{10.0, 20.0},
			"title":         "Book 03",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b03"}, dataIDs(doc))
}

func TestQueryBetweenAlone(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	doc, err := engine.Query(context.Background(), Request{
		Type: "book",
		Filters: map[string]interface{}{
			"price_between": []interface{}{10.0, 20.0},
		},
		Sort: []string{"title"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b02", "b03", "b05", "b08", "b10"}, dataIDs(doc))
}

func TestQueryToManyFilterNoDuplicates(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	// b03 carries both genres; the to-many join must not emit it twice.
	doc, err := engine.Query(context.Background(), Request{
		Type:    "book",
		Filters: map[string]interface{}{"genre": "scifi"},
		Sort:    []string{"title"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b03", "b04"}, dataIDs(doc))

	all, err := engine.Query(context.Background(), Request{
		Type: "book",
		Sort: []string{"title"},
	})
	require.NoError(t, err)
	assert.Len(t, all.Data, 10)
}

func TestQueryIncludeWithReverseLinkage(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	doc, err := engine.Query(context.Background(), Request{
		Type:    "author",
		Sort:    []string{"name"},
		Include: []string{"books.author"},
	})
	require.NoError(t, err)

	require.Len(t, doc.Data, 3)
	assert.Len(t, doc.Included, 10, "every book included once, authors stay primary")

	// Primary authors carry their to-many linkage.
	var allende document.Resource
	for _, res := range doc.Data {
		if res.ID == "a1" {
			allende = res
		}
	}
	books, ok := allende.Relationships["books"]
	require.True(t, ok)
	assert.ElementsMatch(t,
		[]document.Identifier{
			{Type: "book", ID: "b01"}, {Type: "book", ID: "b02"},
			{Type: "book", ID: "b07"}, {Type: "book", ID: "b10"},
		},
		books.Data.([]document.Identifier))

	// Each included book points back at its author.
	for _, inc := range doc.Included {
		rel, ok := inc.Relationships["author"]
		require.True(t, ok, "book %s has no author linkage", inc.ID)
		require.IsType(t, document.Identifier{}, rel.Data)
	}
}

func TestQueryIncludeDeduplicatesSharedTargets(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	doc, err := engine.Query(context.Background(), Request{
		Type:    "book",
		Include: []string{"author.country"},
	})
	require.NoError(t, err)

	types := map[string]int{}
	seen := map[string]bool{}
	for _, inc := range doc.Included {
		key := inc.Type + "/" + inc.ID
		assert.False(t, seen[key], "duplicate included resource %s", key)
		seen[key] = true
		types[inc.Type]++
	}
	assert.Equal(t, 3, types["author"])
	assert.Equal(t, 2, types["country"])
}

func TestQueryIncludeDepthLimit(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	_, err := engine.Query(context.Background(), Request{
		Type:    "book",
		Include: []string{"author.books.genres"},
	})
	require.NoError(t, err, "depth 3 sits inside the default limit")

	_, err = engine.Query(context.Background(), Request{
		Type:    "book",
		Include: []string{"author.books.genres.books"},
	})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

// mockedEngine builds an engine over a strict sqlmock store with no
// expectations, so any query reaching storage fails as a storage error
// instead of a validation error.
func mockedEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	engine := New(storage.NewSQLStore(db, storage.PostgresDialect{}))

	book := resource.NewDefinition("book")
	book.Fields = map[string]*resource.Field{"id": {}, "title": {Searchable: true}}
	book.Relationships = map[string]*resource.Relationship{
		"author": {Kind: resource.BelongsTo, Target: "author"},
	}
	author := resource.NewDefinition("author")
	author.Fields = map[string]*resource.Field{"id": {}, "name": {}}
	require.NoError(t, engine.Register(book))
	require.NoError(t, engine.Register(author))

	return engine, mock, db
}

func TestQueryValidatesIncludesBeforeStorage(t *testing.T) {
	engine, mock, db := mockedEngine(t)
	defer db.Close()

	_, err := engine.Query(context.Background(), Request{
		Type:    "book",
		Include: []string{"nonexistent"},
	})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err), "want a validation error, got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet(), "a bad include path must not reach storage")

	_, err = engine.Query(context.Background(), Request{
		Type:    "book",
		Include: []string{"author.author.author.author"},
	})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err), "want a validation error, got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetValidatesIncludesBeforeStorage(t *testing.T) {
	engine, mock, db := mockedEngine(t)
	defer db.Close()

	_, err := engine.Get(context.Background(), "book", "b1", []string{"nonexistent"}, nil)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err), "want a validation error, got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet(), "a bad include path must not reach storage")
}

func TestQueryCursorPagingIsConsistent(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	var titles []string
	var cursor string
	pages := 0

	for {
		page := map[string]interface{}{"size": 3}
		if cursor != "" {
			page["cursor"] = cursor
		}

		doc, err := engine.Query(context.Background(), Request{
			Type: "book",
			Sort: []string{"title"},
			Page: page,
		})
		require.NoError(t, err)
		titles = append(titles, dataTitles(doc)...)
		pages++

		require.NotNil(t, doc.Meta.HasMore)
		if !*doc.Meta.HasMore {
			assert.Nil(t, doc.Meta.Cursor)
			break
		}
		require.NotNil(t, doc.Meta.Cursor)
		cursor = doc.Meta.Cursor.Next
		require.Less(t, pages, 10, "cursor paging must terminate")
	}

	assert.Equal(t, 4, pages)
	expected := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		expected = append(expected, fmt.Sprintf("Book %02d", i))
	}
	assert.Equal(t, expected, titles, "cursor pages cover every row exactly once, in order")
}

func TestQueryOffsetPagingIsConsistent(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	var titles []string
	pages := 0

	for number := 1; ; number++ {
		doc, err := engine.Query(context.Background(), Request{
			Type: "book",
			Sort: []string{"title"},
			Page: map[string]interface{}{"number": number, "size": 3},
		})
		require.NoError(t, err)
		titles = append(titles, dataTitles(doc)...)
		pages++

		require.NotNil(t, doc.Meta.HasMore)
		if !*doc.Meta.HasMore {
			break
		}
		require.Less(t, pages, 10, "offset paging must terminate")
	}

	assert.Equal(t, 4, pages)
	expected := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		expected = append(expected, fmt.Sprintf("Book %02d", i))
	}
	assert.Equal(t, expected, titles, "offset pages cover every row exactly once, in order")
}

func TestQueryRawOffsetWindow(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	doc, err := engine.Query(context.Background(), Request{
		Type: "book",
		Sort: []string{"title"},
		Page: map[string]interface{}{"offset": 5, "limit": 3},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Book 06", "Book 07", "Book 08"}, dataTitles(doc))
	assert.Equal(t, 0, doc.Meta.Page, "an off-boundary offset reports no page number")
	require.NotNil(t, doc.Meta.HasMore)
	assert.True(t, *doc.Meta.HasMore)
}

func TestQueryDescendingSort(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	doc, err := engine.Query(context.Background(), Request{
		Type: "book",
		Sort: []string{"-price"},
		Page: map[string]interface{}{"number": 1, "size": 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b09", "b06", "b05", "b03"}, dataIDs(doc))
}

func TestQueryRejectsEmptyCursor(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	_, err := engine.Query(context.Background(), Request{
		Type: "book",
		Sort: []string{"-price"},
		Page: map[string]interface{}{"size": 4, "cursor": ""},
	})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestQueryUnknownFilter(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	_, err := engine.Query(context.Background(), Request{
		Type:    "book",
		Filters: map[string]interface{}{"publisher": "x"},
	})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "publisher", e.Field)
	assert.NotEmpty(t, e.Allowed)
}

func TestQuerySparseFieldsets(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	doc, err := engine.Query(context.Background(), Request{
		Type:   "book",
		Fields: map[string][]string{"book": {"title"}},
		Page:   map[string]interface{}{"size": 1},
	})
	require.NoError(t, err)

	require.Len(t, doc.Data, 1)
	assert.Equal(t, []string{"title"}, attributeNames(doc.Data[0]))
	assert.NotEmpty(t, doc.Data[0].ID)
}

func attributeNames(res document.Resource) []string {
	names := make([]string, 0, len(res.Attributes))
	for name := range res.Attributes {
		names = append(names, name)
	}
	return names
}

func TestGet(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	doc, err := engine.Get(context.Background(), "book", "b03", []string{"author"}, nil)
	require.NoError(t, err)

	require.Len(t, doc.Data, 1)
	assert.Equal(t, "b03", doc.Data[0].ID)
	assert.Equal(t, "Book 03", doc.Data[0].Attributes["title"])

	require.Len(t, doc.Included, 1)
	assert.Equal(t, "author", doc.Included[0].Type)
	assert.Equal(t, "a2", doc.Included[0].ID)
	assert.Nil(t, doc.Meta)
}

func TestGetNotFound(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	_, err := engine.Get(context.Background(), "book", "nope", nil, nil)
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestRequiredIndexes(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	indexes, err := engine.RequiredIndexes("book")
	require.NoError(t, err)
	assert.NotEmpty(t, indexes)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.IncludeDepthLimit)
	assert.Equal(t, 25, cfg.QueryDefaultLimit)
	assert.Equal(t, 100, cfg.QueryMaxLimit)
	assert.True(t, cfg.EnablePaginationCounts)
}

func TestConfigValidation(t *testing.T) {
	assert.Error(t, validateConfig(Config{IncludeDepthLimit: 0, QueryDefaultLimit: 25, QueryMaxLimit: 100}))
	assert.Error(t, validateConfig(Config{IncludeDepthLimit: 3, QueryDefaultLimit: 50, QueryMaxLimit: 25}))
	assert.NoError(t, validateConfig(DefaultConfig()))
}

func TestWithConfigFillsDefaults(t *testing.T) {
	engine := New(nil, WithConfig(Config{}))

	assert.Equal(t, 3, engine.cfg.IncludeDepthLimit)
	assert.Equal(t, 25, engine.cfg.QueryDefaultLimit)
	assert.Equal(t, 100, engine.cfg.QueryMaxLimit)

	engine = New(nil, WithConfig(Config{QueryDefaultLimit: 50, QueryMaxLimit: 10}))
	assert.Equal(t, 50, engine.cfg.QueryMaxLimit, "the cap never drops below the default size")
}

func TestQueryWithZeroValueConfig(t *testing.T) {
	engine, db := libraryEngine(t)
	defer db.Close()

	zeroed := New(engine.store, WithConfig(Config{EnablePaginationCounts: true}))
	book := resource.NewDefinition("book")
	book.Fields = map[string]*resource.Field{"id": {}, "title": {}, "price": {}, "author_id": {}}
	require.NoError(t, zeroed.Register(book))

	doc, err := zeroed.Query(context.Background(), Request{Type: "book"})
	require.NoError(t, err)
	assert.Len(t, doc.Data, 10)
	assert.Equal(t, 25, doc.Meta.PageSize)
}
