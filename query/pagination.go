package query

import (
	"encoding/base64"
	"encoding/json"

	"github.com/spf13/cast"

	"github.com/lattice-orm/lattice/errs"
	"github.com/lattice-orm/lattice/resource"
)

// PageMode selects between offset and cursor pagination.
type PageMode int

const (
	ModeOffset PageMode = iota
	ModeCursor
)

// PageDefaults carries the configured limits the codec applies.
type PageDefaults struct {
	DefaultLimit int
	MaxLimit     int
}

// PageRequest is the normalized form of the loose page parameters.
type PageRequest struct {
	Mode   PageMode
	Number int
	Size   int
	Cursor string

	// rawOffset is set when the caller paged by offset rather than by
	// number. It is carried verbatim so size clamping cannot shift the
	// window.
	rawOffset *int
}

// Offset returns the row offset for offset mode: the raw offset when one was
// requested, the number-derived offset otherwise.
func (p *PageRequest) Offset() int {
	if p.rawOffset != nil {
		return *p.rawOffset
	}
	return (p.Number - 1) * p.Size
}

// PageNumber returns the 1-based page for metadata. A raw offset that does
// not land on a page boundary has no page number and reports zero.
func (p *PageRequest) PageNumber() int {
	if p.rawOffset == nil {
		return p.Number
	}
	if *p.rawOffset%p.Size == 0 {
		return *p.rawOffset/p.Size + 1
	}
	return 0
}

// ParsePage normalizes the raw page map. Accepted keys: number/size for page
// pagination, offset/limit as the equivalent alternative, cursor for cursor
// mode. Values are coerced loosely (query strings arrive as strings);
// anything non-numeric or negative is a validation error. Sizes are clamped
// to the configured maximum.
func ParsePage(raw map[string]interface{}, defaults PageDefaults) (*PageRequest, error) {
	req := &PageRequest{Mode: ModeOffset, Number: 1, Size: defaults.DefaultLimit}

	if raw == nil {
		return req, nil
	}

	getInt := func(key string) (int, bool, error) {
		v, ok := raw[key]
		if !ok || v == nil {
			return 0, false, nil
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			return 0, false, errs.Validation("malformed page parameter %q: %v", key, v)
		}
		return n, true, nil
	}

	if c, ok := raw["cursor"]; ok && c != nil {
		token, err := cast.ToStringE(c)
		if err != nil || token == "" {
			return nil, errs.Validation("malformed page cursor")
		}
		req.Mode = ModeCursor
		req.Cursor = token
	}

	if n, ok, err := getInt("size"); err != nil {
		return nil, err
	} else if ok {
		if n < 1 {
			return nil, errs.Validation("page size must be positive, got %d", n)
		}
		req.Size = n
	} else if n, ok, err := getInt("limit"); err != nil {
		return nil, err
	} else if ok {
		if n < 1 {
			return nil, errs.Validation("page limit must be positive, got %d", n)
		}
		req.Size = n
	}

	if n, ok, err := getInt("number"); err != nil {
		return nil, err
	} else if ok {
		if n < 1 {
			return nil, errs.Validation("page number must be positive, got %d", n)
		}
		req.Number = n
	} else if off, ok, err := getInt("offset"); err != nil {
		return nil, err
	} else if ok {
		if off < 0 {
			return nil, errs.Validation("page offset must not be negative, got %d", off)
		}
		req.rawOffset = &off
	}

	if defaults.MaxLimit > 0 && req.Size > defaults.MaxLimit {
		req.Size = defaults.MaxLimit
	}

	return req, nil
}

// ApplyPage stamps the page request onto the plan. Offset mode maps straight
// to LIMIT/OFFSET. Cursor mode decodes the token into the sort-key tuple of
// the previous page's last row, appends the lexicographic continuation
// predicate, and over-fetches one row so the caller can derive hasMore
// without a count.
func ApplyPage(plan *Plan, req *PageRequest) error {
	switch req.Mode {
	case ModeOffset:
		limit := req.Size
		offset := req.Offset()
		plan.Limit = &limit
		plan.Offset = &offset
		return nil

	case ModeCursor:
		for _, key := range plan.Sort {
			if key.Field == "" {
				return errs.Validation(
					"cursor pagination does not support cross-table sort on %q", key.Column)
			}
		}
		if req.Cursor != "" {
			cursor, err := DecodeCursor(req.Cursor)
			if err != nil {
				return err
			}
			group, err := cursor.continuation(plan.Sort)
			if err != nil {
				return err
			}
			plan.Where.AddGroup(group)
		}
		limit := req.Size + 1
		plan.Limit = &limit
		return nil

	default:
		return errs.Validation("unknown pagination mode")
	}
}

// Cursor is the decoded form of an opaque cursor token: the ordered tuple of
// sort-column values of the last row of a page, plus the sort tokens it was
// produced under so a mismatched request is rejected instead of silently
// returning garbage.
type Cursor struct {
	Sort   []string      `json:"s"`
	Values []interface{} `json:"v"`
}

// EncodeCursor builds the token for the page ending at last, under the
// plan's resolved sort keys.
func EncodeCursor(keys []SortKey, last resource.Record) (string, error) {
	c := Cursor{
		Sort:   make([]string, len(keys)),
		Values: make([]interface{}, len(keys)),
	}
	for i, key := range keys {
		token := key.Field
		if key.Desc {
			token = "-" + token
		}
		c.Sort[i] = token
		c.Values[i] = last[key.Field]
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", errs.Validation("cannot encode cursor: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// DecodeCursor parses an opaque token.
func DecodeCursor(token string) (*Cursor, error) {
	payload, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errs.Validation("malformed page cursor")
	}
	var c Cursor
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, errs.Validation("malformed page cursor")
	}
	if len(c.Sort) == 0 || len(c.Sort) != len(c.Values) {
		return nil, errs.Validation("malformed page cursor")
	}
	return &c, nil
}

// continuation builds the tuple-comparison predicate selecting rows strictly
// after the cursor position: for sort keys k1..kn it expands to
//
//	(k1 > v1) OR (k1 = v1 AND k2 > v2) OR ...
//
// with > flipped to < for descending keys. This paginates multi-field sorts
// without the gaps or duplicates offset paging shows under concurrent
// inserts.
func (c *Cursor) continuation(keys []SortKey) (*PredicateGroup, error) {
	if len(keys) != len(c.Sort) {
		return nil, errs.Validation("page cursor does not match the requested sort")
	}
	for i, key := range keys {
		token := key.Field
		if key.Desc {
			token = "-" + token
		}
		if c.Sort[i] != token {
			return nil, errs.Validation("page cursor does not match the requested sort")
		}
	}

	outer := NewPredicateGroup(true)
	for i, key := range keys {
		branch := NewPredicateGroup(false)
		for j := 0; j < i; j++ {
			branch.Add(&Condition{
				Column:   keys[j].Column,
				Operator: OpEqual,
				Value:    c.Values[j],
			})
		}
		op := OpGreaterThan
		if key.Desc {
			op = OpLessThan
		}
		branch.Add(&Condition{Column: key.Column, Operator: op, Value: c.Values[i]})
		outer.AddGroup(branch)
	}
	return outer, nil
}

// PageMeta is the pagination metadata attached to a document. Count-derived
// fields are omitted entirely when count computation is disabled.
type PageMeta struct {
	Page      int         `json:"page,omitempty"`
	PageSize  int         `json:"pageSize"`
	Total     *int        `json:"total,omitempty"`
	PageCount *int        `json:"pageCount,omitempty"`
	HasMore   *bool       `json:"hasMore,omitempty"`
	Cursor    *CursorMeta `json:"cursor,omitempty"`
}

// CursorMeta carries the continuation token for cursor mode.
type CursorMeta struct {
	Next string `json:"next,omitempty"`
}

// OffsetMeta computes the count-derived metadata for offset mode.
func OffsetMeta(req *PageRequest, total int) *PageMeta {
	pageCount := (total + req.Size - 1) / req.Size
	hasMore := req.Offset()+req.Size < total
	return &PageMeta{
		Page:      req.PageNumber(),
		PageSize:  req.Size,
		Total:     &total,
		PageCount: &pageCount,
		HasMore:   &hasMore,
	}
}

// CursorMetaFor derives cursor-mode metadata from an over-fetched row set.
// rows must have been fetched with size+1; it returns the rows trimmed to
// the page plus the metadata.
func CursorMetaFor(req *PageRequest, keys []SortKey, rows []resource.Record) ([]resource.Record, *PageMeta, error) {
	hasMore := len(rows) > req.Size
	if hasMore {
		rows = rows[:req.Size]
	}
	meta := &PageMeta{PageSize: req.Size, HasMore: &hasMore}
	if hasMore && len(rows) > 0 {
		next, err := EncodeCursor(keys, rows[len(rows)-1])
		if err != nil {
			return nil, nil, err
		}
		meta.Cursor = &CursorMeta{Next: next}
	}
	return rows, meta, nil
}
