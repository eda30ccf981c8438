package taxii

import (
	"context"
	"errors"
	"iter"

	"github.com/BedeschiL/Taxii-client/internal/stix"
)

// PageFunc fetches the page addressed by cursor; nil means the first page.
type PageFunc func(ctx context.Context, cursor *Cursor) (*Page, error)

// PageFetcher fetches one page of a collection's objects endpoint. Client
// implements it.
type PageFetcher interface {
	FetchObjectsPage(ctx context.Context, req ObjectsRequest, cursor *Cursor) (*Page, error)
}

// Pager binds req to a PageFunc for Walk.
func Pager(f PageFetcher, req ObjectsRequest) PageFunc {
	return func(ctx context.Context, cursor *Cursor) (*Page, error) {
		return f.FetchObjectsPage(ctx, req, cursor)
	}
}

// Walk returns the objects of every page in order. Each range over the
// returned sequence starts a fresh walk from the first page.
//
// The walk ends when a page has more=false or carries no objects. The first
// error is yielded with a nil object and ends the sequence; objects yielded
// before it stay valid.
func Walk(ctx context.Context, fetch PageFunc) iter.Seq2[stix.Object, error] {
	return func(yield func(stix.Object, error) bool) {
		var cursor *Cursor
		for {
			page, err := fetch(ctx, cursor)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, obj := range page.Objects {
				if !yield(obj, nil) {
					return
				}
			}
			if !page.More || len(page.Objects) == 0 {
				return
			}
			next := page.NextCursor
			if next == nil {
				yield(nil, &Error{Op: "walk", Kind: ErrProtocol, Err: errors.New("more=true without a continuation cursor")})
				return
			}
			if cursor != nil && *next == *cursor {
				yield(nil, &Error{Op: "walk", Kind: ErrProtocol, Err: errors.New("server repeated the previous cursor")})
				return
			}
			cursor = next
		}
	}
}

// Collect drains seq. On error it returns the objects read so far together
// with the error.
func Collect(seq iter.Seq2[stix.Object, error]) ([]stix.Object, error) {
	var out []stix.Object
	for obj, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, obj)
	}
	return out, nil
}
