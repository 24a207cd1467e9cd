package reports

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/entitygraph/datamart/internal/storage"
)

// Pagination defaults, matching the wire contract of the original
// statistics surface.
const (
	DefaultPageSize      = 1000
	SampleSizeMultiplier = 20
)

// PageRequest describes one page query. Zero-valued fields take
// defaults: bound per the bound type's direction, bound type
// INCLUSIVE_LOWER, page size DefaultPageSize (or the sample multiple
// when sampling).
type PageRequest struct {
	Bound      string
	BoundType  string
	PageSize   int
	SampleSize int
}

// Page is one stable window over a report-key population. Items are
// always in ascending key order, whichever direction the scan ran.
type Page struct {
	Bound      string
	BoundType  BoundType
	PageSize   int
	SampleSize int

	// Extrema of the returned items (of the sampled subset when
	// sampling).
	PageMin *storage.DetailPoint
	PageMax *storage.DetailPoint

	// Extrema of the whole population; omitted on sampled pages.
	OverallMin *storage.DetailPoint
	OverallMax *storage.DetailPoint

	BeforePageCount int64
	AfterPageCount  int64
	TotalCount      int64

	Items []storage.DetailRow
}

// EntityIDs flattens an entity page's items.
func (p *Page) EntityIDs() []int64 {
	out := make([]int64, len(p.Items))
	for i, item := range p.Items {
		out[i] = item.EntityID
	}
	return out
}

// resolvePageSize validates the page/sample interaction and returns
// the effective window size.
func resolvePageSize(req PageRequest) (int, error) {
	if req.PageSize < 0 {
		return 0, fmt.Errorf("%w: negative page size %d", storage.ErrInvalidArgument, req.PageSize)
	}
	if req.SampleSize < 0 {
		return 0, fmt.Errorf("%w: negative sample size %d", storage.ErrInvalidArgument, req.SampleSize)
	}
	pageSize := req.PageSize
	if pageSize == 0 {
		if req.SampleSize > 0 {
			pageSize = SampleSizeMultiplier * req.SampleSize
		} else {
			pageSize = DefaultPageSize
		}
	}
	if req.SampleSize > 0 && req.SampleSize >= pageSize {
		return 0, fmt.Errorf("%w: sample size %d must be smaller than page size %d", storage.ErrInvalidArgument, req.SampleSize, pageSize)
	}
	return pageSize, nil
}

// getPage runs one bounded window scan over the population addressed
// by keys and assembles the page envelope.
func (s *Service) getPage(ctx context.Context, keys []string, relations bool, req PageRequest) (*Page, error) {
	pageSize, err := resolvePageSize(req)
	if err != nil {
		return nil, err
	}
	boundType, err := ParseBoundType(req.BoundType)
	if err != nil {
		return nil, err
	}
	from, err := parseBound(req.Bound, relations, boundType.Lower())
	if err != nil {
		return nil, err
	}

	rows, err := s.store.ScanDetails(ctx, storage.DetailScan{
		Keys:       keys,
		Relations:  relations,
		From:       from,
		Inclusive:  boundType.Inclusive(),
		Descending: !boundType.Lower(),
		Limit:      pageSize,
	})
	if err != nil {
		return nil, err
	}
	// Descending scans return closest-to-bound first; flip so items are
	// ascending with the closest-to-bound element at the end.
	if !boundType.Lower() {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	total, err := s.store.CountDetails(ctx, keys, relations)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Bound:      req.Bound,
		BoundType:  boundType,
		PageSize:   pageSize,
		SampleSize: req.SampleSize,
		TotalCount: total,
	}

	if len(rows) == 0 {
		// Nothing at or past the bound: the whole population sits on
		// the before side of an ascending scan, the after side of a
		// descending one.
		if boundType.Lower() {
			page.BeforePageCount = total
		} else {
			page.AfterPageCount = total
		}
	} else {
		first := storage.DetailPoint(rows[0])
		last := storage.DetailPoint(rows[len(rows)-1])
		if page.BeforePageCount, err = s.store.CountDetailsBefore(ctx, keys, relations, first); err != nil {
			return nil, err
		}
		if page.AfterPageCount, err = s.store.CountDetailsAfter(ctx, keys, relations, last); err != nil {
			return nil, err
		}
	}

	if req.SampleSize > 0 {
		rows = sampleRows(rows, req.SampleSize)
	} else {
		min, max, err := s.store.DetailExtrema(ctx, keys, relations)
		if err != nil {
			return nil, err
		}
		page.OverallMin, page.OverallMax = min, max
	}

	page.Items = rows
	if len(rows) > 0 {
		first := storage.DetailPoint(rows[0])
		last := storage.DetailPoint(rows[len(rows)-1])
		page.PageMin, page.PageMax = &first, &last
	}
	return page, nil
}

// sampleRows draws a uniform random subset of size n, preserving
// ascending order.
func sampleRows(rows []storage.DetailRow, n int) []storage.DetailRow {
	if len(rows) <= n {
		return rows
	}
	picked := rand.Perm(len(rows))[:n]
	sort.Ints(picked)
	out := make([]storage.DetailRow, n)
	for i, idx := range picked {
		out[i] = rows[idx]
	}
	return out
}
