package reports

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/entitygraph/datamart/internal/storage"
)

// BoundType selects the scan direction and edge inclusivity of a page
// request. Lower bounds scan ascending; upper bounds scan descending.
type BoundType string

const (
	InclusiveLower BoundType = "INCLUSIVE_LOWER"
	ExclusiveLower BoundType = "EXCLUSIVE_LOWER"
	InclusiveUpper BoundType = "INCLUSIVE_UPPER"
	ExclusiveUpper BoundType = "EXCLUSIVE_UPPER"
)

// ParseBoundType parses the text form of a bound type. Blank defaults
// to INCLUSIVE_LOWER.
func ParseBoundType(s string) (BoundType, error) {
	bt := BoundType(strings.ToUpper(strings.TrimSpace(s)))
	switch bt {
	case "":
		return InclusiveLower, nil
	case InclusiveLower, ExclusiveLower, InclusiveUpper, ExclusiveUpper:
		return bt, nil
	default:
		return "", fmt.Errorf("%w: unknown bound type %q", storage.ErrInvalidArgument, s)
	}
}

// Lower reports whether the bound type scans ascending.
func (bt BoundType) Lower() bool {
	return bt == InclusiveLower || bt == ExclusiveLower
}

// Inclusive reports whether the bound value itself is in range.
func (bt BoundType) Inclusive() bool {
	return bt == InclusiveLower || bt == InclusiveUpper
}

// maxPoint is the +infinity bound.
var maxPoint = storage.DetailPoint{EntityID: math.MaxInt64, RelatedID: math.MaxInt64}

// parseBound parses a bound text into a scan position. Entity pages
// take "<id>" or "max"; relation pages take "<id>:<id>" or "max:max".
// A blank bound defaults to the start of the scan: zero for a lower
// bound, +infinity for an upper one.
func parseBound(text string, relations, lower bool) (storage.DetailPoint, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		if lower {
			return storage.DetailPoint{}, nil
		}
		return maxPoint, nil
	}

	if !relations {
		if strings.EqualFold(text, "max") {
			return maxPoint, nil
		}
		id, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return storage.DetailPoint{}, fmt.Errorf("%w: entity bound %q is not an integer or \"max\"", storage.ErrInvalidArgument, text)
		}
		return storage.DetailPoint{EntityID: id}, nil
	}

	if strings.EqualFold(text, "max:max") {
		return maxPoint, nil
	}
	parts := strings.Split(text, ":")
	if len(parts) != 2 {
		return storage.DetailPoint{}, fmt.Errorf("%w: relation bound %q is not \"<id>:<id>\" or \"max:max\"", storage.ErrInvalidArgument, text)
	}
	entityID, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return storage.DetailPoint{}, fmt.Errorf("%w: relation bound %q has a non-integer entity id", storage.ErrInvalidArgument, text)
	}
	relatedID, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return storage.DetailPoint{}, fmt.Errorf("%w: relation bound %q has a non-integer related id", storage.ErrInvalidArgument, text)
	}
	return storage.DetailPoint{EntityID: entityID, RelatedID: relatedID}, nil
}
