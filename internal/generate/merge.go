package generate

import (
	"fmt"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/pkg/frame"
)

// IdentifierCols are the columns every chunk carries
var IdentifierCols = []string{domain.EntityIDCol, domain.TimestampCol, domain.PredictionTimeUUIDCol}

// FindSharedCols returns the columns present in every frame, in the first frame's order
func FindSharedCols(frames []*frame.Frame) []string {
	if len(frames) == 0 {
		return nil
	}
	var shared []string
	for _, name := range frames[0].Names() {
		inAll := true
		for _, f := range frames[1:] {
			if !f.Has(name) {
				inAll = false
				break
			}
		}
		if inAll {
			shared = append(shared, name)
		}
	}
	return shared
}

// VerifySharedCols checks that every frame contains the shared columns and that the
// identifier columns among them hold identical values in every frame
func VerifySharedCols(frames []*frame.Frame, shared []string) error {
	if len(frames) == 0 {
		return nil
	}
	for i, f := range frames {
		for _, name := range shared {
			if !f.Has(name) {
				return fmt.Errorf("%w: chunk %d lacks shared column %s", domain.ErrChunkMisaligned, i, name)
			}
		}
	}
	for _, name := range shared {
		if !isIdentifier(name) {
			continue
		}
		ref, _ := frames[0].Column(name)
		for i, f := range frames[1:] {
			c, _ := f.Column(name)
			if !ref.EqualValues(c) {
				return fmt.Errorf("%w: column %s differs between chunk 0 and chunk %d", domain.ErrChunkMisaligned, name, i+1)
			}
		}
	}
	return nil
}

func isIdentifier(name string) bool {
	for _, id := range IdentifierCols {
		if id == name {
			return true
		}
	}
	return false
}

// RemoveSharedColsFromAllButOne keeps the first frame unchanged and drops the shared
// columns from every later frame, preserving frame order
func RemoveSharedColsFromAllButOne(frames []*frame.Frame, shared []string) []*frame.Frame {
	out := make([]*frame.Frame, len(frames))
	for i, f := range frames {
		if i == 0 {
			out[i] = f
			continue
		}
		out[i] = f.Drop(shared...)
	}
	return out
}

// MergeFeatureFrames joins chunk frames horizontally on prediction_time_uuid. Rows
// follow the first frame; a key missing from, or duplicated in, any frame fails the merge.
func MergeFeatureFrames(frames []*frame.Frame) (*frame.Frame, error) {
	if len(frames) == 0 {
		return nil, domain.NewValidationError("frames", "nothing to merge", 0)
	}
	for i, f := range frames {
		if !f.Has(domain.PredictionTimeUUIDCol) {
			return nil, fmt.Errorf("%w: chunk %d has no %s column", domain.ErrChunkMisaligned, i, domain.PredictionTimeUUIDCol)
		}
	}

	base, _ := frames[0].Column(domain.PredictionTimeUUIDCol)
	if _, err := keyPositions(base, 0); err != nil {
		return nil, err
	}
	aligned := make([]*frame.Frame, len(frames))
	aligned[0] = frames[0]
	for i, f := range frames[1:] {
		keys, _ := f.Column(domain.PredictionTimeUUIDCol)
		if keys.Len() != base.Len() {
			return nil, fmt.Errorf("%w: chunk %d has %d rows, chunk 0 has %d", domain.ErrChunkMisaligned, i+1, keys.Len(), base.Len())
		}
		pos, err := keyPositions(keys, i+1)
		if err != nil {
			return nil, err
		}
		idx := make([]int, base.Len())
		for r, k := range base.Strings {
			p, ok := pos[k]
			if !ok {
				return nil, fmt.Errorf("%w: key %s missing from chunk %d", domain.ErrChunkMisaligned, k, i+1)
			}
			idx[r] = p
		}
		aligned[i+1] = f.Take(idx)
	}

	shared := FindSharedCols(aligned)
	if err := VerifySharedCols(aligned, shared); err != nil {
		return nil, err
	}
	return frame.HConcat(RemoveSharedColsFromAllButOne(aligned, shared)...)
}

func keyPositions(keys *frame.Column, chunk int) (map[string]int, error) {
	pos := make(map[string]int, keys.Len())
	for r, k := range keys.Strings {
		if _, dup := pos[k]; dup {
			return nil, fmt.Errorf("%w: duplicate key %s in chunk %d", domain.ErrChunkMisaligned, k, chunk)
		}
		pos[k] = r
	}
	return pos, nil
}
