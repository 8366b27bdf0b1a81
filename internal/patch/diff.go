package patch

import (
	"fmt"

	"github.com/wI2L/jsondiff"
)

// Diff returns a patch that transforms a into b. Object members are visited in sorted key
// order so identical inputs always yield the same add, remove and replace operations.
func Diff(a, b Document) (Patch, error) {
	compared, err := jsondiff.Compare(map[string]any(a), map[string]any(b))
	if err != nil {
		return nil, fmt.Errorf("%w: diff: %v", ErrInvalidPatch, err)
	}
	ops := make(Patch, 0, len(compared))
	for _, op := range compared {
		converted := Operation{Op: op.Type, Path: op.Path, From: op.From}
		switch op.Type {
		case OpAdd, OpReplace, OpTest:
			converted.Value = rawValue(op.Value)
		}
		ops = append(ops, converted)
	}
	return ops, nil
}
