package patch

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// Apply returns a new document produced by applying p to doc in order. The input document is
// never modified. Each operation is checked against the state left by the previous one, so a
// replace or remove of a missing member fails with ErrPathNotFound instead of being ignored.
func Apply(doc Document, p Patch) (Document, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: document is not serializable: %v", ErrInvalidPatch, err)
	}
	state, err := decodeDocument(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: document is not an object: %v", ErrInvalidPatch, err)
	}

	for index, op := range p {
		if err := checkOperation(state, op); err != nil {
			return nil, &OperationError{Index: index, Op: op.Op, Path: op.Path, Err: err}
		}
		encoded, err = applyOperation(encoded, op)
		if err != nil {
			return nil, &OperationError{Index: index, Op: op.Op, Path: op.Path, Err: err}
		}
		state, err = decodeDocument(encoded)
		if err != nil {
			return nil, &OperationError{Index: index, Op: op.Op, Path: op.Path, Err: err}
		}
	}
	return state, nil
}

// Preflight simulates p against doc and returns every pointer that does not resolve at the
// moment its operation would run. An empty result means every target path exists.
func Preflight(doc Document, p Patch) []string {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return p.Paths()
	}
	state, err := decodeDocument(encoded)
	if err != nil {
		return p.Paths()
	}

	var missing []string
	for _, op := range p {
		if err := checkOperation(state, op); err != nil {
			missing = append(missing, missingPointer(op, state))
			continue
		}
		next, err := applyOperation(encoded, op)
		if err != nil {
			// test mismatches are not path failures
			if op.Op != OpTest {
				missing = append(missing, op.Path)
			}
			continue
		}
		nextState, err := decodeDocument(next)
		if err != nil {
			missing = append(missing, op.Path)
			continue
		}
		encoded, state = next, nextState
	}
	return missing
}

func missingPointer(op Operation, state Document) string {
	if (op.Op == OpMove || op.Op == OpCopy) && !PathExists(state, op.From) {
		return op.From
	}
	return op.Path
}

func checkOperation(state Document, op Operation) error {
	tokens, err := parseMemberPointer(op.Path)
	if err != nil {
		return err
	}
	switch op.Op {
	case OpRemove, OpReplace, OpTest:
		if !PathExists(state, op.Path) {
			return fmt.Errorf("%w: %s", ErrPathNotFound, op.Path)
		}
	case OpAdd:
		if !parentExists(state, tokens) {
			return fmt.Errorf("%w: parent of %s", ErrPathNotFound, op.Path)
		}
	case OpMove, OpCopy:
		if !PathExists(state, op.From) {
			return fmt.Errorf("%w: %s", ErrPathNotFound, op.From)
		}
		if !parentExists(state, tokens) {
			return fmt.Errorf("%w: parent of %s", ErrPathNotFound, op.Path)
		}
	}
	return nil
}

func applyOperation(encoded []byte, op Operation) ([]byte, error) {
	single, err := json.Marshal(Patch{op})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	decoded, err := jsonpatch.DecodePatch(single)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	result, err := decoded.Apply(encoded)
	if err != nil {
		if op.Op == OpTest {
			return nil, fmt.Errorf("%w: %v", ErrTestFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPathNotFound, err)
	}
	return result, nil
}
