// Package patch implements the JSON Patch (RFC 6902) primitives used by review overlays:
// diffing two documents, applying a patch without mutating its input, resolving pointer
// paths, and restricting patches to an allow-listed set of document sections.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Supported operation names.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

var (
	// ErrInvalidPatch indicates a malformed operation (unknown op, missing value or from, bad pointer).
	ErrInvalidPatch = errors.New("patch: invalid patch")
	// ErrPathNotFound indicates that an operation targets a path absent from the document.
	ErrPathNotFound = errors.New("patch: path not found")
	// ErrTestFailed indicates that a test operation did not match the document.
	ErrTestFailed = errors.New("patch: test operation failed")
	// ErrOutOfScope indicates that an operation addresses a path outside the allowed sections.
	ErrOutOfScope = errors.New("patch: path out of scope")
)

// Document is a JSON object.
type Document map[string]any

// Operation is a single RFC 6902 operation. An empty Value means the member was absent;
// an explicit JSON null is kept as the literal "null".
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch is an ordered list of operations applied strictly in sequence.
type Patch []Operation

// OperationError reports which operation of a patch failed and why.
type OperationError struct {
	Index int
	Op    string
	Path  string
	Err   error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %d (%s %s): %v", e.Index, e.Op, e.Path, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Add builds an add operation. Values that cannot be marshalled produce an operation without a value.
func Add(path string, value any) Operation {
	return Operation{Op: OpAdd, Path: path, Value: rawValue(value)}
}

// Replace builds a replace operation.
func Replace(path string, value any) Operation {
	return Operation{Op: OpReplace, Path: path, Value: rawValue(value)}
}

// Remove builds a remove operation.
func Remove(path string) Operation {
	return Operation{Op: OpRemove, Path: path}
}

// Test builds a test operation.
func Test(path string, value any) Operation {
	return Operation{Op: OpTest, Path: path, Value: rawValue(value)}
}

// Move builds a move operation.
func Move(from, path string) Operation {
	return Operation{Op: OpMove, From: from, Path: path}
}

// Copy builds a copy operation.
func Copy(from, path string) Operation {
	return Operation{Op: OpCopy, From: from, Path: path}
}

func rawValue(value any) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return encoded
}

// DecodedValue unmarshals the operation value.
func (o Operation) DecodedValue() (any, error) {
	if len(o.Value) == 0 {
		return nil, fmt.Errorf("%w: %s %s has no value", ErrInvalidPatch, o.Op, o.Path)
	}
	var value any
	if err := json.Unmarshal(o.Value, &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return value, nil
}

func (o Operation) validate() error {
	switch o.Op {
	case OpAdd, OpReplace, OpTest:
		if len(o.Value) == 0 {
			return fmt.Errorf("%w: %s requires a value", ErrInvalidPatch, o.Op)
		}
		if !json.Valid(o.Value) {
			return fmt.Errorf("%w: %s value is not valid json", ErrInvalidPatch, o.Op)
		}
	case OpRemove:
	case OpMove, OpCopy:
		if o.From == "" {
			return fmt.Errorf("%w: %s requires a from pointer", ErrInvalidPatch, o.Op)
		}
		if _, err := parseMemberPointer(o.From); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidPatch, o.Op)
	}
	if _, err := parseMemberPointer(o.Path); err != nil {
		return err
	}
	return nil
}

// Validate checks every operation for structural validity without touching a document.
func (p Patch) Validate() error {
	for index, op := range p {
		if err := op.validate(); err != nil {
			return &OperationError{Index: index, Op: op.Op, Path: op.Path, Err: err}
		}
	}
	return nil
}

// Paths returns the sorted, distinct pointers touched by the patch, including move/copy sources.
func (p Patch) Paths() []string {
	seen := make(map[string]struct{}, len(p))
	paths := make([]string, 0, len(p))
	for _, op := range p {
		for _, pointer := range []string{op.Path, op.From} {
			if pointer == "" {
				continue
			}
			if _, ok := seen[pointer]; ok {
				continue
			}
			seen[pointer] = struct{}{}
			paths = append(paths, pointer)
		}
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a deep copy of the document through a JSON round trip.
func Clone(doc Document) (Document, error) {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return decodeDocument(encoded)
}

func decodeDocument(encoded []byte) (Document, error) {
	var decoded Document
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, err
	}
	if decoded == nil {
		decoded = Document{}
	}
	return decoded, nil
}
