package patch

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-openapi/jsonpointer"
)

// parsePointer splits an RFC 6901 pointer into unescaped reference tokens.
func parsePointer(pointer string) ([]string, error) {
	parsed, err := jsonpointer.New(pointer)
	if err != nil {
		return nil, fmt.Errorf("%w: pointer %q: %v", ErrInvalidPatch, pointer, err)
	}
	return parsed.DecodedTokens(), nil
}

// parseMemberPointer rejects the root pointer, which no overlay operation may target.
func parseMemberPointer(pointer string) ([]string, error) {
	tokens, err := parsePointer(pointer)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: root pointer is not addressable", ErrInvalidPatch)
	}
	return tokens, nil
}

// JoinPointer builds a pointer from raw reference tokens.
func JoinPointer(tokens ...string) string {
	var builder strings.Builder
	for _, token := range tokens {
		builder.WriteByte('/')
		builder.WriteString(jsonpointer.Escape(token))
	}
	return builder.String()
}

// PathExists reports whether a value exists at pointer. Malformed pointers resolve to false.
func PathExists(doc Document, pointer string) bool {
	_, ok := Lookup(doc, pointer)
	return ok
}

// Lookup returns the value stored at pointer.
func Lookup(doc Document, pointer string) (any, bool) {
	parsed, err := jsonpointer.New(pointer)
	if err != nil {
		return nil, false
	}
	value, _, err := parsed.Get(map[string]any(doc))
	if err != nil {
		return nil, false
	}
	return value, true
}

// parentExists reports whether the container that would hold pointer's last token exists.
func parentExists(doc Document, tokens []string) bool {
	parent, ok := Lookup(doc, JoinPointer(tokens[:len(tokens)-1]...))
	if !ok || parent == nil {
		return false
	}
	container := reflect.ValueOf(parent)
	switch container.Kind() {
	case reflect.Map:
		return true
	case reflect.Slice:
		last := tokens[len(tokens)-1]
		if last == "-" {
			return true
		}
		index, err := strconv.Atoi(last)
		return err == nil && index >= 0 && index <= container.Len()
	default:
		return false
	}
}
