package patch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument() Document {
	return Document{
		"personalInfo": map[string]any{
			"forename": "Aoife",
			"surname":  "Byrne",
		},
		"contactInfo": map[string]any{
			"personalEmail": "aoife@example.com",
		},
		"professionalDetails": map[string]any{
			"membershipCategory": "RN",
			"grade":              "staff",
		},
		"subscriptionDetails": map[string]any{},
	}
}

func TestApplyReplacesField(t *testing.T) {
	doc := sampleDocument()
	result, err := Apply(doc, Patch{Replace("/personalInfo/surname", "Smith")})
	require.NoError(t, err)

	value, ok := Lookup(result, "/personalInfo/surname")
	require.True(t, ok)
	assert.Equal(t, "Smith", value)

	original, _ := Lookup(doc, "/personalInfo/surname")
	assert.Equal(t, "Byrne", original, "input document must not be mutated")
}

func TestApplyIsIdempotentAcrossCopies(t *testing.T) {
	p := Patch{
		Replace("/personalInfo/surname", "Jones"),
		Add("/subscriptionDetails/paymentType", "payroll"),
		Remove("/professionalDetails/grade"),
	}
	first, err := Apply(sampleDocument(), p)
	require.NoError(t, err)
	second, err := Apply(sampleDocument(), p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestApplyRunsOperationsInOrder(t *testing.T) {
	p := Patch{
		Add("/subscriptionDetails/payrollNo", "P-1"),
		Replace("/subscriptionDetails/payrollNo", "P-2"),
		Copy("/subscriptionDetails/payrollNo", "/subscriptionDetails/previousPayrollNo"),
	}
	result, err := Apply(sampleDocument(), p)
	require.NoError(t, err)
	value, _ := Lookup(result, "/subscriptionDetails/previousPayrollNo")
	assert.Equal(t, "P-2", value)
}

func TestApplyRejectsStaleTargets(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
	}{
		{name: "replace-missing", op: Replace("/personalInfo/middleName", "Ann")},
		{name: "remove-missing", op: Remove("/contactInfo/workEmail")},
		{name: "add-missing-parent", op: Add("/unknownSection/field", "x")},
		{name: "move-missing-source", op: Move("/personalInfo/nickname", "/personalInfo/alias")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(sampleDocument(), Patch{tt.op})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPathNotFound), "unexpected error: %v", err)
			var opErr *OperationError
			require.True(t, errors.As(err, &opErr))
			assert.Equal(t, 0, opErr.Index)
		})
	}
}

func TestApplyRejectsMalformedOperations(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
	}{
		{name: "add-without-value", op: Operation{Op: OpAdd, Path: "/personalInfo/title"}},
		{name: "replace-without-value", op: Operation{Op: OpReplace, Path: "/personalInfo/surname"}},
		{name: "test-without-value", op: Operation{Op: OpTest, Path: "/personalInfo/surname"}},
		{name: "move-without-from", op: Operation{Op: OpMove, Path: "/personalInfo/surname"}},
		{name: "copy-without-from", op: Operation{Op: OpCopy, Path: "/personalInfo/surname"}},
		{name: "unknown-op", op: Operation{Op: "merge", Path: "/personalInfo/surname"}},
		{name: "relative-pointer", op: Remove("personalInfo/surname")},
		{name: "root-pointer", op: Remove("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(sampleDocument(), Patch{tt.op})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPatch), "unexpected error: %v", err)
		})
	}
}

func TestApplyAcceptsExplicitNull(t *testing.T) {
	result, err := Apply(sampleDocument(), Patch{Replace("/professionalDetails/grade", nil)})
	require.NoError(t, err)
	value, ok := Lookup(result, "/professionalDetails/grade")
	require.True(t, ok)
	assert.Nil(t, value)
}

func TestApplyReportsFailedTest(t *testing.T) {
	_, err := Apply(sampleDocument(), Patch{Test("/personalInfo/surname", "Murphy")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTestFailed), "unexpected error: %v", err)
}

func TestDiffApplyRoundTrip(t *testing.T) {
	before := sampleDocument()
	after := Document{
		"personalInfo": map[string]any{
			"forename": "Aoife",
			"surname":  "Smith",
			"title":    "Ms",
		},
		"contactInfo": map[string]any{
			"personalEmail": "aoife@example.com",
			"workEmail":     "a.byrne@hospital.example",
		},
		"professionalDetails": map[string]any{
			"membershipCategory": "RN",
		},
		"subscriptionDetails": map[string]any{
			"paymentType": "payroll",
		},
	}

	diff, err := Diff(before, after)
	require.NoError(t, err)
	result, err := Apply(before, diff)
	require.NoError(t, err)

	expected, err := Clone(after)
	require.NoError(t, err)
	assert.Equal(t, expected, result)
}

func TestDiffHandlesArraysAndNulls(t *testing.T) {
	before := Document{
		"contactInfo": map[string]any{
			"phones":        []any{"0871234567", "0861234567"},
			"workEmail":     nil,
			"personalEmail": "aoife@example.com",
		},
		"subscriptionDetails": map[string]any{"membershipCategory": "RN", "fee": 120},
	}
	after := Document{
		"contactInfo": map[string]any{
			"phones":        []any{"0871234567"},
			"workEmail":     "a.byrne@hospital.example",
			"personalEmail": nil,
		},
		"subscriptionDetails": map[string]any{"membershipCategory": nil, "fee": 95.5},
	}

	diff, err := Diff(before, after)
	require.NoError(t, err)
	for _, op := range diff {
		assert.Contains(t, []string{OpAdd, OpRemove, OpReplace}, op.Op)
		if op.Op == OpRemove {
			assert.Empty(t, op.Value)
		}
	}

	result, err := Apply(before, diff)
	require.NoError(t, err)
	expected, err := Clone(after)
	require.NoError(t, err)
	assert.Equal(t, expected, result)

	value, ok := Lookup(result, "/subscriptionDetails/membershipCategory")
	assert.True(t, ok)
	assert.Nil(t, value)
	assert.False(t, PathExists(result, "/contactInfo/personalEmail/domain"))
}

func TestDiffIsDeterministic(t *testing.T) {
	before := sampleDocument()
	after := sampleDocument()
	after["personalInfo"].(map[string]any)["surname"] = "Walsh"
	after["contactInfo"].(map[string]any)["mobileNumber"] = "0871234567"
	delete(after["professionalDetails"].(map[string]any), "grade")

	diff, err := Diff(before, after)
	require.NoError(t, err)
	first, err := json.Marshal(diff)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Diff(before, after)
		require.NoError(t, err)
		encoded, err := json.Marshal(again)
		require.NoError(t, err)
		assert.JSONEq(t, string(first), string(encoded))
	}
	assert.Equal(t, []string{
		"/contactInfo/mobileNumber",
		"/personalInfo/surname",
		"/professionalDetails/grade",
	}, diff.Paths())
}

func TestDiffOfEqualDocumentsIsEmpty(t *testing.T) {
	diff, err := Diff(sampleDocument(), sampleDocument())
	require.NoError(t, err)
	assert.Empty(t, diff)
}

func TestPathExists(t *testing.T) {
	doc := sampleDocument()
	doc["contactInfo"].(map[string]any)["phones"] = []any{"1", "2"}

	assert.True(t, PathExists(doc, ""))
	assert.True(t, PathExists(doc, "/personalInfo/surname"))
	assert.True(t, PathExists(doc, "/contactInfo/phones/1"))
	assert.False(t, PathExists(doc, "/contactInfo/phones/2"))
	assert.False(t, PathExists(doc, "/contactInfo/phones/-"))
	assert.False(t, PathExists(doc, "/personalInfo/surname/extra"))
	assert.False(t, PathExists(doc, "personalInfo"))
	assert.False(t, PathExists(doc, "/missing"))
}

func TestPointerEscaping(t *testing.T) {
	doc := Document{"section": map[string]any{"a/b": 1, "m~n": 2}}
	assert.Equal(t, "/section/a~1b", JoinPointer("section", "a/b"))
	assert.True(t, PathExists(doc, JoinPointer("section", "a/b")))
	assert.True(t, PathExists(doc, JoinPointer("section", "m~n")))
}

func TestPreflightReportsMissingPaths(t *testing.T) {
	p := Patch{
		Replace("/personalInfo/surname", "Smith"),
		Remove("/personalInfo/middleName"),
		Add("/personalInfo/middleName", "Ann"),
		Remove("/personalInfo/middleName"),
		Move("/contactInfo/faxNumber", "/contactInfo/mobileNumber"),
	}
	missing := Preflight(sampleDocument(), p)
	assert.Equal(t, []string{"/personalInfo/middleName", "/contactInfo/faxNumber"}, missing)
	assert.Empty(t, Preflight(sampleDocument(), Patch{Replace("/personalInfo/surname", "Smith")}))
}

func TestScopeValidate(t *testing.T) {
	scope := NewScope(map[string][]string{
		"personalInfo":        {"surname", "forename"},
		"professionalDetails": {"membershipCategory", "grade"},
		"subscriptionDetails": nil,
	}).Deny("/professionalDetails/membershipCategory", "change membership category in subscriptionDetails")

	require.NoError(t, scope.Validate(Patch{
		Replace("/personalInfo/surname", "Smith"),
		Add("/subscriptionDetails/anything", "ok"),
	}))

	err := scope.Validate(Patch{
		Replace("/personalInfo/ppsNumber", "1234567T"),
		Replace("/professionalDetails/membershipCategory", "RNID"),
		Remove("/personalInfo"),
		Add("/internalFlags/approved", true),
		Move("/contactInfo/workEmail", "/personalInfo/surname"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfScope))

	var scopeErr *ScopeError
	require.True(t, errors.As(err, &scopeErr))
	assert.Equal(t, []string{
		"/personalInfo/ppsNumber",
		"/professionalDetails/membershipCategory",
		"/personalInfo",
		"/internalFlags/approved",
		"/contactInfo/workEmail",
	}, scopeErr.Paths())
	assert.Equal(t, "change membership category in subscriptionDetails", scopeErr.Violations[1].Reason)
}

func TestDecodeValidatesAgainstSchema(t *testing.T) {
	decoded, err := Decode([]byte(`[{"op":"replace","path":"/personalInfo/surname","value":"Smith"},{"op":"remove","path":"/personalInfo/title"}]`))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, OpReplace, decoded[0].Op)
	assert.JSONEq(t, `"Smith"`, string(decoded[0].Value))

	empty, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	invalid := []string{
		`{"op":"replace"}`,
		`[{"op":"replace","path":"/personalInfo/surname"}]`,
		`[{"op":"move","path":"/personalInfo/surname"}]`,
		`[{"op":"upsert","path":"/personalInfo/surname","value":1}]`,
		`[{"op":"add","path":"personalInfo","value":1}]`,
		`[{"op":"add","path":"/personalInfo/x","value":1,"extra":true}]`,
		`[{"op":`,
	}
	for _, raw := range invalid {
		_, err := Decode([]byte(raw))
		assert.True(t, errors.Is(err, ErrInvalidPatch), "expected invalid patch for %s, got %v", raw, err)
	}
}

func TestDecodeKeepsExplicitNullValue(t *testing.T) {
	decoded, err := Decode([]byte(`[{"op":"replace","path":"/subscriptionDetails/membershipCategory","value":null}]`))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "null", string(decoded[0].Value))
}
