package query

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	qs, err := Parse(`[{"ref":"a","endpoint":"foo","params":{}},{"ref":"b","endpoint":"bar","params":{"x":"1"},"type":"group","meta":{"flags":["f1"]}}]`)
	require.NoError(t, err)
	require.Len(t, qs, 2)

	assert.Equal(t, "a", qs[0].Ref)
	assert.Equal(t, "foo", qs[0].Endpoint)
	assert.Equal(t, "group", qs[1].Type)
	assert.Equal(t, "1", qs[1].Params["x"])
	assert.Equal(t, []string{"f1"}, qs[1].Meta.Flags)
	assert.Equal(t, []string{"a", "b"}, qs.Refs())
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"not json":      "nope",
		"object":        `{"ref":"a"}`,
		"no ref":        `[{"endpoint":"foo"}]`,
		"no endpoint":   `[{"ref":"a"}]`,
		"numeric param": `[{"ref":"a","endpoint":"foo","params":{"x":1}}]`,
	}
	for name, raw := range cases {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrInvalidQuery, name)
	}
}

func TestValidate_DuplicateRef(t *testing.T) {
	qs := Queries{
		{Ref: "a", Endpoint: "foo"},
		{Ref: "a", Endpoint: "bar"},
	}
	err := qs.Validate()
	assert.ErrorIs(t, err, ErrDuplicateRef)
	assert.Contains(t, err.Error(), `"a"`)
}

func TestValidate_TooMany(t *testing.T) {
	qs := make(Queries, 0, 60)
	for i := 0; i < 60; i++ {
		qs = append(qs, Query{Ref: fmt.Sprintf("q%d", i), Endpoint: "foo"})
	}
	assert.ErrorIs(t, qs.Validate(), ErrTooMany)
}

func TestMethod(t *testing.T) {
	qs := Queries{{Ref: "a", Endpoint: "foo"}}
	assert.Equal(t, http.MethodGet, qs.Method())

	qs = append(qs, Query{Ref: "b", Endpoint: "bar", Meta: &QueryMeta{Method: "post"}})
	assert.Equal(t, http.MethodPost, qs.Method())
}

func TestEncode_RoundTripsThroughParse(t *testing.T) {
	qs := Queries{{Ref: "a", Endpoint: "groups/<x>&y", Params: map[string]string{"q": "a&b"}}}
	s, err := qs.Encode()
	require.NoError(t, err)
	assert.Contains(t, s, "<x>&y")

	back, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, qs, back)
}

func TestQueryResponse_IsError(t *testing.T) {
	assert.True(t, QueryResponse{Ref: "a", Value: map[string]any{"error": "nope"}}.IsError())
	assert.False(t, QueryResponse{Ref: "a", Value: map[string]any{"name": "x"}}.IsError())
	assert.False(t, QueryResponse{Ref: "a", Value: []any{map[string]any{"error": "x"}}}.IsError())
	assert.True(t, NewErrorResponse("a", "missing_response", "gone").IsError())
}

func TestProxyResponse_JSONShapes(t *testing.T) {
	b, err := json.Marshal(Success(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"responses":[]}`, string(b))

	b, err = json.Marshal(Failure("auth_error", "token refresh failed"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"auth_error","message":"token refresh failed"}`, string(b))

	b, err = json.Marshal(Success([]QueryResponse{{Ref: "a", Value: map[string]any{"bar": "baz"}}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"responses":[{"ref":"a","value":{"bar":"baz"}}]}`, string(b))

	var p ProxyResponse
	require.NoError(t, json.Unmarshal([]byte(`{"error":"transport_error","message":"down"}`), &p))
	assert.True(t, p.IsError())
	assert.Equal(t, "down", p.Message)

	require.NoError(t, json.Unmarshal([]byte(`{"responses":[]}`), &p))
	assert.False(t, p.IsError())
	assert.NotNil(t, p.Responses)
}
