package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/models"
)

func paramsFrom(t *testing.T, raw string) Params {
	t.Helper()
	p, err := ParseParams(json.RawMessage(raw))
	require.NoError(t, err)
	return p
}

func TestBoolCoercionMatrix(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{`{"flag": true}`, true},
		{`{"flag": false}`, false},
		{`{"flag": "true"}`, true},
		{`{"flag": "False"}`, false},
		{`{"flag": "TRUE"}`, true},
		{`{"flag": 1}`, true},
		{`{"flag": 0}`, false},
		{`{"flag": "1"}`, true},
		{`{"flag": "0"}`, false},
		{`{"flag": "yes"}`, true},
		{`{"flag": "No"}`, false},
	}
	for _, tc := range cases {
		p := paramsFrom(t, tc.raw)
		got, err := p.Bool("flag", !tc.want)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestBoolCoercionRejectsGarbage(t *testing.T) {
	for _, raw := range []string{`{"flag": "maybe"}`, `{"flag": 2}`, `{"flag": []}`} {
		p := paramsFrom(t, raw)
		_, err := p.Bool("flag", false)
		assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err), raw)
	}
}

func TestBoolDefaultWhenAbsent(t *testing.T) {
	p := paramsFrom(t, `{}`)
	got, err := p.Bool("flag", true)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestIntCoercion(t *testing.T) {
	p := paramsFrom(t, `{"a": 42, "b": "17", "c": " 8 "}`)

	for key, want := range map[string]int{"a": 42, "b": 17, "c": 8} {
		got, err := p.Int(key, 0)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}

	for _, raw := range []string{`{"n": 3.5}`, `{"n": "x"}`, `{"n": true}`} {
		bad := paramsFrom(t, raw)
		_, err := bad.Int("n", 0)
		assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err), raw)
	}
}

func TestIntPtrAbsentStaysNil(t *testing.T) {
	p := paramsFrom(t, `{"other": 1}`)
	got, err := p.IntPtr("n")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStringListCoercion(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{`{"l": ["a", "b"]}`, []string{"a", "b"}},
		{`{"l": "a, b ,c"}`, []string{"a", "b", "c"}},
		{`{"l": "[\"a\",\"b\"]"}`, []string{"a", "b"}},
		{`{"l": "solo"}`, []string{"solo"}},
	}
	for _, tc := range cases {
		p := paramsFrom(t, tc.raw)
		got, err := p.StringList("l")
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestStringListEmptyAndAbsent(t *testing.T) {
	p := paramsFrom(t, `{"empty": "", "null": null}`)
	for _, key := range []string{"empty", "null", "missing"} {
		got, err := p.StringList(key)
		require.NoError(t, err, key)
		assert.Nil(t, got, key)
	}
}

func TestStringListRejectsMixedArray(t *testing.T) {
	p := paramsFrom(t, `{"l": ["a", 1]}`)
	_, err := p.StringList("l")
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestEmptyStringMeansNull(t *testing.T) {
	p := paramsFrom(t, `{"s": ""}`)
	assert.Equal(t, "", p.String("s"))

	_, err := p.RequiredString("s")
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))

	// StringPtr still reports the key as set, so updates can clear fields.
	ptr := p.StringPtr("s")
	require.NotNil(t, ptr)
	assert.Equal(t, "", *ptr)
	assert.Nil(t, p.StringPtr("missing"))
}

func TestObjectAcceptsJSONString(t *testing.T) {
	p := paramsFrom(t, `{"native": {"k": "v"}, "encoded": "{\"k\":\"v\"}"}`)

	for _, key := range []string{"native", "encoded"} {
		m, err := p.Object(key)
		require.NoError(t, err, key)
		assert.Equal(t, "v", m["k"], key)
	}

	bad := paramsFrom(t, `{"o": "not json"}`)
	_, err := bad.Object("o")
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestUUIDParam(t *testing.T) {
	p := paramsFrom(t, `{"id": "0fcb1895-692d-4a43-9d2c-7178c1db9b10", "bad": "nope"}`)

	id, err := p.UUID("id")
	require.NoError(t, err)
	assert.Equal(t, "0fcb1895-692d-4a43-9d2c-7178c1db9b10", id.String())

	_, err = p.UUID("bad")
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
	_, err = p.UUID("missing")
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestTimeParamAcceptsDateOnly(t *testing.T) {
	p := paramsFrom(t, `{"full": "2026-03-01T10:00:00Z", "day": "2026-03-01", "bad": "tomorrow"}`)

	full, err := p.Time("full")
	require.NoError(t, err)
	require.NotNil(t, full)

	day, err := p.Time("day")
	require.NoError(t, err)
	require.NotNil(t, day)

	_, err = p.Time("bad")
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestLevelParam(t *testing.T) {
	p := paramsFrom(t, `{"level": "branch", "bad": "galaxy"}`)

	level, err := p.Level("level")
	require.NoError(t, err)
	assert.Equal(t, models.LevelBranch, level)

	_, err = p.Level("bad")
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestFirstStringAlias(t *testing.T) {
	p := paramsFrom(t, `{"name_agent": "reviewer"}`)
	assert.Equal(t, "reviewer", p.FirstString("name", "name_agent"))
}
