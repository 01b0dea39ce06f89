package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPlainVariables(t *testing.T) {
	ctx := Context{"player": "Alice", "count": "3"}

	out, err := Render("Welcome {player}, you are player #{count}!", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Welcome Alice, you are player #3!", out)
}

func TestRenderUnknownVariableKeptVerbatim(t *testing.T) {
	out, err := Render("literal {not_a_var} stays", Context{})
	require.NoError(t, err)
	assert.Equal(t, "literal {not_a_var} stays", out)
}

func TestRenderNoPlaceholders(t *testing.T) {
	out, err := Render("plain text", Context{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestRenderUnclosedBrace(t *testing.T) {
	out, err := Render("tail {player", Context{"player": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "tail {player", out)
}

func TestRenderFunctions(t *testing.T) {
	ctx := Context{"name": "Alice", "count": "5"}

	tests := []struct {
		tmpl string
		want string
	}{
		{"{upper(name)} joined", "ALICE joined"},
		{"{lower(name)}", "alice"},
		{"{trim(' padded ')}", "padded"},
		{"{length(name)}", "5"},
		{"{repeat('ab', 3)}", "ababab"},
		{"{replace(name, 'A', 'E')}", "Elice"},
		{"{contains(name, 'lic')}", "true"},
		{"{startsWith(name, 'Al')}", "true"},
		{"{endsWith(name, 'xx')}", "false"},
		{"{if(gt(count, 3), 'busy', 'quiet')}", "busy"},
		{"{if(eq(count, 0), 'empty', 'active')}", "active"},
		{"{upper(substr(name, 0, 2))}", "AL"},
	}
	for _, tt := range tests {
		out, err := Render(tt.tmpl, ctx)
		require.NoError(t, err, tt.tmpl)
		assert.Equal(t, tt.want, out, tt.tmpl)
	}
}

func TestSubstrClampsIndices(t *testing.T) {
	tests := []struct {
		tmpl string
		want string
	}{
		{"{substr(name, 0, 100)}", "Alice"},
		{"{substr(name, -5, 3)}", "Ali"},
		{"{substr(name, 3, 2)}", ""},
		{"{substr(name, 5, 5)}", ""},
	}
	for _, tt := range tests {
		out, err := Render(tt.tmpl, Context{"name": "Alice"})
		require.NoError(t, err, tt.tmpl)
		assert.Equal(t, tt.want, out, tt.tmpl)
	}
}

func TestCompareFallsBackToStrings(t *testing.T) {
	out, err := Render("{eq(name, 'Alice')}", Context{"name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "true", out)

	out, err = Render("{gt('b', 'a')}", Context{})
	require.NoError(t, err)
	assert.Equal(t, "true", out)
}

func TestCompareNumeric(t *testing.T) {
	out, err := Render("{gte(tps, 19.5)}", Context{"tps": "20.0"})
	require.NoError(t, err)
	assert.Equal(t, "true", out)
}

func TestRenderErrors(t *testing.T) {
	tests := []string{
		"{nosuchfunc(name)}",
		"{upper(name, name)}",
		"{upper('unterminated)}",
		"{substr(name, x, 3)}",
		"{repeat(name, -1)}",
	}
	for _, tmpl := range tests {
		_, err := Render(tmpl, Context{"name": "Alice"})
		assert.Error(t, err, tmpl)
	}
}

func TestNestedCalls(t *testing.T) {
	out, err := Render("{if(contains(text, 'lag'), upper(text), text)}",
		Context{"text": "server lag detected"})
	require.NoError(t, err)
	assert.Equal(t, "SERVER LAG DETECTED", out)
}
