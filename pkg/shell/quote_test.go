package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuote(t *testing.T) {
	type scenario struct {
		arg      string
		expected string
	}

	scenarios := []scenario{
		{"", "''"},
		{"simple", "simple"},
		{"with-dash_and.dots/slash:colon", "with-dash_and.dots/slash:colon"},
		{"has space", "'has space'"},
		{"tab\there", "'tab\there'"},
		{"a&b", "'a&b'"},
		{"a|b", "'a|b'"},
		{"a>b", "'a>b'"},
		{"a<b", "'a<b'"},
		{"$HOME", "'$HOME'"},
		{"(sub)", "'(sub)'"},
		{"semi;colon", "'semi;colon'"},
		{`double"quote`, `'double"quote'`},
		{"single'quote", `'single'\''quote'`},
		{"ends'with'two''", `'ends'\''with'\''two'\'''\'''`},
		{"back`tick", "'back`tick'"},
		{"glob*?[x]", "'glob*?[x]'"},
		{"new\nline", "'new\nline'"},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, Quote(s.arg), "arg: %q", s.arg)
	}
}

func TestJoin(t *testing.T) {
	type scenario struct {
		argv     []string
		expected string
	}

	scenarios := []scenario{
		{[]string{"echo", "hello"}, "echo hello"},
		{[]string{"echo", "hello world"}, "echo 'hello world'"},
		{[]string{"sh", "-c", "echo $PATH && ls"}, "sh -c 'echo $PATH && ls'"},
		{[]string{"git", "commit", "-m", "it's done"}, `git commit -m 'it'\''s done'`},
		{[]string{}, ""},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, Join(s.argv))
	}
}

func TestSingleQuoteWrap(t *testing.T) {
	type scenario struct {
		command  string
		expected string
	}

	scenarios := []scenario{
		{"docker ps -a", "'docker ps -a'"},
		{"echo 'quoted'", `'echo '\''quoted'\'''`},
		{"", "''"},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, SingleQuoteWrap(s.command))
	}
}
