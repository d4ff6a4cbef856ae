package pty

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteWindowsArg(t *testing.T) {
	cases := map[string]string{
		"":             `""`,
		"claude":       "claude",
		"hello world":  `"hello world"`,
		"hello\tworld": `"hello` + "\t" + `world"`,
		`say "hi"`:     `"say \"hi\""`,
		`a\b`:          `a\b`,
		`a\"`:          `a\\\"`,
		`a b\`:         `"a b\\"`,
		`a b\\`:        `"a b\\\\"`,
		`\\`:           `\\`,
		`\\"`:          `\\\\\"`,
	}
	for in, want := range cases {
		assert.Equal(t, want, quoteWindowsArg(in), "argument %q", in)
	}
}

func TestWindowsCmdLine(t *testing.T) {
	assert.Equal(t, "claude.exe", windowsCmdLine([]string{"claude.exe"}))
	assert.Equal(t, "claude --resume abc", windowsCmdLine([]string{"claude", "--resume", "abc"}))
	assert.Equal(t, `"C:\Program Files\claude.exe" -p`,
		windowsCmdLine([]string{`C:\Program Files\claude.exe`, "-p"}))
	assert.Equal(t, `echo \"hello\"`, windowsCmdLine([]string{"echo", `"hello"`}))
}
