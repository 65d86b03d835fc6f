package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertEOL(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		expected string
	}{
		{name: "empty", in: "", expected: ""},
		{name: "no newlines", in: "abc", expected: "abc"},
		{name: "bare newlines", in: "a\nb\n", expected: "a\r\nb\r\n"},
		{name: "already converted", in: "a\r\nb\r\n", expected: "a\r\nb\r\n"},
		{name: "mixed", in: "\na\r\n\n", expected: "\r\na\r\n\r\n"},
		{name: "lone carriage return", in: "a\rb", expected: "a\rb"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out := ConvertEOL([]byte(c.in))
			assert.Equal(t, c.expected, string(out))
			assert.Equal(t, c.expected, string(ConvertEOL(out)), "conversion must be idempotent")
		})
	}
}

func TestEventUnregister(t *testing.T) {
	var e Event[int]
	var got []int
	unregister := e.On(func(v int) { got = append(got, v) })
	e.On(func(v int) { got = append(got, v*10) })

	e.fire(1)
	unregister()
	unregister()
	e.fire(2)

	assert.Equal(t, []int{1, 10, 20}, got)
}
