package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverShapes(t *testing.T) {
	resolver := NewResolver(ResolverOptions{})
	cases := []struct {
		name     string
		messages []string
		want     string
	}{
		{name: "scheme prepended", messages: []string{"x=1", `output: "foo.example/bar"`}, want: "http://foo.example/bar"},
		{name: "json last message", messages: []string{`{"output":"https://docs.example/x","other":1}`}, want: "https://docs.example/x"},
		{name: "escaped json string", messages: []string{`{"content":"{\"output\":\"https://a.example/b\"}"}`}, want: "https://a.example/b"},
		{name: "unquoted value", messages: []string{"done", "output: https://c.example/d"}, want: "https://c.example/d"},
		{name: "full width colon", messages: []string{"output：c.example/e"}, want: "http://c.example/e"},
		{name: "last message wins", messages: []string{"output: first.example", "output: second.example"}, want: "http://second.example"},
		{name: "falls back to concatenation", messages: []string{"output: early.example/p", "all done"}, want: "http://early.example/p"},
		{name: "first occurrence in concatenation", messages: []string{"output: one.example", "output two", "tail"}, want: "http://one.example"},
		{name: "single quotes", messages: []string{"{'output': 'q.example/r'}"}, want: "http://q.example/r"},
		{name: "key case insensitive", messages: []string{"Output: https://k.example"}, want: "https://k.example"},
		{name: "null last message falls back to earlier marker", messages: []string{"output: early.example/n", `{"output":null}`}, want: "http://early.example/n"},
		{name: "marker inside nested json string", messages: []string{`{"data":{"text":"output: nested.example/s"},"output":{"url":"x"}}`}, want: "http://nested.example/s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := resolver.Resolve(tc.messages)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolverNoMatch(t *testing.T) {
	resolver := NewResolver(ResolverOptions{})
	for _, messages := range [][]string{
		nil,
		{"no output here"},
		{"outputs: nope.example"},
		{"my_output: nope.example"},
		{`{"result":"x"}`},
		{`{"output": null}`},
		{`{"output":{"url":"https://a.example/x"}}`},
		{`{"output":["https://a.example/x"]}`},
		{"output: null"},
		{`output: {"url": "https://a.example/x"}`},
	} {
		got, ok := resolver.Resolve(messages)
		assert.False(t, ok, "messages %q resolved to %q", messages, got)
	}
}

func TestResolverCustomKeyQueryAndScheme(t *testing.T) {
	resolver, err := CompileResolver(ResolverOptions{
		Key:           "result_url",
		Query:         ".data.link // empty",
		DefaultScheme: "https://",
	})
	require.NoError(t, err)

	got, ok := resolver.Resolve([]string{`{"data":{"link":"x.example/from-jq"}}`})
	require.True(t, ok)
	assert.Equal(t, "https://x.example/from-jq", got)

	got, ok = resolver.Resolve([]string{`result_url: "y.example/from-marker"`})
	require.True(t, ok)
	assert.Equal(t, "https://y.example/from-marker", got)
}

func TestCompileResolverRejectsBadQuery(t *testing.T) {
	_, err := CompileResolver(ResolverOptions{Query: ".["})
	require.Error(t, err)
}
