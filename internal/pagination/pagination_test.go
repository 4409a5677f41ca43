package pagination

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"messaging-core/internal/domain"
)

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{in: -1, want: 1},
		{in: 0, want: 1},
		{in: 1, want: 1},
		{in: 42, want: 42},
		{in: 100, want: 100},
		{in: 150, want: 100},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClampLimit(tc.in), "limit %d", tc.in)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	scope := Scope{Kind: "messages", Partition: "_Jad_Ronald", Since: 10}
	tok := Encode(scope, Cursor{Sort: 1234, Key: "msg-1"})
	require.NotEmpty(t, tok)

	c, err := Decode(scope, tok)
	require.NoError(t, err)
	require.Equal(t, &Cursor{Sort: 1234, Key: "msg-1"}, c)
}

func TestDecode_EmptyTokenIsFirstPage(t *testing.T) {
	c, err := Decode(Scope{Kind: "messages"}, "")
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestDecode_RejectsForeignScope(t *testing.T) {
	tok := Encode(Scope{Kind: "messages", Partition: "_a_b"}, Cursor{Sort: 1, Key: "x"})

	for _, other := range []Scope{
		{Kind: "conversations", Partition: "_a_b"},
		{Kind: "messages", Partition: "_a_c"},
		{Kind: "messages", Partition: "_a_b", Since: 5},
	} {
		_, err := Decode(other, tok)
		require.True(t, errors.Is(err, domain.ErrInvalidArgument), "scope %+v", other)
		require.Equal(t, ReasonInvalidToken, domain.ReasonOf(err))
	}
}

func TestDecode_RejectsMalformedTokens(t *testing.T) {
	scope := Scope{Kind: "messages", Partition: "_a_b"}
	for _, raw := range []string{
		"!!not-base64!!",
		base64.RawURLEncoding.EncodeToString([]byte("not-json")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"v":99,"q":{"kind":"messages","p":"_a_b"}}`)),
	} {
		_, err := Decode(scope, raw)
		require.True(t, errors.Is(err, domain.ErrInvalidArgument), "token %q", raw)
	}
}

func TestTrim(t *testing.T) {
	cursorOf := func(n int) Cursor { return Cursor{Sort: int64(n)} }

	items, next := Trim([]int{5, 4, 3}, 2, cursorOf)
	require.Equal(t, []int{5, 4}, items)
	require.Equal(t, &Cursor{Sort: 4}, next)

	items, next = Trim([]int{5, 4}, 2, cursorOf)
	require.Equal(t, []int{5, 4}, items)
	require.Nil(t, next)
}

func TestAfter(t *testing.T) {
	c := &Cursor{Sort: 10, Key: "m"}
	require.True(t, After(nil, 99, "z"))
	require.True(t, After(c, 9, "z"))
	require.False(t, After(c, 11, "a"))
	require.True(t, After(c, 10, "a"))
	require.False(t, After(c, 10, "m"))
	require.False(t, After(c, 10, "z"))
}

func TestNextToken(t *testing.T) {
	scope := Scope{Kind: "messages"}
	require.Equal(t, "", NextToken(scope, nil))
	require.NotEmpty(t, NextToken(scope, &Cursor{Sort: 1}))
}
