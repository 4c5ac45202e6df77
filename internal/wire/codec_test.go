package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapRoundTrip(t *testing.T) {
	cases := []SNIMap{
		{},
		{"default": Backend{Host: "10.0.0.9", Port: 4443}},
		{
			"a.example": Backend{Host: "10.0.0.1", Port: 4443},
			"b.example": Backend{Host: "::1", Port: 8443},
		},
	}
	for _, m := range cases {
		got, err := DecodeMap(EncodeMap(m))
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
}

func TestEmptyBytesDecodeToEmptyMap(t *testing.T) {
	m, err := DecodeMap(nil)
	require.NoError(t, err)
	require.Empty(t, m)
}

func TestMapNormalizesCase(t *testing.T) {
	m, err := DecodeMap(EncodeMap(SNIMap{"A.Example": {Host: "127.0.0.1", Port: 1}}))
	require.NoError(t, err)
	_, ok := m["a.example"]
	require.True(t, ok)
}

func TestCommandRoundTrip(t *testing.T) {
	cmds := []Command{
		{Kind: CommandAdd, SNI: "a.example", Backend: Backend{Host: "10.0.0.1", Port: 4443}},
		{Kind: CommandRemove, SNI: "a.example"},
		{Kind: CommandList},
	}
	for _, c := range cmds {
		got, err := DecodeCommand(EncodeCommand(c))
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
}

func TestDecodeCommandUnknownTag(t *testing.T) {
	_, err := DecodeCommand([]byte{0xff})
	require.Error(t, err)
}

func TestReplyRoundTrip(t *testing.T) {
	replies := []Reply{
		ResultReply(0, "a.example was successfully added"),
		ResultReply(3, "authentication failure"),
		SnisReply([]Entry{{SNI: "a.example", Backend: Backend{Host: "10.0.0.1", Port: 4443}}}),
		SnisReply(nil),
	}
	for _, r := range replies {
		got, err := DecodeReply(EncodeReply(r))
		require.NoError(t, err)
		require.Equal(t, r, got)
	}
}

func TestDecodeReplyUnknownTag(t *testing.T) {
	_, err := DecodeReply([]byte{0xff})
	require.Error(t, err)
}

func TestValidateHost(t *testing.T) {
	require.NoError(t, ValidateHost("127.0.0.1"))
	require.NoError(t, ValidateHost("::1"))
	require.Error(t, ValidateHost("example.com"))
}
