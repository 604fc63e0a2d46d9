package endpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want string
		v6   bool
	}{
		{"127.0.0.1:8080", "127.0.0.1:8080", false},
		{"[::1]:80", "[::1]:80", true},
		{":9000", "0.0.0.0:9000", false},
		{"[::ffff:10.0.0.1]:1", "10.0.0.1:1", false},
	}
	for _, c := range cases {
		ep, err := Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, ep.String())
		assert.Equal(t, c.v6, ep.IsV6())
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "1.2.3.4", "1.2.3.4:99999", "host:80", "[fe80::1%eth0]:80"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrInvalid, in)
	}
}

func TestSockaddrRoundTrip(t *testing.T) {
	for _, s := range []string{"10.1.2.3:4567", "[2001:db8::1]:443"} {
		ep := MustParse(s)
		back := FromSockaddr(ep.Sockaddr())
		assert.Equal(t, ep, back)
	}
	assert.False(t, FromSockaddr(&unix.SockaddrUnix{Name: "/tmp/x"}).IsValid())
}

func TestFamily(t *testing.T) {
	assert.Equal(t, FamilyV4, Loopback(1, false).Family())
	assert.Equal(t, FamilyV6, Loopback(1, true).Family())
	assert.Equal(t, "ipv6", FamilyV6.String())
	assert.Equal(t, "<invalid>", Endpoint{}.String())
}

func TestResolveLiteral(t *testing.T) {
	ep, err := Resolve(context.Background(), "127.0.0.1:80")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ep.IP())
	assert.Equal(t, uint16(80), ep.Port())

	ep, err = Resolve(context.Background(), "localhost:81")
	require.NoError(t, err)
	assert.True(t, ep.Addr().IsLoopback())
}
