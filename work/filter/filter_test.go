package filter

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixreplace/work/config"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name     string
		allow    string
		deny     string
		addr     string
		expected bool
	}{
		{"allow match", `^127\.0\.0\.1:`, "", "127.0.0.1:51234", true},
		{"allow miss", `^127\.0\.0\.1:`, "", "10.0.0.8:51234", false},
		{"deny match", "", `^10\.`, "10.0.0.8:51234", false},
		{"deny miss", "", `^10\.`, "192.168.1.4:51234", true},
		{"deny wins over allow", `^192\.168\.`, `^192\.168\.1\.66:`, "192.168.1.66:4000", false},
		{"ipv6 loopback", `^\[::1\]:`, "", "[::1]:4000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.allow, tt.deny)
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.Equal(t, tt.expected, f.Allowed(tt.addr))
		})
	}
}

func TestNewWithoutPatterns(t *testing.T) {
	f, err := FromConfig(config.AccessConfig{})
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestNewInvalidPattern(t *testing.T) {
	_, err := New("(", "")
	assert.Error(t, err)
	_, err = New("", "[")
	assert.Error(t, err)
}

func TestOnAcceptUsesRemoteAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			defer c.Close()
		}
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	allowLocal, err := New(`^127\.0\.0\.1:`, "")
	require.NoError(t, err)
	assert.True(t, allowLocal.OnAccept(conn))

	denyLocal, err := New("", `^127\.`)
	require.NoError(t, err)
	assert.False(t, denyLocal.OnAccept(conn))

	denyLocal.OnClose(conn)
}
