package httpclient

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSaferClientDefaults(t *testing.T) {
	client := NewSaferClient(30*time.Second, Options{})

	assert.Equal(t, 30*time.Second, client.Timeout)
	assert.Equal(t, 10, client.maxRedirects)
	assert.True(t, client.blockPrivateIP)
	assert.Equal(t, []string{"http", "https"}, client.allowedSchemes)
}

func TestValidateURL(t *testing.T) {
	client := NewSaferClient(30*time.Second, Options{})

	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{name: "https", url: "https://maps.example/api/services"},
		{name: "http", url: "http://maps.example"},
		{name: "file scheme", url: "file:///etc/passwd", errContains: "scheme"},
		{name: "ftp scheme", url: "ftp://maps.example", errContains: "scheme"},
		{name: "localhost", url: "http://localhost/admin", errContains: "localhost"},
		{name: "localhost subdomain", url: "http://admin.localhost/", errContains: "localhost"},
		{name: "loopback", url: "http://127.0.0.1/", errContains: "private IP"},
		{name: "10/8", url: "http://10.0.0.1/", errContains: "private IP"},
		{name: "192.168/16", url: "http://192.168.1.1/", errContains: "private IP"},
		{name: "cloud metadata", url: "http://169.254.169.254/latest/meta-data", errContains: "private IP"},
		{name: "ipv6 loopback", url: "http://[::1]/", errContains: "private IP"},
		{name: "credentials", url: "http://maps.example@localhost/", errContains: "credentials"},
		{name: "missing host", url: "http:///path", errContains: "hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateURL(tt.url)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestIsPrivateAddr(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"2606:4700::1111", false},
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"224.0.0.1", true},
		{"::1", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"::ffff:127.0.0.1", true},
		{"2001:db8::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.private, isPrivateAddr(netip.MustParseAddr(tt.ip)))
		})
	}
}

func TestIsLocalhost(t *testing.T) {
	assert.True(t, isLocalhost("LOCALHOST"))
	assert.True(t, isLocalhost("localhost.localdomain"))
	assert.True(t, isLocalhost("test.localhost"))
	assert.False(t, isLocalhost("local.host"))
	assert.False(t, isLocalhost("maps.example"))
}

func TestRedirectToDisallowedSchemeBlocked(t *testing.T) {
	client := NewSaferClient(5*time.Second, Options{AllowPrivate: true})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "ftp://maps.example/dump", http.StatusFound)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect blocked")
}

func TestMaxRedirects(t *testing.T) {
	client := NewSaferClient(5*time.Second, Options{AllowPrivate: true, MaxRedirects: 3})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 3 redirects")
}

func TestDoBlocksLocalhostByDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	allowed := NewSaferClient(5*time.Second, Options{AllowPrivate: true})
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := allowed.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	blocked := NewSaferClient(5*time.Second, Options{})
	req, err = http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	_, err = blocked.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSRF protection")
}

func TestHTTPSOnlyOption(t *testing.T) {
	client := NewSaferClient(time.Second, Options{AllowedSchemes: []string{"https"}})
	_, err := client.ValidateURL("http://maps.example")
	assert.Error(t, err)
}
