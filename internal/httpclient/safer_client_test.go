package httpclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/docpipe/internal/util"
)

func TestNewSaferClient(t *testing.T) {
	client := NewSaferClient(30 * time.Second)

	assert.Equal(t, 30*time.Second, client.Timeout)
	assert.Equal(t, 10, client.maxRedirects)
	assert.True(t, client.blockPrivateIP)
}

func TestValidateURL(t *testing.T) {
	client := NewSaferClient(30 * time.Second)

	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{name: "https document", url: "https://docs.example.com/tender.txt"},
		{name: "http callback", url: "http://hooks.example.com/done"},
		{name: "file scheme", url: "file:///etc/passwd", errContains: "scheme"},
		{name: "credentials", url: "http://user@example.com/", errContains: "credentials"},
		{name: "localhost", url: "http://localhost:8080/", errContains: "localhost"},
		{name: "loopback ip", url: "http://127.0.0.1/", errContains: "private IP"},
		{name: "rfc1918", url: "http://192.168.1.10/", errContains: "private IP"},
		{name: "metadata endpoint", url: "http://169.254.169.254/latest/meta-data", errContains: "private IP"},
		{name: "ipv6 loopback", url: "http://[::1]/", errContains: "private IP"},
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

func TestIsPrivateIP(t *testing.T) {
	private := []string{"10.1.2.3", "172.16.0.1", "192.168.0.1", "127.0.0.1", "0.0.0.0",
		"169.254.1.1", "224.0.0.1", "100.64.0.1", "::1", "fe80::1", "fd00::1", "2001:db8::1"}
	public := []string{"8.8.8.8", "1.1.1.1", "2606:4700:4700::1111"}

	for _, s := range private {
		assert.True(t, isPrivateIP(net.ParseIP(s)), s)
	}
	for _, s := range public {
		assert.False(t, isPrivateIP(net.ParseIP(s)), s)
	}
}

func TestOptions(t *testing.T) {
	client := NewSaferClientWithOptions(5*time.Second, SaferClientOptions{
		AllowedSchemes: []string{"https"},
		MaxRedirects:   util.Ptr(2),
		BlockPrivateIP: util.Ptr(false),
	})

	assert.Equal(t, 2, client.maxRedirects)
	assert.Nil(t, client.Transport)

	_, err := client.ValidateURL("http://example.com")
	assert.Error(t, err)
	_, err = client.ValidateURL("https://localhost")
	assert.NoError(t, err)
}

func TestDoBlocksPrivateTargets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = NewSaferClient(time.Second).Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSRF")

	resp, err := WrapClient(server.Client()).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMaxRedirects(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+"/again", http.StatusFound)
	}))
	defer server.Close()

	client := NewSaferClientWithOptions(time.Second, SaferClientOptions{
		MaxRedirects:   util.Ptr(3),
		BlockPrivateIP: util.Ptr(false),
	})

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 3 redirects")
}

func TestPostJSON(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	resp, err := WrapClient(server.Client()).PostJSON(context.Background(), server.URL, map[string]string{"jobId": "j-1"})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "j-1", got["jobId"])
}
