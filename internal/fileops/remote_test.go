package fileops

import (
	"context"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockRemote(t *testing.T, mutate func(*Options)) (*Manager, string, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	m, root := newManager(t, func(o *Options) {
		o.HTTPClient = &http.Client{Transport: mt, CheckRedirect: checkRedirect(false)}
		o.Now = func() time.Time { return time.Unix(1700000000, 0) }
		if mutate != nil {
			mutate(o)
		}
	})
	return m, root, mt
}

func TestRemoteUpload(t *testing.T) {
	m, root, mt := mockRemote(t, nil)
	mt.RegisterResponder(http.MethodGet, "https://files.example.com/pub/report-v2.pdf",
		httpmock.NewStringResponder(http.StatusOK, "%PDF-1.7"))

	done, err := do[*Done](t, m, RemoteUpload{URL: "https://files.example.com/pub/report-v2.pdf", Dir: "/uploads"})
	require.NoError(t, err)
	assert.Equal(t, "/uploads/report-v2.pdf", done.Path)
	assert.Equal(t, "report-v2.pdf", done.Name)

	b, err := os.ReadFile(filepath.Join(root, "uploads", "report-v2.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(b))
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestRemoteUploadFileDestinationMeansParent(t *testing.T) {
	m, root, mt := mockRemote(t, nil)
	mt.RegisterResponder(http.MethodGet, "https://files.example.com/", httpmock.NewStringResponder(http.StatusOK, "index"))

	done, err := do[*Done](t, m, RemoteUpload{URL: "https://files.example.com/", Dir: "/uploads/report.csv"})
	require.NoError(t, err)
	assert.Equal(t, "/uploads/downloaded_file_1700000000", done.Path)
	assert.FileExists(t, filepath.Join(root, "uploads", "downloaded_file_1700000000"))
}

func TestRemoteUploadRefusals(t *testing.T) {
	m, root, mt := mockRemote(t, func(o *Options) { o.MaxRemoteSize = 4 })
	mt.RegisterResponder(http.MethodGet, "https://files.example.com/big.bin", httpmock.NewStringResponder(http.StatusOK, "12345"))
	mt.RegisterResponder(http.MethodGet, "https://files.example.com/missing.bin", httpmock.NewStringResponder(http.StatusNotFound, ""))
	ctx := context.Background()

	tests := []struct {
		url  string
		want error
	}{
		{"ftp://files.example.com/a.txt", ErrInvalidInput},
		{"file:///etc/passwd", ErrInvalidInput},
		{"http://localhost/admin", ErrBlockedHost},
		{"http://api.localhost/x", ErrBlockedHost},
		{"http://127.0.0.1:8080/x", ErrBlockedHost},
		{"http://[::1]/x", ErrBlockedHost},
		{"http://10.0.0.8/x", ErrBlockedHost},
		{"http://169.254.169.254/latest/meta-data", ErrBlockedHost},
		{"http://100.64.1.1/x", ErrBlockedHost},
		{"https://files.example.com/shell.php", ErrBlockedType},
		{"https://files.example.com/big.bin", ErrTooLarge},
		{"https://files.example.com/missing.bin", ErrRemoteFetch},
		{"https://unregistered.example.com/x.bin", ErrRemoteFetch},
	}
	for _, tt := range tests {
		_, err := m.Do(ctx, RemoteUpload{URL: tt.url, Dir: "/uploads"})
		assert.ErrorIs(t, err, tt.want, tt.url)
	}

	entries, err := os.ReadDir(filepath.Join(root, "uploads"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the seeded file remains")
}

func TestRemoteRedirectIsChecked(t *testing.T) {
	m, _, mt := mockRemote(t, nil)
	mt.RegisterResponder(http.MethodGet, "https://files.example.com/go", func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusFound, "")
		resp.Header.Set("Location", "http://127.0.0.1/secret.txt")
		return resp, nil
	})
	_, err := m.Do(context.Background(), RemoteUpload{URL: "https://files.example.com/go", Dir: "/"})
	require.ErrorIs(t, err, ErrBlockedHost)
}

func TestCheckRedirectLimit(t *testing.T) {
	check := checkRedirect(false)
	u, _ := url.Parse("https://files.example.com/next")
	req := &http.Request{URL: u}
	require.NoError(t, check(req, make([]*http.Request, maxRedirects-1)))
	require.Error(t, check(req, make([]*http.Request, maxRedirects)))
}

func TestDialControl(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:80", "[::1]:443", "192.168.1.10:80", "0.0.0.0:80", "[::ffff:10.1.2.3]:80", "[fe80::1]:80"} {
		assert.ErrorIs(t, dialControl("tcp", addr, nil), ErrBlockedHost, addr)
	}
	assert.NoError(t, dialControl("tcp", "93.184.216.34:443", nil))
	assert.NoError(t, dialControl("tcp6", "[2606:4700::1111]:443", nil))
}

func TestPublicAddr(t *testing.T) {
	tests := map[string]bool{
		"8.8.8.8":         true,
		"100.63.255.255":  true,
		"100.64.0.1":      false,
		"172.16.5.4":      false,
		"224.0.0.1":       false,
		"fc00::1":         false,
		"2001:4860::8888": true,
	}
	for s, want := range tests {
		assert.Equal(t, want, publicAddr(netip.MustParseAddr(s)), s)
	}
}

func TestAllowPrivateRemote(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:9000/x")
	assert.NoError(t, checkURL(u, true))
	assert.True(t, strings.Contains(checkURL(u, false).Error(), "127.0.0.1"))
}
