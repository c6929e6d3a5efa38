package fileops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fileluxe/internal/fsutil"
)

const maxRedirects = 5

// newRemoteClient returns a client whose dialer refuses non-public
// addresses after DNS resolution, so a public name resolving to a private
// address is caught as well.
func newRemoteClient(timeout time.Duration, allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}
	if !allowPrivate {
		dialer.Control = dialControl
	}
	tr := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{
		Transport:     tr,
		Timeout:       timeout,
		CheckRedirect: checkRedirect(allowPrivate),
	}
}

func checkRedirect(allowPrivate bool) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return checkURL(req.URL, allowPrivate)
	}
}

func dialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	if !publicAddr(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedHost, ip)
	}
	return nil
}

// publicAddr reports whether ip is a globally routable unicast address.
func publicAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch {
	case !ip.IsValid(),
		ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return false
	}
	// carrier grade NAT 100.64.0.0/10
	if ip.Is4() && cgnat.Contains(ip) {
		return false
	}
	return true
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// checkURL validates scheme and, for literal addresses, the host. Names are
// checked again after resolution by the dialer.
func checkURL(u *url.URL, allowPrivate bool) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: only http and https urls are allowed", ErrInvalidInput)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidInput)
	}
	if allowPrivate {
		return nil
	}
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	if ip, err := netip.ParseAddr(host); err == nil && !publicAddr(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	return nil
}

// remoteName derives the stored file name from the URL path.
func (m *Manager) remoteName(u *url.URL) string {
	if name := SanitizeName(path.Base(u.Path)); name != "" {
		return name
	}
	return "downloaded_file_" + strconv.FormatInt(m.now().Unix(), 10)
}

func (m *Manager) remoteUpload(ctx context.Context, op RemoteUpload) (*Done, error) {
	u, err := url.Parse(op.URL)
	if err != nil || op.URL == "" {
		return nil, fmt.Errorf("%w: invalid url", ErrInvalidInput)
	}
	if err := checkURL(u, m.allowPrivate); err != nil {
		return nil, err
	}

	dir, err := m.resolveExisting(op.Dir)
	if err != nil {
		return nil, err
	}
	if dir.Kind != fsutil.KindDir {
		// a file destination means its directory
		dir, err = m.resolveDir(path.Dir(dir.Logical))
		if err != nil {
			return nil, err
		}
	}

	name := m.remoteName(u)
	if m.Blocked(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrBlockedType)
	}
	target, err := m.guard.ResolveChild(dir, name)
	if err != nil {
		return nil, err
	}
	if target.Kind == fsutil.KindDir {
		return nil, fmt.Errorf("%s: %w", target.Logical, ErrIsDir)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	req.Header.Set("User-Agent", "fileluxe")
	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrBlockedHost) {
			return nil, ErrBlockedHost
		}
		m.log.Info("remote fetch failed", "host", u.Hostname(), "error", err)
		return nil, ErrRemoteFetch
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrRemoteFetch, resp.StatusCode)
	}
	if resp.ContentLength > m.maxRemoteSize {
		return nil, fmt.Errorf("remote file exceeds %d bytes: %w", m.maxRemoteSize, ErrTooLarge)
	}

	n, err := writeAtomic(ctx, dir.Path, name, resp.Body, m.maxRemoteSize)
	if errors.Is(err, ErrTooLarge) {
		return nil, fmt.Errorf("remote file exceeds %d bytes: %w", m.maxRemoteSize, ErrTooLarge)
	}
	if err != nil {
		return nil, opErr("remote_upload", target.Logical, err)
	}
	m.log.Info("remote file stored", "host", u.Hostname(), "path", target.Logical, "size", n)
	return &Done{Path: target.Logical, Name: name, Size: n}, nil
}
