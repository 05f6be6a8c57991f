// Package registry implements the npm registry client: packument and
// tarball fetches over one shared *http.Client, bounded retries, an
// on-disk ETag cache, a process-wide DNS cache, and an optional bearer
// credential for private registries.
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bhuvanprakash/jhol/jholerr"
	"github.com/bhuvanprakash/jhol/models"
	"github.com/bhuvanprakash/jhol/registry/retry"
	"github.com/bhuvanprakash/jhol/sri"
)

// Credential supplies the Authorization header value for registry
// requests. *auth.Credential implements this.
type Credential interface {
	Header() string
}

// Client is the single HTTP collaborator every install pipeline stage
// shares. Construct one per run and inject it everywhere; never build
// an http.Client ad hoc per call.
type Client struct {
	log        *slog.Logger
	httpClient *http.Client
	baseURL    string
	cacheRoot  string
	cred       Credential
	retryOpts  retry.Options

	// Offline short-circuits every operation to ErrOffline before any
	// dial is attempted.
	Offline bool

	dns dnsCache
}

// Config constructs a Client.
type Config struct {
	BaseURL   string
	CacheRoot string
	Cred      Credential
	Offline   bool
	Log       *slog.Logger
	Retry     retry.Options
}

// New builds the shared transport (keep-alive, HTTP/2, generous
// per-host idle pool) once, wraps it with the process-wide DNS cache,
// and returns a Client ready to be injected into the resolver and
// install pipeline.
func New(cfg Config) *Client {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		log:       log,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		cacheRoot: cfg.CacheRoot,
		cred:      cfg.Cred,
		retryOpts: cfg.Retry,
		Offline:   cfg.Offline,
	}
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext:           c.dns.dialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c.httpClient = &http.Client{
		Timeout:   60 * time.Second,
		Transport: transport,
	}
	return c
}

// dnsCache memoizes net.Resolver lookups per hostname for the life of
// a Client.
type dnsCache struct {
	entries sync.Map // host -> []string (IP addresses)
}

func (d *dnsCache) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return dialer.DialContext(ctx, network, addr)
	}
	if net.ParseIP(host) != nil {
		return dialer.DialContext(ctx, network, addr)
	}

	if cached, ok := d.entries.Load(host); ok {
		for _, ip := range cached.([]string) {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
		}
		// Cached addresses are stale; fall through to a fresh lookup.
	}

	ipAddrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return dialer.DialContext(ctx, network, addr)
	}
	ips := make([]string, 0, len(ipAddrs))
	for _, ip := range ipAddrs {
		ips = append(ips, ip.IP.String())
	}
	d.entries.Store(host, ips)

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return dialer.DialContext(ctx, network, addr)
}

// httpError wraps a transport/status failure with the Retryable
// classification retry.Do reads to decide whether to try again.
type httpError struct {
	err       error
	retryable bool
}

func (e *httpError) Error() string   { return e.err.Error() }
func (e *httpError) Unwrap() error   { return e.err }
func (e *httpError) Retryable() bool { return e.retryable }

func classifyStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return &httpError{err: jholerr.ErrRegistryNotFound, retryable: false}
	case status >= 500:
		return &httpError{err: fmt.Errorf("%w: HTTP %d", jholerr.ErrNetworkError, status), retryable: true}
	case status >= 400:
		return &httpError{err: fmt.Errorf("%w: HTTP %d", jholerr.ErrNetworkError, status), retryable: false}
	default:
		return nil
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, etag string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if c.cred != nil {
		req.Header.Set("Authorization", c.cred.Header())
	}
	req.Header.Set("Accept", "application/vnd.npm.install-v1+json, application/json")
	return req, nil
}

// fetchPackumentHTTP performs the conditional GET: FetchPackument's
// low-level operation, parameterized on (ctx, name, etag).
func (c *Client) fetchPackumentHTTP(ctx context.Context, name, etag string) (body []byte, newETag string, notModified bool, err error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, pathEscapeName(name))
	err = retry.Do(ctx, c.retryOpts, func(ctx context.Context) error {
		req, reqErr := c.newRequest(ctx, http.MethodGet, url, etag)
		if reqErr != nil {
			return reqErr
		}
		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return &httpError{err: fmt.Errorf("%w: %s", jholerr.ErrNetworkError, doErr), retryable: true}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotModified {
			notModified = true
			return nil
		}
		if statusErr := classifyStatus(resp.StatusCode); statusErr != nil {
			return statusErr
		}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return &httpError{err: fmt.Errorf("%w: %s", jholerr.ErrNetworkError, readErr), retryable: true}
		}
		body = data
		newETag = resp.Header.Get("ETag")
		return nil
	})
	return body, newETag, notModified, err
}

// FetchPackument satisfies resolver.PackumentSource: it consults the
// on-disk ETag cache, issues a conditional GET, and returns the
// abbreviated packument either way.
func (c *Client) FetchPackument(ctx context.Context, name string) (models.AbbreviatedPackage, error) {
	if c.Offline {
		return models.AbbreviatedPackage{}, jholerr.ErrOffline
	}

	cachedETag, cachedBody := c.readPackumentCache(name)
	body, newETag, notModified, err := c.fetchPackumentHTTP(ctx, name, cachedETag)
	if err != nil {
		return models.AbbreviatedPackage{}, fmt.Errorf("fetch packument %s: %w", name, err)
	}

	var pkg models.AbbreviatedPackage
	if notModified && cachedBody != nil {
		if jsonErr := json.Unmarshal(cachedBody, &pkg); jsonErr != nil {
			return models.AbbreviatedPackage{}, fmt.Errorf("fetch packument %s: corrupt cache: %w", name, jsonErr)
		}
		return pkg, nil
	}

	if jsonErr := json.Unmarshal(body, &pkg); jsonErr != nil {
		return models.AbbreviatedPackage{}, fmt.Errorf("fetch packument %s: %w", name, jsonErr)
	}
	c.writePackumentCache(name, newETag, body)
	return pkg, nil
}

// FetchTarball downloads a tarball and verifies it against
// expectedIntegrity (an SRI string) before returning its bytes. The
// integrity check runs inside the retry loop, not after it: a hash
// mismatch on an otherwise-successful download is treated as a
// retryable transport fault (a truncated or corrupted response body)
// and gets a fresh download attempt before becoming fatal.
func (c *Client) FetchTarball(ctx context.Context, tarballURL, expectedIntegrity string) ([]byte, error) {
	if c.Offline {
		return nil, jholerr.ErrOffline
	}

	var body []byte
	err := retry.Do(ctx, c.retryOpts, func(ctx context.Context) error {
		req, reqErr := c.newRequest(ctx, http.MethodGet, tarballURL, "")
		if reqErr != nil {
			return reqErr
		}
		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return &httpError{err: fmt.Errorf("%w: %s", jholerr.ErrNetworkError, doErr), retryable: true}
		}
		defer resp.Body.Close()

		if statusErr := classifyStatus(resp.StatusCode); statusErr != nil {
			return statusErr
		}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return &httpError{err: fmt.Errorf("%w: %s", jholerr.ErrNetworkError, readErr), retryable: true}
		}

		if expectedIntegrity != "" {
			ok, verifyErr := sri.Verify(expectedIntegrity, data)
			if verifyErr != nil {
				return &httpError{err: verifyErr, retryable: false}
			}
			if !ok {
				return &httpError{
					err:       jholerr.IntegrityMismatch(jholerr.PackageRef{Name: tarballURL}),
					retryable: true,
				}
			}
		}

		body = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch tarball %s: %w", tarballURL, err)
	}
	return body, nil
}

func pathEscapeName(name string) string {
	// Scoped packages ("@scope/name") are addressed as "@scope%2fname"
	// in the npm registry's abbreviated packument route.
	return strings.ReplaceAll(name, "/", "%2f")
}

func (c *Client) packumentCachePaths(name string) (jsonPath, etagPath string) {
	sum := sha256.Sum256([]byte(name))
	key := hex.EncodeToString(sum[:])
	dir := filepath.Join(c.cacheRoot, "packuments")
	return filepath.Join(dir, key+".json"), filepath.Join(dir, key+".etag")
}

func (c *Client) readPackumentCache(name string) (etag string, body []byte) {
	if c.cacheRoot == "" {
		return "", nil
	}
	jsonPath, etagPath := c.packumentCachePaths(name)
	body, err := os.ReadFile(jsonPath)
	if err != nil {
		return "", nil
	}
	etagBytes, err := os.ReadFile(etagPath)
	if err != nil {
		return "", body
	}
	return string(bytes.TrimSpace(etagBytes)), body
}

func (c *Client) writePackumentCache(name, etag string, body []byte) {
	if c.cacheRoot == "" || etag == "" {
		return
	}
	jsonPath, etagPath := c.packumentCachePaths(name)
	if err := os.MkdirAll(filepath.Dir(jsonPath), 0o755); err != nil {
		c.log.Warn("failed to create packument cache dir", "error", err)
		return
	}
	if err := writeAtomic(jsonPath, body); err != nil {
		c.log.Warn("failed to write packument cache", "name", name, "error", err)
		return
	}
	if err := writeAtomic(etagPath, []byte(etag)); err != nil {
		c.log.Warn("failed to write packument etag", "name", name, "error", err)
	}
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
