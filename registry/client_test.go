package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bhuvanprakash/jhol/jholerr"
	"github.com/bhuvanprakash/jhol/registry/retry"
	"github.com/bhuvanprakash/jhol/sri"
)

// sriSHA256 computes the sha256 SRI string for a test fixture body.
func sriSHA256(body string) string {
	digest, err := sri.New(sri.SHA256)
	if err != nil {
		panic(err)
	}
	digest.Write([]byte(body))
	return digest.String()
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return New(Config{
		BaseURL:   baseURL,
		CacheRoot: t.TempDir(),
		Retry:     retry.Options{Attempts: 2, Base: time.Millisecond, Cap: 5 * time.Millisecond},
	})
}

func TestFetchPackumentSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte(`{"name":"left-pad","dist-tags":{"latest":"1.0.0"},"versions":{}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	pkg, err := c.FetchPackument(context.Background(), "left-pad")
	if err != nil {
		t.Fatalf("FetchPackument: %v", err)
	}
	if pkg.Name != "left-pad" {
		t.Errorf("Name = %s, want left-pad", pkg.Name)
	}
}

func TestFetchPackumentUsesETagOnSecondCall(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte(`{"name":"left-pad","dist-tags":{},"versions":{}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	if _, err := c.FetchPackument(context.Background(), "left-pad"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	pkg, err := c.FetchPackument(context.Background(), "left-pad")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
	if pkg.Name != "left-pad" {
		t.Errorf("Name = %s, want left-pad (served from cache on 304)", pkg.Name)
	}
}

func TestFetchPackumentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.FetchPackument(context.Background(), "missing-package")
	if !errors.Is(err, jholerr.ErrRegistryNotFound) {
		t.Errorf("want ErrRegistryNotFound, got %v", err)
	}
}

func TestFetchPackumentRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"name":"flaky","dist-tags":{},"versions":{}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	pkg, err := c.FetchPackument(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("FetchPackument: %v", err)
	}
	if pkg.Name != "flaky" {
		t.Errorf("Name = %s, want flaky", pkg.Name)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestOfflineShortCircuits(t *testing.T) {
	c := New(Config{BaseURL: "http://example.invalid", Offline: true})
	_, err := c.FetchPackument(context.Background(), "left-pad")
	if !errors.Is(err, jholerr.ErrOffline) {
		t.Errorf("want ErrOffline, got %v", err)
	}
	_, err = c.FetchTarball(context.Background(), "http://example.invalid/x.tgz", "")
	if !errors.Is(err, jholerr.ErrOffline) {
		t.Errorf("want ErrOffline, got %v", err)
	}
}

func TestFetchTarballVerifiesIntegrity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tarball-bytes"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.FetchTarball(context.Background(), srv.URL+"/x.tgz", "sha256-doesnotmatch")
	if !errors.Is(err, jholerr.ErrIntegrityMismatch) {
		t.Errorf("want ErrIntegrityMismatch, got %v", err)
	}
}

// TestFetchTarballRetriesIntegrityMismatchThenFails exercises the
// always-wrong-hash case: every attempt downloads successfully but
// fails integrity, so FetchTarball must exhaust the full retry budget
// (not fail on the first attempt) before returning IntegrityMismatch.
func TestFetchTarballRetriesIntegrityMismatchThenFails(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Write([]byte("tarball-bytes"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.FetchTarball(context.Background(), srv.URL+"/x.tgz", "sha256-doesnotmatch")
	if !errors.Is(err, jholerr.ErrIntegrityMismatch) {
		t.Errorf("want ErrIntegrityMismatch, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (testClient's configured retry budget)", attempts)
	}
}

// TestFetchTarballRetriesIntegrityMismatchThenSucceeds is seed scenario
// 6: a first download that fails its integrity check (a corrupted or
// truncated response) gets retried, and a fresh download that hashes
// correctly succeeds rather than failing fast on the first bad byte.
func TestFetchTarballRetriesIntegrityMismatchThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.Write([]byte("corrupted-bytes"))
			return
		}
		w.Write([]byte("tarball-bytes"))
	}))
	defer srv.Close()

	integrity := sriSHA256("tarball-bytes")
	c := testClient(t, srv.URL)
	data, err := c.FetchTarball(context.Background(), srv.URL+"/x.tgz", integrity)
	if err != nil {
		t.Fatalf("FetchTarball: %v", err)
	}
	if string(data) != "tarball-bytes" {
		t.Errorf("data = %q, want tarball-bytes", data)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (one retry after the corrupted first download)", attempts)
	}
}

func TestFetchTarballSkipsVerificationWhenNoIntegrityGiven(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tarball-bytes"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	data, err := c.FetchTarball(context.Background(), srv.URL+"/x.tgz", "")
	if err != nil {
		t.Fatalf("FetchTarball: %v", err)
	}
	if string(data) != "tarball-bytes" {
		t.Errorf("data = %q", data)
	}
}
