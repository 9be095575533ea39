package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var client = &http.Client{
	Timeout: 30 * time.Second,
}

// IsURL reports whether location is an http(s) URL rather than a local path.
func IsURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// Fetch opens a local file or fetches an http(s) URL.
func Fetch(ctx context.Context, location string) (io.ReadCloser, error) {
	if !IsURL(location) {
		f, err := os.Open(location)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// ResolveRef resolves an audio reference found in the source at location.
// Absolute URLs and absolute paths are returned unchanged.
func ResolveRef(location, ref string) (string, error) {
	if IsURL(ref) {
		return ref, nil
	}
	if IsURL(location) {
		return resolveURL(location, ref)
	}
	if filepath.IsAbs(ref) {
		return ref, nil
	}
	return filepath.Join(filepath.Dir(location), filepath.FromSlash(ref)), nil
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
