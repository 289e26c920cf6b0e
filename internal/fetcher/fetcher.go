// Package fetcher downloads lead files published over HTTP(S) or FTP and
// unpacks zipped deliveries into a local working directory.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/resilience"
)

// Fetcher downloads one remote file.
type Fetcher interface {
	// Download fetches the URL and returns the body. The caller closes it.
	Download(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Options configures a Client.
type Options struct {
	UserAgent string
	Timeout   time.Duration

	// Policy retries transient HTTP failures. FTP downloads are not retried.
	Policy resilience.Policy

	// RequestsPerSecond is the starting HTTP request rate. It adapts to 429
	// responses.
	RequestsPerSecond float64
}

// Client routes downloads to the HTTP or FTP fetcher by URL scheme.
type Client struct {
	http Fetcher
	ftp  Fetcher
}

// New creates a Client. Zero options take the fetchers' defaults.
func New(opts Options) *Client {
	return &Client{
		http: NewHTTPFetcher(HTTPOptions{
			UserAgent:         opts.UserAgent,
			Timeout:           opts.Timeout,
			Policy:            opts.Policy,
			RequestsPerSecond: opts.RequestsPerSecond,
		}),
		ftp: NewFTPFetcher(FTPOptions{Timeout: opts.Timeout}),
	}
}

// IsRemote reports whether p is an http, https or ftp URL.
func IsRemote(p string) bool {
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
		return u.Host != ""
	}
	return false
}

// IsZIP reports whether p names a zip archive.
func IsZIP(p string) bool {
	if u, err := url.Parse(p); err == nil && IsRemote(p) {
		p = u.Path
	}
	return strings.EqualFold(path.Ext(p), ".zip")
}

// Fetch makes the lead file at src available under dir and returns its local
// path. Remote files are downloaded into dir. A zip archive, local or
// remote, must hold exactly one file, which is extracted into dir. A plain
// local path is returned unchanged.
func (c *Client) Fetch(ctx context.Context, src, dir string) (string, error) {
	local := src
	if IsRemote(src) {
		f, err := c.fetcherFor(src)
		if err != nil {
			return "", err
		}
		local = filepath.Join(dir, fileName(src))
		start := time.Now()
		n, err := DownloadToFile(ctx, f, src, local)
		if err != nil {
			return "", eris.Wrapf(err, "fetcher: download %s", redact(src))
		}
		zap.L().Info("fetcher: downloaded lead file",
			zap.String("url", redact(src)),
			zap.Int64("bytes", n),
			zap.Duration("elapsed", time.Since(start)),
		)
	}

	if !IsZIP(local) {
		return local, nil
	}
	out := filepath.Join(dir, "unzipped")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create unzip directory")
	}
	extracted, err := ExtractZIPSingle(local, out)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: unzip %s", filepath.Base(local))
	}
	return extracted, nil
}

func (c *Client) fetcherFor(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return c.http, nil
	case "ftp":
		return c.ftp, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}

// DownloadToFile downloads rawURL with f and writes it to dest. Returns bytes
// written.
func DownloadToFile(ctx context.Context, f Fetcher, rawURL, dest string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(dest)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}

func fileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}

// redact drops credentials from a URL before it is logged.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Redacted()
}
