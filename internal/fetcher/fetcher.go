// Package fetcher loads and saves spreadsheets. Sources can be local files,
// HTTP(S) URLs, or FTP URLs; formats are CSV, TSV, and XLSX.
package fetcher

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Open returns a reader for ref, dispatching on its scheme: http(s) and ftp
// go through their fetchers, anything else is treated as a local path.
func Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return NewHTTPFetcher(HTTPOptions{}).Download(ctx, ref)
	case strings.HasPrefix(ref, "ftp://"):
		return NewFTPFetcher(FTPOptions{}).Download(ctx, ref)
	default:
		f, err := os.Open(ref)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", ref)
		}
		return f, nil
	}
}
