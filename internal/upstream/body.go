package upstream

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
)

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BodyReader returns the decompressed response body. Closing it closes the
// underlying body.
func BodyReader(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		return &multiCloser{Reader: gz, closers: []io.Closer{gz, resp.Body}}, nil
	case "br":
		return &multiCloser{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, nil
	default:
		return resp.Body, nil
	}
}

// ReadErrorBody reads at most limit bytes of an error response for logging.
func ReadErrorBody(resp *http.Response, limit int64) string {
	body, err := BodyReader(resp)
	if err != nil {
		return ""
	}
	data, _ := io.ReadAll(io.LimitReader(body, limit))
	return string(data)
}
