package eodhd

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
)

// diskCache stores successful GET responses on disk under a key that
// changes every day, so cached quotes expire daily.
type diskCache struct {
	base http.RoundTripper
	dir  string
	now  func() time.Time
	log  zerolog.Logger
}

func (c *diskCache) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return c.base.RoundTrip(req)
	}

	key := c.key(req)
	if resp, err := c.get(key, req); err == nil {
		return resp, nil
	}

	resp, err := c.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	c.log.Debug().Str("host", req.URL.Host).Str("path", req.URL.Path).Int("status", resp.StatusCode).Msg("EODHD request")
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	if err := c.put(key, resp); err != nil {
		c.log.Warn().Err(err).Msg("EODHD cache write failed")
	}
	return resp, nil
}

func (c *diskCache) key(req *http.Request) string {
	today := civil.DateOf(c.now())
	sum := sha1.Sum([]byte(fmt.Sprintf("%s %s %s", today, req.Method, req.URL.String())))
	return fmt.Sprintf("eodhd-%x", sum)
}

func (c *diskCache) get(key string, req *http.Request) (*http.Response, error) {
	content, err := os.ReadFile(filepath.Join(c.dir, key))
	if err != nil {
		return nil, err
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(content)), req)
}

// put dumps resp to disk. DumpResponse re-buffers the body, so resp stays readable.
func (c *diskCache) put(key string, resp *http.Response) error {
	content, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, key), content, 0o600)
}
