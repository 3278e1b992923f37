package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Upload stores data at bucket/path. With upsert an existing object is
// replaced.
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string, upsert bool) error {
	path = strings.TrimLeft(path, "/")
	if bucket == "" || path == "" {
		return fmt.Errorf("bucket and path are required")
	}
	u := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, "")
	req.Header.Set("Content-Type", contentType)
	if upsert {
		req.Header.Set("x-upsert", "true")
	}
	_, err = c.do(req)
	return err
}

func (c *Client) PublicURL(bucket, path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, bucket, strings.TrimLeft(path, "/"))
}
