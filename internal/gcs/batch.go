package gcs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"google.golang.org/api/googleapi"
	storage "google.golang.org/api/storage/v1"
)

// MaxBatchSize is the number of sub-requests the API accepts in one batch.
const MaxBatchSize = 100

// DeleteResult is the outcome of one delete inside a batch.
type DeleteResult struct {
	Object string
	Err    error
}

// BatchResult collects every per-object outcome of DeleteAllObjects.
type BatchResult struct {
	Results []DeleteResult
}

// Failed returns the results that carry an error.
func (r *BatchResult) Failed() []DeleteResult {
	var failed []DeleteResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// DeleteAllObjects deletes every object in bucket through the batch endpoint.
// It returns nil when the bucket is already empty. Per-object failures are
// logged and recorded in the result; only a failed batch request is an error.
func (c *Client) DeleteAllObjects(ctx context.Context, bucket string) (*BatchResult, error) {
	objects, err := c.ListObjects(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, nil
	}

	c.log.Info().Str("bucket", bucket).Int("objects", len(objects)).Msg("Creating batch for objects deletion")

	result := &BatchResult{Results: make([]DeleteResult, 0, len(objects))}
	for start := 0; start < len(objects); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(objects))

		outcomes, err := c.executeDeleteBatch(ctx, bucket, objects[start:end])
		if err != nil {
			return nil, classify("batch delete in "+bucket, err)
		}

		for _, o := range outcomes {
			if o.Err != nil {
				c.log.Warn().Err(o.Err).Str("bucket", bucket).Str("object", o.Object).Msg("Exception while deleting object")
			}
		}
		result.Results = append(result.Results, outcomes...)
	}

	c.log.Info().
		Str("bucket", bucket).
		Int("deleted", len(result.Results)-len(result.Failed())).
		Int("failed", len(result.Failed())).
		Msg("Batch executed")

	return result, nil
}

// executeDeleteBatch sends one multipart/mixed request carrying a DELETE per
// object and maps each sub-response back to its object.
func (c *Client) executeDeleteBatch(
	ctx context.Context,
	bucket string,
	objects []*storage.Object,
) ([]DeleteResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	results := make([]DeleteResult, len(objects))
	for i, o := range objects {
		results[i].Object = o.Name

		c.log.Debug().Str("object", o.Name).Msg("Adding delete request to batch")

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/http")
		header.Set("Content-Transfer-Encoding", "binary")
		header.Set("Content-ID", "<"+strconv.Itoa(i+1)+">")

		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, err
		}

		target := "/storage/v1/b/" + url.PathEscape(bucket) + "/o/" + url.PathEscape(o.Name)
		if _, err := fmt.Fprintf(part, "DELETE %s HTTP/1.1\r\nContent-Length: 0\r\n\r\n", target); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.batchURL, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if err := googleapi.CheckResponse(res); err != nil {
		return nil, err
	}

	mediaType, params, err := mime.ParseMediaType(res.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("unexpected batch response type %q", res.Header.Get("Content-Type"))
	}

	seen := make([]bool, len(objects))
	mr := multipart.NewReader(res.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading batch response: %w", err)
		}

		idx, err := responseIndex(part.Header.Get("Content-ID"), len(objects))
		if err != nil {
			return nil, err
		}

		sub, err := http.ReadResponse(bufio.NewReader(part), req)
		if err != nil {
			return nil, fmt.Errorf("parsing batch sub-response %d: %w", idx+1, err)
		}
		results[idx].Err = googleapi.CheckResponse(sub)
		_ = sub.Body.Close()
		seen[idx] = true
	}

	for i, ok := range seen {
		if !ok {
			results[i].Err = fmt.Errorf("no response for object %s in batch", results[i].Object)
		}
	}

	return results, nil
}

// responseIndex maps "<response-N>" back to the zero-based request index.
func responseIndex(contentID string, n int) (int, error) {
	id := strings.Trim(contentID, "<>")
	id = id[strings.LastIndexAny(id, "-+")+1:]

	i, err := strconv.Atoi(id)
	if err != nil || i < 1 || i > n {
		return 0, fmt.Errorf("unexpected Content-ID %q in batch response", contentID)
	}

	return i - 1, nil
}
