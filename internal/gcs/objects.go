package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"google.golang.org/api/googleapi"
	storage "google.golang.org/api/storage/v1"
)

const (
	// ChunkSize is the size of each ranged download request.
	ChunkSize = 2 * 1024 * 1024

	// DefaultContentType is used when none is given and the extension is unknown.
	DefaultContentType = "application/octet-stream"
)

// UploadOptions controls how a file is stored.
type UploadOptions struct {
	// ContentType of the object; detected from the file extension when empty.
	ContentType string
	// Public grants allUsers read access via the publicRead predefined ACL.
	Public bool
}

// ListObjects returns every object in bucket, or nil when it is empty.
func (c *Client) ListObjects(ctx context.Context, bucket string) ([]*storage.Object, error) {
	c.log.Info().Str("bucket", bucket).Msg("Listing bucket content")

	var objects []*storage.Object
	err := c.svc.Objects.List(bucket).Pages(ctx, func(page *storage.Objects) error {
		objects = append(objects, page.Items...)
		return nil
	})
	if err != nil {
		return nil, classify("list objects in "+bucket, err)
	}

	c.log.Debug().Str("bucket", bucket).Int("objects", len(objects)).Msg("Got bucket content")

	if len(objects) == 0 {
		return nil, nil
	}

	return objects, nil
}

// ObjectDetails fetches the metadata of one object.
func (c *Client) ObjectDetails(ctx context.Context, bucket, object string) (*storage.Object, error) {
	obj, err := c.svc.Objects.Get(bucket, object).Context(ctx).Do()
	if err != nil {
		return nil, classify("get object "+bucket+"/"+object, err)
	}

	return obj, nil
}

// Upload stores f in bucket under prefix/<basename of f> in one request.
func (c *Client) Upload(
	ctx context.Context,
	bucket string,
	f *os.File,
	prefix string,
	opts UploadOptions,
) (*storage.Object, error) {
	name := path.Join(prefix, filepath.Base(f.Name()))

	contentType := opts.ContentType
	if contentType == "" {
		contentType = detectContentType(f.Name())
	}

	c.log.Info().
		Str("file", f.Name()).
		Str("bucket", bucket).
		Str("object", name).
		Str("content_type", contentType).
		Bool("public", opts.Public).
		Msg("Uploading file")

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
	}

	// Read from the start regardless of the handle's current offset.
	media := io.NewSectionReader(f, 0, info.Size())

	call := c.svc.Objects.Insert(bucket, &storage.Object{
		Name:        name,
		ContentType: contentType,
	}).Media(media, googleapi.ContentType(contentType), googleapi.ChunkSize(0)).Context(ctx)

	if opts.Public {
		call = call.PredefinedAcl("publicRead")
	}

	obj, err := call.Do()
	if err != nil {
		return nil, classify("upload "+name, err)
	}

	c.log.Info().Str("bucket", bucket).Str("object", obj.Name).Uint64("size", obj.Size).Msg("Upload complete")

	return obj, nil
}

// Download copies object from bucket into w in ChunkSize ranges, retrying
// each chunk on transient failures. It returns the number of bytes written.
func (c *Client) Download(ctx context.Context, bucket, object string, w io.Writer) (int64, error) {
	c.log.Info().Str("bucket", bucket).Str("object", object).Msg("Downloading object")

	op := "download " + bucket + "/" + object
	counter := c.retry.Counter(c.log, op)

	var offset int64
	for {
		data, total, err := c.fetchChunk(ctx, bucket, object, offset)
		if err != nil {
			if !retryableDownloadError(err) {
				return offset, classify(op, err)
			}
			if ferr := counter.Fail(ctx, err); ferr != nil {
				return offset, classify(op, ferr)
			}
			continue
		}
		counter.Reset()

		if len(data) > 0 {
			if _, err := w.Write(data); err != nil {
				return offset, fmt.Errorf("%s: writing chunk at %d: %w", op, offset, err)
			}
			offset += int64(len(data))
		}

		if len(data) == 0 || offset >= total {
			break
		}
	}

	c.log.Info().Str("bucket", bucket).Str("object", object).Int64("bytes", offset).Msg("Download complete")

	return offset, nil
}

// fetchChunk reads one range starting at offset and returns its bytes and the
// total object size.
func (c *Client) fetchChunk(ctx context.Context, bucket, object string, offset int64) ([]byte, int64, error) {
	call := c.svc.Objects.Get(bucket, object).Context(ctx)
	call.Header().Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+c.chunkSize-1))

	res, err := call.Download()
	if err != nil {
		if emptyObject(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading chunk at %d: %w", offset, err)
	}

	if res.StatusCode == http.StatusOK {
		if offset > 0 {
			return nil, 0, fmt.Errorf("%w at offset %d", errRangeIgnored, offset)
		}
		return data, int64(len(data)), nil
	}

	total, err := parseContentRangeTotal(res.Header.Get("Content-Range"))
	if err != nil {
		return nil, 0, err
	}

	return data, total, nil
}

// emptyObject reports the 416 the API answers for a range on a zero-byte object.
func emptyObject(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusRequestedRangeNotSatisfiable {
		return false
	}

	return gerr.Header.Get("Content-Range") == "bytes */0"
}

// parseContentRangeTotal extracts the size from "bytes start-end/total".
func parseContentRangeTotal(v string) (int64, error) {
	i := strings.LastIndex(v, "/")
	if !strings.HasPrefix(v, "bytes ") || i < 0 {
		return 0, fmt.Errorf("malformed Content-Range %q", v)
	}

	total, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q: %w", v, err)
	}

	return total, nil
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return DefaultContentType
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return DefaultContentType
	}

	return ct
}
