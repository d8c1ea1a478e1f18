package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// uploadPartSize is the multipart chunk size for archive uploads. 8 MiB keeps
// a full tick day within a handful of parts; the S3 minimum is 5 MiB.
const uploadPartSize int64 = 8 * 1024 * 1024

// contentTypeJSONL is the default content type; everything the archiver
// writes is newline-delimited JSON.
const contentTypeJSONL = "application/x-ndjson"

// Writer implements domain.BlobWriter using an S3-compatible backend. All
// uploads go through the SDK's upload manager, which transparently switches
// to concurrent multipart transfers once the body exceeds one part.
type Writer struct {
	uploader *manager.Uploader
	bucket   string
}

// NewWriter creates a Writer that uploads into the client's archive bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		uploader: manager.NewUploader(c.S3(), func(u *manager.Uploader) {
			u.PartSize = uploadPartSize
		}),
		bucket: c.Bucket(),
	}
}

// Put uploads data to the given object key. An empty contentType defaults to
// JSONL, the archive's native format.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if contentType == "" {
		contentType = contentTypeJSONL
	}

	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}
