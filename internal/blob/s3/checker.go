package s3blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// Checker implements domain.BlobChecker with HeadObject. The archiver uses it
// to confirm an upload before deleting the source rows.
type Checker struct {
	client s3.HeadObjectAPIClient
	bucket string
}

// NewChecker creates a Checker for c's bucket.
func NewChecker(c *Client) *Checker {
	return &Checker{client: c.S3(), bucket: c.Bucket()}
}

// Exists reports whether an object is stored at path.
func (c *Checker) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3blob: head object %s: %w", path, err)
	}
	return true, nil
}

// isNotFound matches the typed SDK errors and, for S3-compatible providers
// that return a bare 404, the HTTP status.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	type httpResponseError interface {
		HTTPStatusCode() int
	}
	var httpErr httpResponseError
	return errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == http.StatusNotFound
}

var _ domain.BlobChecker = (*Checker)(nil)
