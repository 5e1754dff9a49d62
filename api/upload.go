package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/dustin/go-humanize"

	"giglink/metrics"
	"giglink/models"
)

// MaxUploadSize is the client-enforced attachment limit (10 MiB).
const MaxUploadSize int64 = 10 * 1024 * 1024

// ErrFileTooLarge is returned before any network call for oversized attachments.
var ErrFileTooLarge = errors.New("api: file exceeds upload limit")

// CheckUploadSize validates an attachment size against MaxUploadSize.
func CheckUploadSize(size int64) error {
	if size > MaxUploadSize {
		metrics.UploadsRejected.Inc()
		return fmt.Errorf("%w: %s > %s", ErrFileTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(MaxUploadSize)))
	}
	return nil
}

// UploadFile sends an attachment as multipart form data and returns its descriptor.
func (c *Client) UploadFile(ctx context.Context, name string, content io.Reader, size int64) (*models.FileDescriptor, error) {
	if err := CheckUploadSize(size); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("file", name)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, io.LimitReader(content, MaxUploadSize+1)); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/upload", pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var out models.FileDescriptor
	if err := c.do(req, "upload", &out); err != nil {
		_ = pr.Close()
		return nil, err
	}
	return &out, nil
}
