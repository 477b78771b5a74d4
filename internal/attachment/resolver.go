// Package attachment binds uploaded binaries to stable public URLs and
// typed metadata before they are attached to a message.
package attachment

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/classroom-messaging/internal/apperr"
	"github.com/nhle/classroom-messaging/internal/model"
)

// Storage is the blob store uploads go to.
type Storage interface {
	// Put stores the body under key and returns its public URL. It must
	// not leave a fetchable object behind when it fails.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error

	// Owns reports whether url was returned by a successful Put.
	Owns(url string) bool
}

// Upload is a binary waiting to be attached. Size may be -1 if unknown.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Resolver uploads binaries and describes them as attachments.
type Resolver struct {
	storage Storage
	log     zerolog.Logger
	timeout time.Duration
	newKey  func() string
}

// NewResolver creates a Resolver.
func NewResolver(storage Storage, log zerolog.Logger, timeout time.Duration) *Resolver {
	return &Resolver{
		storage: storage,
		log:     log.With().Str("component", "attachments").Logger(),
		timeout: timeout,
		newKey:  func() string { return uuid.New().String() },
	}
}

// Attach uploads up under folder with a fresh opaque key and returns the
// attachment once its public URL is known. On failure nothing resolvable
// is left behind: transport errors are UploadFailed and an expired
// deadline is Timeout.
func (r *Resolver) Attach(ctx context.Context, up Upload, folder string) (*model.Attachment, error) {
	const op = "attachment.Attach"

	name := strings.TrimSpace(filepath.Base(up.Name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, apperr.Errorf(apperr.InvalidArgument, op, "missing file name")
	}
	if up.Body == nil {
		return nil, apperr.Errorf(apperr.InvalidArgument, op, "missing file body")
	}
	folder, err := cleanFolder(folder)
	if err != nil {
		return nil, apperr.E(apperr.InvalidArgument, op, err)
	}

	contentType := up.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
			contentType = byExt
		}
	}

	key := path.Join(folder, r.newKey()+strings.ToLower(filepath.Ext(name)))

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	body := &countingReader{r: up.Body}
	up.Body = body

	url, err := r.put(ctx, key, up, contentType)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.E(apperr.Timeout, op, err)
		}
		return nil, apperr.E(apperr.UploadFailed, op, err)
	}

	att := &model.Attachment{
		Kind: model.KindFromContentType(contentType),
		Name: name,
		Size: up.Size,
		URL:  url,
	}
	if att.Size < 0 {
		att.Size = body.n
	}
	if att.Kind == model.AttachmentImage {
		att.PreviewURL = url
	}

	r.log.Debug().Str("key", key).Str("kind", string(att.Kind)).Msg("attachment stored")
	return att, nil
}

// put runs the upload so that a stalled storage call still returns when
// ctx expires. A late success is deleted so it never resolves.
func (r *Resolver) put(ctx context.Context, key string, up Upload, contentType string) (string, error) {
	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)

	go func() {
		url, err := r.storage.Put(ctx, key, up.Body, up.Size, contentType)
		done <- result{url: url, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && ctx.Err() != nil {
			r.discard(key)
			return "", ctx.Err()
		}
		return res.url, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				r.discard(key)
			}
		}()
		return "", ctx.Err()
	}
}

func (r *Resolver) discard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.storage.Delete(ctx, key); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("abandoned upload not removed")
	}
}

// Verify checks that every attachment points at an object this resolver
// stored, so messages cannot carry arbitrary links posing as uploads.
func (r *Resolver) Verify(atts []model.Attachment) error {
	const op = "attachment.Verify"

	for _, att := range atts {
		if !r.storage.Owns(att.URL) {
			return apperr.Errorf(apperr.InvalidArgument, op, "attachment %q is not a stored upload", att.Name)
		}
		if att.PreviewURL != "" && att.PreviewURL != att.URL {
			return apperr.Errorf(apperr.InvalidArgument, op, "attachment %q has a foreign preview", att.Name)
		}
		switch att.Kind {
		case model.AttachmentImage, model.AttachmentVideo, model.AttachmentAudio, model.AttachmentFile:
		default:
			return apperr.Errorf(apperr.InvalidArgument, op, "attachment %q has unknown kind %q", att.Name, att.Kind)
		}
	}
	return nil
}

// cleanFolder normalizes a target folder and rejects escapes from the
// storage root.
func cleanFolder(folder string) (string, error) {
	folder = strings.Trim(path.Clean("/"+filepath.ToSlash(strings.TrimSpace(folder))), "/")
	if folder == "" {
		return "attachments", nil
	}
	for _, part := range strings.Split(folder, "/") {
		if part == ".." || strings.HasPrefix(part, ".") {
			return "", errors.New("invalid target folder")
		}
	}
	return folder, nil
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
