package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/roach88/scenepipe/internal/ir"
)

// ArgRemoteAssets lists the gs:// URLs an upload produced.
const ArgRemoteAssets = "remote_assets"

// BlobStore writes objects to a bucket.
type BlobStore interface {
	Put(ctx context.Context, bucket, object string, r io.Reader) error
}

// GCSStore stores objects in Google Cloud Storage.
type GCSStore struct {
	Client *storage.Client
}

// Put streams r into bucket/object.
func (s *GCSStore) Put(ctx context.Context, bucket, object string, r io.Reader) error {
	w := s.Client.Bucket(bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return classifyGCS(err)
	}
	return classifyGCS(w.Close())
}

// classifyGCS marks throttling and server errors as transient.
func classifyGCS(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return ir.Transient("cloud storage unavailable", err)
		}
		return ir.Failed(fmt.Sprintf("cloud storage rejected upload (%d)", apiErr.Code), err)
	}
	return err
}

// UploadBody replicates the files an activity produced to a bucket under
// <prefix>/<collection>/<scene>/<basename>.
type UploadBody struct {
	blobs  BlobStore
	bucket string
	prefix string
	logger *slog.Logger
}

// NewUploadBody returns a body uploading into bucket.
func NewUploadBody(blobs BlobStore, bucket, prefix string, opts ...Option) (*UploadBody, error) {
	if blobs == nil || bucket == "" {
		return nil, ir.Misconfigured("upload stage needs a blob store and a bucket")
	}
	o := newOptions("upload", opts)
	return &UploadBody{blobs: blobs, bucket: bucket, prefix: prefix, logger: o.logger.With("bucket", bucket)}, nil
}

// Run implements engine.Body.
func (b *UploadBody) Run(ctx context.Context, act ir.Activity) (ir.Args, error) {
	files := uploadFiles(act.Args)
	if len(files) == 0 {
		return nil, ir.Invalid("activity %s has no file or assets to upload", act.Key())
	}

	urls := make([]any, 0, len(files))
	for _, file := range files {
		object := path.Join(b.prefix, strconv.FormatInt(act.CollectionID, 10), act.SceneID, filepath.Base(file))
		if err := b.put(ctx, file, object); err != nil {
			return nil, err
		}
		urls = append(urls, "gs://"+b.bucket+"/"+object)
	}
	b.logger.Info("assets uploaded", "scene_id", act.SceneID, "count", len(urls))
	return ir.Args{ArgRemoteAssets: urls}, nil
}

func (b *UploadBody) put(ctx context.Context, file, object string) error {
	f, err := os.Open(file)
	if err != nil {
		return ir.Failed("open "+file, err)
	}
	defer f.Close()
	if err := b.blobs.Put(ctx, b.bucket, object, f); err != nil {
		return fmt.Errorf("upload %s: %w", file, err)
	}
	return nil
}

// uploadFiles collects the file arg and every path in assets, which may be
// a list of paths or an object of name to path. Duplicates are dropped.
func uploadFiles(args ir.Args) []string {
	var files []string
	seen := map[string]bool{}
	add := func(v any) {
		if s, ok := v.(string); ok && s != "" && !seen[s] {
			seen[s] = true
			files = append(files, s)
		}
	}

	if f, ok := args.String(ir.ArgFile); ok {
		add(f)
	}
	switch assets := args[ir.ArgAssets].(type) {
	case []any:
		for _, v := range assets {
			add(v)
		}
	case []string:
		for _, v := range assets {
			add(v)
		}
	case map[string]any:
		for _, k := range ir.Args(assets).Keys() {
			add(assets[k])
		}
	}
	return files
}
