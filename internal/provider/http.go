package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/scenepipe/internal/ir"
)

// HTTPSource downloads scenes from a URL template over HTTP.
//
// The template may reference {scene_id}, {collection_id} and {dataset}.
// A response with an offline status (202 Accepted by default, the answer
// of long-term archives that are staging the product) reports the scene
// as offline. Any other status of 400 or above is a failure.
type HTTPSource struct {
	client   *http.Client
	template string
	offline  map[int]bool
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		s.client = c
	}
}

// WithOfflineStatus replaces the statuses treated as offline.
func WithOfflineStatus(codes ...int) HTTPOption {
	return func(s *HTTPSource) {
		s.offline = make(map[int]bool, len(codes))
		for _, c := range codes {
			s.offline[c] = true
		}
	}
}

// NewHTTPSource creates a source for urlTemplate.
func NewHTTPSource(urlTemplate string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		client:   &http.Client{Timeout: 90 * time.Second},
		template: urlTemplate,
		offline:  map[int]bool{http.StatusAccepted: true},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSource) url(act ir.Activity) string {
	dataset, _ := act.Args.String(ir.ArgDataset)
	return strings.NewReplacer(
		"{scene_id}", url.PathEscape(act.SceneID),
		"{collection_id}", strconv.FormatInt(act.CollectionID, 10),
		"{dataset}", url.PathEscape(dataset),
	).Replace(s.template)
}

// Acquire implements Source.
func (s *HTTPSource) Acquire(ctx context.Context, req Request) (Result, error) {
	link := s.url(req.Activity)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return Result{}, ir.Misconfigured("provider %s: bad url %q: %v", req.Binding.ProviderID, link, err)
	}
	if req.Account != nil {
		httpReq.SetBasicAuth(req.Account.Name, req.Account.Secret)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{}, ir.Transient(fmt.Sprintf("get %s", link), err)
	}
	defer resp.Body.Close()

	if s.offline[resp.StatusCode] {
		return Result{}, ir.Offline(req.Activity.SceneID, fmt.Errorf("%s answered %d", link, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return Result{}, ir.Failed(fmt.Sprintf("get %s", link), fmt.Errorf("status %d", resp.StatusCode))
	}

	name := path.Base(httpReq.URL.Path)
	if name == "" || name == "/" || name == "." {
		name = req.Activity.SceneID
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}
	target := filepath.Join(req.OutputDir, name)
	if err := writeAtomically(target, resp.Body); err != nil {
		return Result{}, ir.Failed(fmt.Sprintf("save %s", link), err)
	}

	return Result{File: target, Args: ir.Args{ir.ArgCompressedFile: target}}, nil
}

// writeAtomically streams r to a temp file next to target and renames it
// into place, so a torn download never looks complete.
func writeAtomically(target string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}
