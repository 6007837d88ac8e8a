package stages

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/provider"
)

// AcquireBody downloads a scene from the first provider able to serve it.
// The provider that served it is recorded in the provider_id arg and the
// artifact path in the file arg.
type AcquireBody struct {
	resolver  *provider.Resolver
	outputDir string
	logger    *slog.Logger
}

// NewAcquireBody returns a body writing scenes under outputDir/<collection>.
func NewAcquireBody(r *provider.Resolver, outputDir string, opts ...Option) *AcquireBody {
	o := newOptions("acquire", opts)
	return &AcquireBody{resolver: r, outputDir: outputDir, logger: o.logger}
}

// Run implements engine.Body.
func (b *AcquireBody) Run(ctx context.Context, act ir.Activity) (ir.Args, error) {
	ordered, err := b.resolver.Order(ctx, act)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(b.outputDir, strconv.FormatInt(act.CollectionID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ir.NewError(ir.ConfigurationError, "create download directory", err)
	}

	outcome, err := b.resolver.DownloadWithFallback(ctx, provider.Request{Activity: act, OutputDir: dir}, ordered)
	if err != nil {
		return nil, err
	}
	out := outcome.Result.Args.Merge(ir.Args{ir.ArgProviderID: outcome.Binding.ProviderID})
	if outcome.Result.File != "" {
		out[ir.ArgFile] = outcome.Result.File
	}
	b.logger.Info("scene acquired", "scene_id", act.SceneID, "provider_id", outcome.Binding.ProviderID,
		"file", outcome.Result.File, "failed_attempts", len(outcome.Attempts))
	return out, nil
}
