// Package runner drives one rip job through its stages: resolve the preview
// URL, resolve the frame URL, mirror the frame, and archive the mirror.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aG00Dtime/ThemeForest-Ripper/internal/archive"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/browser"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/job"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/mirror"
)

const (
	StagePreview = "Resolve preview URL"
	StageFrame   = "Resolve full frame URL"

	previewMarker   = "full_screen_preview"
	previewSelector = `a[href*="full_screen_preview"]`
	frameSelector   = "iframe.full-screen-preview__frame"
	interstitial    = "Just a moment"
)

// ErrCancelled is returned by Run when the job was cancelled and purged.
var ErrCancelled = errors.New("job cancelled")

// StageError is a failure inside one of the browser stages.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type Config struct {
	JobsRoot      string
	WgetPath      string
	DriverTimeout time.Duration
	KillGrace     time.Duration
}

type Runner struct {
	store     *job.Store
	newDriver browser.Factory
	cfg       Config
}

func New(store *job.Store, newDriver browser.Factory, cfg Config) *Runner {
	if cfg.DriverTimeout <= 0 {
		cfg.DriverTimeout = 30 * time.Second
	}
	return &Runner{store: store, newDriver: newDriver, cfg: cfg}
}

// StorageDir is the per-job working directory holding the mirror and archive.
func (r *Runner) StorageDir(id string) string {
	return filepath.Join(r.cfg.JobsRoot, id)
}

// Run executes job id to completion. It returns nil on success, ErrCancelled
// if the job was cancelled (the job is then gone from the store), or the
// failure recorded on the job.
func (r *Runner) Run(ctx context.Context, id string) error {
	snap := r.store.Snapshot(id)
	if snap == nil {
		return job.ErrNotFound
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if sig := r.store.Signal(id); sig != nil {
		go func() {
			select {
			case <-sig.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	storageDir := r.StorageDir(id)
	err := r.run(ctx, id, snap.URL, storageDir)
	if err == nil {
		return nil
	}

	// Bookkeeping must finish even when ctx is what stopped the job.
	cleanupCtx := context.WithoutCancel(ctx)
	switch {
	case errors.Is(err, ErrCancelled) || r.store.IsCancelled(id):
		r.abort(cleanupCtx, id, storageDir, "Job cancelled by user")
		return ErrCancelled
	case parent.Err() != nil:
		r.abort(cleanupCtx, id, storageDir, "Job cancelled by server shutdown")
		return ErrCancelled
	}
	r.fail(cleanupCtx, id, storageDir, err)
	return err
}

func (r *Runner) run(ctx context.Context, id, themeURL, storageDir string) error {
	if err := r.checkpoint(id); err != nil {
		return err
	}
	if err := r.store.MarkRunning(id); err != nil {
		return err
	}
	if err := r.checkpoint(id); err != nil {
		return err
	}
	r.log(id, job.LevelInfo, "Job accepted, starting extraction")

	mirrorDir := filepath.Join(storageDir, "mirror")
	if err := os.MkdirAll(mirrorDir, 0o755); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}

	previewURL := themeURL
	if strings.Contains(themeURL, previewMarker) {
		r.log(id, job.LevelInfo, "Input URL already points to preview; skipping lookup")
	} else {
		if err := r.checkpoint(id); err != nil {
			return err
		}
		u, err := r.withDriver(ctx, id, StagePreview, func(d browser.Driver) (string, error) {
			return r.resolve(ctx, d, themeURL, previewSelector, "href")
		})
		if err != nil {
			return err
		}
		previewURL = u
		r.log(id, job.LevelInfo, "Resolved preview URL "+previewURL)
	}

	if err := r.checkpoint(id); err != nil {
		return err
	}
	frameURL, err := r.withDriver(ctx, id, StageFrame, func(d browser.Driver) (string, error) {
		return r.resolve(ctx, d, previewURL, frameSelector, "src")
	})
	if err != nil {
		return err
	}
	r.log(id, job.LevelInfo, "Resolved frame URL "+frameURL)

	if err := r.checkpoint(id); err != nil {
		return err
	}
	res, err := mirror.Run(ctx, mirror.Options{
		WgetPath:  r.cfg.WgetPath,
		TargetURL: frameURL,
		Dir:       mirrorDir,
		KillGrace: r.cfg.KillGrace,
	}, func(level job.Level, msg string) {
		r.log(id, level, msg)
	}, func() bool {
		return r.store.IsCancelled(id)
	})
	if errors.Is(err, mirror.ErrCancelled) {
		return ErrCancelled
	}
	if err != nil {
		return err
	}
	slog.Info("mirror finished", "job_id", id, "partial", res.Partial)
	if err := r.checkpoint(id); err != nil {
		return err
	}

	zipPath := filepath.Join(storageDir, id+".zip")
	if _, err := archive.Zip(mirrorDir, zipPath); err != nil {
		return err
	}
	r.log(id, job.LevelInfo, "Created archive "+filepath.Base(zipPath))
	if err := os.RemoveAll(mirrorDir); err != nil {
		slog.Warn("remove mirror dir", "job_id", id, "error", err)
	}

	return r.store.MarkSucceeded(ctx, id, zipPath)
}

// withDriver opens a driver for one stage and always quits it.
func (r *Runner) withDriver(ctx context.Context, id, stage string, fn func(browser.Driver) (string, error)) (string, error) {
	d, err := r.newDriver(ctx, func(msg string) { r.log(id, job.LevelWarn, msg) })
	if err != nil {
		if r.store.IsCancelled(id) {
			return "", ErrCancelled
		}
		return "", &StageError{Stage: stage, Err: err}
	}
	defer func() {
		if err := d.Quit(); err != nil {
			slog.Debug("quit driver", "job_id", id, "stage", stage, "error", err)
		}
	}()

	r.log(id, job.LevelInfo, stage)
	if err := r.checkpoint(id); err != nil {
		return "", err
	}
	v, err := fn(d)
	if err != nil {
		if r.store.IsCancelled(id) {
			return "", ErrCancelled
		}
		return "", &StageError{Stage: stage, Err: err}
	}
	return v, nil
}

// resolve loads pageURL, waits out the anti-bot interstitial, then reads attr
// from the first element matching selector.
func (r *Runner) resolve(ctx context.Context, d browser.Driver, pageURL, selector, attr string) (string, error) {
	if err := d.Navigate(ctx, pageURL); err != nil {
		return "", err
	}
	err := browser.WaitUntil(ctx, d, r.cfg.DriverTimeout, func(d browser.Driver) (bool, error) {
		title, err := d.Title(ctx)
		if err != nil {
			return false, err
		}
		return !strings.Contains(title, interstitial), nil
	})
	if err != nil {
		return "", fmt.Errorf("waiting for page to load: %w", err)
	}
	el, err := d.FindElement(ctx, selector, r.cfg.DriverTimeout)
	if err != nil {
		return "", err
	}
	return el.Attribute(attr)
}

func (r *Runner) checkpoint(id string) error {
	if r.store.IsCancelled(id) {
		return ErrCancelled
	}
	return nil
}

func (r *Runner) abort(ctx context.Context, id, storageDir, reason string) {
	r.log(id, job.LevelInfo, reason)
	if err := r.store.MarkCancelled(ctx, id); err != nil && !errors.Is(err, job.ErrNotFound) {
		slog.Warn("mark job cancelled", "job_id", id, "error", err)
	}
	if err := os.RemoveAll(storageDir); err != nil {
		slog.Warn("remove job dir", "job_id", id, "error", err)
	}
	r.store.Remove(ctx, id)
}

// fail records cause on the job. The store writes the error entry together
// with the status change; an undersized archive was already demoted there.
func (r *Runner) fail(ctx context.Context, id, storageDir string, cause error) {
	if !errors.Is(cause, job.ErrArchiveTooSmall) {
		if err := r.store.MarkFailed(ctx, id, cause.Error()); err != nil {
			slog.Warn("mark job failed", "job_id", id, "error", err)
		}
	}
	if err := os.RemoveAll(storageDir); err != nil {
		slog.Warn("remove job dir", "job_id", id, "error", err)
	}
}

func (r *Runner) log(id string, level job.Level, msg string) {
	if _, err := r.store.AppendLog(id, level, msg); err != nil {
		slog.Debug("append job log", "job_id", id, "error", err)
	}
}
