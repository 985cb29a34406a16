package commands

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sdstudio/sdclient/internal/config"
	"github.com/sdstudio/sdclient/pkg/auth"
	"github.com/sdstudio/sdclient/pkg/errors"
	"github.com/sdstudio/sdclient/pkg/mask"
	"github.com/sdstudio/sdclient/pkg/sdapi"
	"github.com/sdstudio/sdclient/pkg/security"
	"github.com/sdstudio/sdclient/pkg/storage"
	"github.com/sdstudio/sdclient/pkg/tasks"
	"github.com/spf13/cobra"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(cfg *config.Config, fsmDB, output bool) error {
	// SQLite needs its parent directory; a postgres DSN is not a path
	if cfg.AuthDBDriver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.AuthDBDSN), 0755); err != nil {
			return errors.Wrap(err, "failed to create database directory")
		}
	}

	if fsmDB {
		if err := os.MkdirAll(cfg.FSMDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if output {
		if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create output directory")
		}
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

func newAPIClient(cfg *config.Config) *sdapi.Client {
	opts := []sdapi.Option{sdapi.WithTimeout(cfg.RequestTimeout)}
	if cfg.APIToken != "" {
		opts = append(opts, sdapi.WithToken(cfg.APIToken))
	}
	return sdapi.NewClient(cfg.APIBaseURL, opts...)
}

func newValidator(cfg *config.Config) *security.Validator {
	return security.NewValidator(cfg.MaxImageBytes, cfg.MaxImagePixels, cfg.MaxPromptLength)
}

func newPoller(client *sdapi.Client, cfg *config.Config, interval time.Duration) *tasks.Poller {
	return tasks.NewPoller(client,
		tasks.WithInterval(interval),
		tasks.WithMaxAttempts(cfg.PollMaxAttempts))
}

// newVerifier returns a verifier and a func releasing its cache
func newVerifier(cfg *config.Config) (*auth.Verifier, func()) {
	var cache auth.TokenCache
	closeFn := func() {}

	switch cfg.TokenCache {
	case "redis":
		rc := auth.NewRedisCache(cfg.RedisAddr)
		cache = rc
		closeFn = func() { rc.Close() }
	default:
		cache = auth.NewMemoryCache(cfg.TokenCacheSize)
	}

	v := auth.NewVerifier(cfg.AuthServiceURL, cfg.LoginURL, cache, auth.WithCacheTTL(cfg.TokenCacheTTL))
	return v, closeFn
}

// newStorage returns the mask archive client
func newStorage(ctx context.Context, cfg *config.Config) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix, cfg.S3Anonymous)
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}
	return client, nil
}

// readImage loads src, a local path or an s3:// URI, enforcing the size limit
func readImage(ctx context.Context, cfg *config.Config, v *security.Validator, src string) ([]byte, error) {
	if key, ok := storage.ParseURI(src); ok {
		client, err := newStorage(ctx, cfg)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if _, err := client.Download(ctx, key, &buf, cfg.MaxImageBytes); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat image")
	}
	if err := v.ValidateImageSize(info.Size()); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image")
	}
	return data, nil
}

// openSession decodes data into a new mask session after checking its limits
func openSession(v *security.Validator, data []byte) (*mask.Session, error) {
	if err := v.ValidateImageSize(int64(len(data))); err != nil {
		return nil, err
	}

	s := mask.NewSession()
	if err := s.OpenReader(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	w, h, err := s.Size()
	if err != nil {
		return nil, err
	}
	if err := v.ValidateDimensions(w, h); err != nil {
		return nil, err
	}
	return s, nil
}

// stroke is one pointer gesture given on the command line
type stroke struct {
	mode   mask.Mode
	points []image.Point
}

// parsePoints parses "x,y;x,y;..." into raster points. With displayHeight > 0
// the coordinates are touch coordinates on a display of that height and are
// scaled by the session.
func parsePoints(s *mask.Session, arg string, displayHeight float64) ([]image.Point, error) {
	var pts []image.Point
	for _, pair := range strings.Split(arg, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		xs, ys, ok := strings.Cut(pair, ",")
		if !ok {
			return nil, fmt.Errorf("invalid point %q, want x,y", pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid x in %q", pair)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid y in %q", pair)
		}

		if displayHeight > 0 {
			p, err := s.ScaleTouch(x, y, displayHeight)
			if err != nil {
				return nil, err
			}
			pts = append(pts, p)
			continue
		}
		pts = append(pts, image.Pt(int(x), int(y)))
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("no points in %q", arg)
	}
	return pts, nil
}

// parseStrokes turns --rect and --path values into strokes
func parseStrokes(s *mask.Session, rects, paths []string, displayHeight float64) ([]stroke, error) {
	var out []stroke
	for _, r := range rects {
		pts, err := parsePoints(s, r, displayHeight)
		if err != nil {
			return nil, err
		}
		if len(pts) != 2 {
			return nil, fmt.Errorf("rectangle %q needs exactly two corners", r)
		}
		out = append(out, stroke{mode: mask.ModeRectangle, points: pts})
	}
	for _, p := range paths {
		pts, err := parsePoints(s, p, displayHeight)
		if err != nil {
			return nil, err
		}
		out = append(out, stroke{mode: mask.ModeFreeform, points: pts})
	}
	return out, nil
}

// applyStrokes replays strokes as pointer down, moves and up
func applyStrokes(s *mask.Session, strokes []stroke) error {
	for _, st := range strokes {
		s.SetMode(st.mode)

		if err := s.BeginStroke(st.points[0]); err != nil {
			return err
		}
		for _, p := range st.points[1:] {
			if err := s.ContinueStroke(p); err != nil {
				return err
			}
		}
		if err := s.EndStroke(st.points[len(st.points)-1]); err != nil {
			return err
		}
	}
	return nil
}

// jobReport prints task updates and counts the tasks that did not finish
type jobReport struct {
	out    io.Writer
	failed atomic.Int32
}

func (r *jobReport) callbacks() tasks.Callbacks {
	return tasks.Callbacks{
		OnProgress: func(t *tasks.Task) {
			fmt.Fprintf(r.out, "⏳ %s: %s\n", t.ID, t.StatusMessage())
		},
		OnResult: func(t *tasks.Task) {
			fmt.Fprintf(r.out, "✅ %s: done\n", t.ID)
			if t.Result.Prompt != "" {
				fmt.Fprintf(r.out, "   prompt: %s\n", t.Result.Prompt)
			}
			for i, u := range t.Result.ImageURLs {
				if i < len(t.Result.Seeds) {
					fmt.Fprintf(r.out, "   %s (seed %d)\n", u, t.Result.Seeds[i])
					continue
				}
				fmt.Fprintf(r.out, "   %s\n", u)
			}
		},
		OnError: func(t *tasks.Task) {
			r.failed.Add(1)
			fmt.Fprintf(r.out, "❌ %s: %s\n", t.ID, t.StatusMessage())
		},
	}
}

// reportError prints a user-facing line for err. Authentication failures
// also print where to log in.
func reportError(cmd *cobra.Command, loginURL string, err error) {
	out := cmd.ErrOrStderr()

	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		fmt.Fprintf(out, "🔒 %s\n   log in at %s\n", authErr.Err, authErr.AuthURL)
		return
	}

	var apiErr *sdapi.Error
	if errors.As(err, &apiErr) && errors.Is(err, sdapi.ErrUnauthorized) {
		url := apiErr.AuthURL
		if url == "" {
			url = loginURL
		}
		fmt.Fprintf(out, "🔒 %s\n   log in at %s\n", apiErr.Error(), url)
		return
	}

	fmt.Fprintf(out, "❌ %s\n", tasks.UserMessage(err))
}

// flagOr returns v when the flag was set on the command line and fallback otherwise
func flagOr[T any](cmd *cobra.Command, name string, v, fallback T) T {
	if cmd.Flags().Changed(name) {
		return v
	}
	return fallback
}
