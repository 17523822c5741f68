package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/shinji-kodama/bindci/internal/ctxlog"
)

// maxParallelCopies bounds the number of files copied at the same time.
const maxParallelCopies = 4

// Stager copies build artifacts into a runtime search directory.
type Stager struct {
	// Parallel is the maximum number of concurrent file copies.
	// Values below 1 use maxParallelCopies.
	Parallel int
}

// NewStager returns a Stager with the default parallelism.
func NewStager() *Stager {
	return &Stager{Parallel: maxParallelCopies}
}

// Copy expands each glob in sources and copies every matched regular file
// into dest, keeping the base name and file mode. It returns the paths of
// the staged files, sorted.
//
// A pattern that matches nothing is an error: a missing artifact would
// otherwise surface much later as a confusing load failure in the tests.
// Directories matched by a pattern are skipped.
func (s *Stager) Copy(ctx context.Context, sources []string, dest string) ([]string, error) {
	files, err := expand(sources)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dest, err)
	}

	// Two sources with the same base name would silently overwrite each
	// other in dest.
	targets := make(map[string]string, len(files))
	for _, src := range files {
		target := filepath.Join(dest, filepath.Base(src))
		if prev, dup := targets[target]; dup {
			return nil, fmt.Errorf("both %s and %s would be staged as %s", prev, src, target)
		}
		targets[target] = src
	}

	limit := s.Parallel
	if limit < 1 {
		limit = maxParallelCopies
	}

	log := ctxlog.FromContext(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for target, src := range targets {
		target, src := target, src
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			log.Debug("staging file", "src", src, "dest", target)
			return copyFile(src, target)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	staged := make([]string, 0, len(targets))
	for target := range targets {
		staged = append(staged, target)
	}
	sort.Strings(staged)
	return staged, nil
}

// expand resolves the glob patterns into a de-duplicated list of regular files.
func expand(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("pattern %q matched no files", pattern)
		}

		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", m, err)
			}
			if !info.Mode().IsRegular() || seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("patterns %v matched no regular files", patterns)
	}
	return files, nil
}

// copyFile copies src to dst through a temporary file in the destination
// directory, so a reader never observes a half-written library.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", dst, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err = tmp.Chmod(info.Mode().Perm()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("renaming into %s: %w", dst, err)
	}
	return nil
}
