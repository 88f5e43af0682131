package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/releasekit/installer/pkg/errors"
)

var scratchSuffixes = []string{".archive", ".staging", ".sig"}

// ScratchBase strips the artifact suffix from a scratch file name, returning
// the ScratchName it belongs to.
func ScratchBase(name string) (string, bool) {
	for _, suffix := range scratchSuffixes {
		if base, ok := strings.CutSuffix(name, suffix); ok && base != "" {
			return base, true
		}
	}
	return "", false
}

// SweepScratch removes scratch artifacts whose ScratchName is not owned.
// Artifacts of runs executing in this process are always kept. Files that do
// not look like scratch artifacts are left alone.
func (c *Coordinator) SweepScratch(owned func(base string) bool) ([]string, error) {
	entries, err := os.ReadDir(c.opts.ScratchDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to read scratch dir"), c.opts.ScratchDir)
	}

	live := make(map[string]bool)
	c.mu.Lock()
	for _, r := range c.active {
		live[ScratchName(r.req.Version, r.req.ID)] = true
	}
	c.mu.Unlock()

	var removed []string
	var result *multierror.Error
	for _, e := range entries {
		base, ok := ScratchBase(e.Name())
		if !ok || live[base] || owned(base) {
			continue
		}
		p := filepath.Join(c.opts.ScratchDir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		slog.Info("scratch_removed", "path", p)
		removed = append(removed, p)
	}
	return removed, result.ErrorOrNil()
}
