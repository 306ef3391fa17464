// Package transfer ships sealed archives to the storage host. Delivery is
// at-least-once: the local copy is removed only when the upload itself
// reported success, and a failed archive is simply retried on the next sweep.
package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Outcome is the two-outcome result of one transfer attempt. There is no
// middle ground: either the channel reported success and the local copy may
// go, or the archive stays in place for retry.
type Outcome int

const (
	Failed Outcome = iota
	Delivered
)

func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "failed"
}

// Uploader sends one local file to the storage host's inbound directory.
// Implementations must be non-interactive under all circumstances.
type Uploader interface {
	Upload(ctx context.Context, localPath string) error
}

// Agent couples uploads to local deletion.
type Agent struct {
	uploader Uploader
}

// NewAgent wraps an uploader with the transfer-then-delete contract.
func NewAgent(u Uploader) *Agent {
	return &Agent{uploader: u}
}

// Transfer attempts to deliver one archive. On Delivered the local file has
// been removed; on Failed it is untouched and the caller retries later.
// Local removal never precedes a successful upload return.
func (a *Agent) Transfer(ctx context.Context, localPath string) (Outcome, error) {
	if err := a.uploader.Upload(ctx, localPath); err != nil {
		return Failed, fmt.Errorf("upload %s: %w", filepath.Base(localPath), err)
	}

	if err := os.Remove(localPath); err != nil {
		// The remote has the archive; a lingering local copy only means a
		// duplicate send next sweep, which the receiver dedupes.
		log.Warn().Err(err).Str("archive", filepath.Base(localPath)).Msg("Delivered but local removal failed")
	}
	return Delivered, nil
}

// SweepDir transfers every sealed archive in dir, oldest first. Failures are
// logged and left in place; one bad archive never blocks its siblings. The
// scan-everything approach doubles as the retry policy: anything Failed on an
// earlier sweep is still sitting there.
func (a *Agent) SweepDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan capture dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		path := filepath.Join(dir, name)
		outcome, err := a.Transfer(ctx, path)
		if outcome == Delivered {
			log.Info().Str("archive", name).Msg("Archive delivered")
			continue
		}
		log.Error().Err(err).Str("archive", name).Msg("Transfer failed, archive kept for retry")
	}
	return nil
}
