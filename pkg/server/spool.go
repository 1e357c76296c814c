package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/cdpmux/pkg/observability"
)

// spoolRef is the inline stand-in for a result written to disk.
type spoolRef struct {
	Ref    string `json:"ref"`
	Size   int    `json:"size"`
	SHA256 string `json:"sha256"`
}

// spooler writes oversized results to disk so envelope sizes stay bounded.
// Disabled when the threshold is zero or negative.
type spooler struct {
	dir       string
	threshold int
	log       *observability.Logger
}

func newSpooler(dir string, threshold int, log *observability.Logger) *spooler {
	if threshold > 0 && dir == "" {
		dir = os.TempDir()
	}
	return &spooler{dir: dir, threshold: threshold, log: log}
}

// maybeSpool replaces a result above the threshold with a reference to the
// spooled file. A spool failure falls back to delivering the result inline;
// an oversized answer beats a lost one.
func (sp *spooler) maybeSpool(result json.RawMessage) json.RawMessage {
	if sp.threshold <= 0 || len(result) <= sp.threshold {
		return result
	}

	if err := os.MkdirAll(sp.dir, 0o700); err != nil {
		sp.log.Warn("spool dir unavailable", "dir", sp.dir, "error", err)
		return result
	}

	path := filepath.Join(sp.dir, ulid.Make().String()+".json")
	if err := os.WriteFile(path, result, 0o600); err != nil {
		sp.log.Warn("spool write failed", "path", path, "error", err)
		return result
	}

	sum := sha256.Sum256(result)
	ref, err := json.Marshal(spoolRef{
		Ref:    path,
		Size:   len(result),
		SHA256: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return result
	}

	observability.ResultsSpooled.Inc()
	sp.log.Debug("result spooled", "path", path, "size", len(result))
	return ref
}
