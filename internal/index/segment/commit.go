package segment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// CurrentFileName points at the active commit point.
	CurrentFileName = "CURRENT"
	// CommitPrefix prefixes every commit point file name.
	CommitPrefix         = "segments-"
	CommitFormatVersion  = 1
	commitFileNameFormat = CommitPrefix + "%06d.json"
)

// SegmentRef describes one segment of a commit point.
type SegmentRef struct {
	Name     string `json:"name"`
	DocCount int    `json:"doc_count"`
	DelGen   uint64 `json:"del_gen,omitempty"`
	DelCount int    `json:"del_count,omitempty"`
}

// DeletesFile returns the deletion bitmap file of the segment, or "" when
// the segment has no deletions.
func (r SegmentRef) DeletesFile() string {
	if r.DelGen == 0 {
		return ""
	}
	return DeletesFileName(r.Name, r.DelGen)
}

// CommitPoint is the durable description of the store at one generation.
// MaxID is the largest document id ever committed, deleted ones included.
type CommitPoint struct {
	Version     int          `json:"version"`
	Generation  uint64       `json:"generation"`
	NextSegment uint64       `json:"next_segment"`
	MaxID       uint64       `json:"max_id,omitempty"`
	CommittedAt time.Time    `json:"committed_at"`
	Segments    []SegmentRef `json:"segments"`
}

// CommitFileName returns the file name of the commit point at gen.
func CommitFileName(gen uint64) string {
	return fmt.Sprintf(commitFileNameFormat, gen)
}

// Files returns every file the commit point references, itself included.
func (c *CommitPoint) Files() map[string]struct{} {
	files := map[string]struct{}{CurrentFileName: {}}
	if c.Generation > 0 {
		files[CommitFileName(c.Generation)] = struct{}{}
	}
	for _, ref := range c.Segments {
		files[ref.Name] = struct{}{}
		if del := ref.DeletesFile(); del != "" {
			files[del] = struct{}{}
		}
	}
	return files
}

// ReadCommit loads the commit point named by CURRENT. A directory without
// CURRENT yields an empty generation-0 commit point.
func ReadCommit(dir string) (*CommitPoint, error) {
	content, err := os.ReadFile(filepath.Join(dir, CurrentFileName))
	if errors.Is(err, os.ErrNotExist) {
		return &CommitPoint{Version: CommitFormatVersion, NextSegment: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", CurrentFileName, err)
	}
	name := strings.TrimSpace(string(content))
	if !strings.HasPrefix(name, CommitPrefix) || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%s names an invalid commit file %q", CurrentFileName, name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading commit point %s: %w", name, err)
	}
	var cp CommitPoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing commit point %s: %w", name, err)
	}
	if cp.Version != CommitFormatVersion {
		return nil, fmt.Errorf("unsupported commit point version: %d (expected %d)", cp.Version, CommitFormatVersion)
	}
	if CommitFileName(cp.Generation) != name {
		return nil, fmt.Errorf("commit point %s records generation %d", name, cp.Generation)
	}
	return &cp, nil
}

// WriteCommit durably writes cp as a new commit file and then swaps CURRENT
// to point at it. Readers of the directory see either the old or the new
// commit, never a mix.
func WriteCommit(dir string, cp *CommitPoint, sync bool) error {
	cp.Version = CommitFormatVersion
	name := CommitFileName(cp.Generation)
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling commit point: %w", err)
	}
	if err := writeFileAtomic(dir, name, data, sync); err != nil {
		return err
	}
	if sync {
		if err := SyncDir(dir); err != nil {
			return err
		}
	}
	if err := writeFileAtomic(dir, CurrentFileName, []byte(name), sync); err != nil {
		return err
	}
	if sync {
		return SyncDir(dir)
	}
	return nil
}
