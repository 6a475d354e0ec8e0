// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/pingu-fuzz/pingu-bot/pkg/archive"
	"github.com/pingu-fuzz/pingu-bot/pkg/storage"
)

// SyncedCorpus keeps a local corpus directory in sync with storage and
// tracks which units the fuzzer has added since the last sync.
type SyncedCorpus struct {
	*Storage
	corpusDir string
	dataDir   string
	clock     clock.Clock
	synced    map[string]bool
}

func NewSyncedCorpus(stor *Storage, corpusDir, dataDir string, clk clock.Clock) *SyncedCorpus {
	return &SyncedCorpus{
		Storage:   stor,
		corpusDir: corpusDir,
		dataDir:   dataDir,
		clock:     clk,
		synced:    map[string]bool{},
	}
}

func (c *SyncedCorpus) Dir() string {
	return c.corpusDir
}

func (c *SyncedCorpus) stampPath() string {
	return filepath.Join(c.dataDir, c.target+"_sync")
}

func (c *SyncedCorpus) lastSyncTime() (time.Time, bool) {
	data, err := os.ReadFile(c.stampPath())
	if err != nil {
		return time.Time{}, false
	}
	epoch, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, int64(epoch*float64(time.Second))), true
}

// SyncFromStorage downloads the remote corpus unless the local copy was
// synced less than FreshnessThreshold ago. The stamp holds the time the
// sync started, so a slow download never makes the corpus look fresher
// than it is.
func (c *SyncedCorpus) SyncFromStorage(ctx context.Context) error {
	start := c.clock.Now()
	fresh := false
	if last, ok := c.lastSyncTime(); ok {
		if _, err := os.Stat(c.corpusDir); err == nil && start.Sub(last) < FreshnessThreshold {
			fresh = true
			c.logger.Info().Str("target", c.target).
				Msg("the local corpus is quite new, skipping sync")
		}
	}
	if !fresh {
		if err := c.RsyncToDisk(ctx, c.corpusDir); err != nil {
			return err
		}
	}
	files, err := listFiles(c.corpusDir)
	if err != nil {
		return err
	}
	c.synced = map[string]bool{}
	for _, file := range files {
		c.synced[file] = true
	}
	if !fresh && len(c.synced) > 0 {
		epoch := float64(start.UnixNano()) / float64(time.Second)
		data := strconv.FormatFloat(epoch, 'f', -1, 64)
		if err := os.WriteFile(c.stampPath(), []byte(data), 0644); err != nil {
			return fmt.Errorf("failed to write the sync stamp: %w", err)
		}
	}
	return nil
}

// SyncToStorage uploads the local corpus back, deleting remote units the
// merge step dropped.
func (c *SyncedCorpus) SyncToStorage(ctx context.Context) error {
	return c.RsyncFromDisk(ctx, c.corpusDir)
}

// NewFiles returns units that appeared in the corpus directory since the
// last sync.
func (c *SyncedCorpus) NewFiles() ([]string, error) {
	files, err := listFiles(c.corpusDir)
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, file := range files {
		if !c.synced[file] {
			ret = append(ret, file)
		}
	}
	return ret, nil
}

// UploadNewFiles uploads the units the session generated, skipping
// oversized ones and capping the total at MaxNewFiles.
func (c *SyncedCorpus) UploadNewFiles(ctx context.Context) (int, error) {
	files, err := c.NewFiles()
	if err != nil {
		return 0, err
	}
	var filtered []string
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || info.Size() > InputSizeLimit {
			continue
		}
		filtered = append(filtered, file)
	}
	if len(filtered) > MaxNewFiles {
		c.logger.Info().Str("target", c.target).Int("total", len(filtered)).
			Int("cap", MaxNewFiles).Msg("uploading only a part of the new corpus files")
		filtered = filtered[:MaxNewFiles]
	}
	uploaded, err := c.UploadFiles(ctx, filtered)
	for _, file := range filtered[:uploaded] {
		c.synced[file] = true
	}
	return uploaded, err
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		files = append(files, path)
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return files, err
}

// LatestBackupName is the archive name a daily backup is aliased to.
const LatestBackupName = "latest"

// BackupPath renders the location of a dated corpus backup archive.
func BackupPath(backupBucket, engine, target, date string) string {
	return fmt.Sprintf("/%s/corpus/%s/%s/%s.zip", backupBucket, engine, target, date)
}

// DownloadBackup unpacks the latest corpus backup of a fuzz target into
// dir. Used for cross-pollination during corpus pruning.
func DownloadBackup(ctx context.Context, client *storage.Client,
	backupBucket, engine, target, dir string) error {
	remote := BackupPath(backupBucket, engine, target, LatestBackupName)
	local := filepath.Join(dir, target+".zip")
	if err := client.ReadToFile(ctx, remote, local); err != nil {
		return fmt.Errorf("failed to fetch the corpus backup of %s: %w", target, err)
	}
	defer os.Remove(local)
	if _, err := archive.Unpack(local, dir); err != nil {
		return fmt.Errorf("corrupt corpus backup of %s: %w", target, err)
	}
	return nil
}

// UploadBackup archives the corpus directory and stores it both under
// the UTC date and as the latest backup.
func UploadBackup(ctx context.Context, client *storage.Client,
	backupBucket, engine, target, dir string, now time.Time) error {
	local := filepath.Join(os.TempDir(), fmt.Sprintf("backup-%s-%d.zip", target, now.UnixNano()))
	if err := archive.CreateZip(dir, local); err != nil {
		return fmt.Errorf("failed to archive the corpus: %w", err)
	}
	defer os.Remove(local)
	date := now.UTC().Format("2006-01-02")
	for _, name := range []string{date, LatestBackupName} {
		if err := client.WriteFile(ctx, local, BackupPath(backupBucket, engine, target, name)); err != nil {
			return fmt.Errorf("failed to upload the corpus backup: %w", err)
		}
	}
	return nil
}
