// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/logs"
	"github.com/pingu-fuzz/pingu-bot/pkg/storage"
)

// Oversized fuzzer logs get their middle cut before upload.
const maxLogSize = 1 << 20

const dateLayout = "2006-01-02"

// Uploader writes run records and fuzzer logs into the stats and logs
// buckets. All records of one call must belong to the same fuzzer and kind;
// records are split per UTC day since runs can bleed into the next day.
type Uploader struct {
	client     *storage.Client
	bucket     string
	logsBucket string
	logger     zerolog.Logger
	rand       *rand.Rand
}

func NewUploader(client *storage.Client, bucket, logsBucket string, logger zerolog.Logger) *Uploader {
	return &Uploader{
		client:     client,
		bucket:     bucket,
		logsBucket: logsBucket,
		logger:     logs.Component(logger, "stats"),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Upload stores the records as newline-delimited JSON under
// /{bucket}/{fuzzer}/{job}/{kind}/{day}/{name}.json.
func (u *Uploader) Upload(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return fmt.Errorf("empty stats")
	}
	kind := records[0].Base().Kind
	fuzzer := records[0].Base().Fuzzer
	job := records[0].Base().Job
	name := fmt.Sprintf("%016x.json", u.rand.Uint64())

	sorted := append([]Record{}, records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Base().Timestamp < sorted[j].Base().Timestamp
	})
	byDay := map[string][]Record{}
	var days []string
	for _, record := range sorted {
		day := record.Base().Time().Format(dateLayout)
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], record)
	}
	for _, day := range days {
		var body bytes.Buffer
		for i, record := range byDay[day] {
			if i > 0 {
				body.WriteByte('\n')
			}
			line, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("failed to serialize a %s record: %w", kind, err)
			}
			body.Write(line)
		}
		path := fmt.Sprintf("/%s/%s/%s/%s/%s/%s", u.bucket, fuzzer, job, kind, day, name)
		if err := u.client.WriteData(ctx, path, body.Bytes()); err != nil {
			return fmt.Errorf("failed to upload %s stats: %w", kind, err)
		}
		u.logger.Debug().Str("path", path).Int("records", len(byDay[day])).
			Msg("uploaded stats")
	}
	return nil
}

// UploadLog stores one fuzzer log under
// /{bucket}/{fuzzer}/{job}/{day}/{HH:MM:SS:microseconds}.log.gz.
// The ".gz" suffix makes the storage layer compress the body.
func (u *Uploader) UploadLog(ctx context.Context, fuzzer, job string, logTime time.Time, content []byte) error {
	logTime = logTime.UTC()
	name := fmt.Sprintf("%s:%06d.log.gz", logTime.Format("15:04:05"), logTime.Nanosecond()/1000)
	path := fmt.Sprintf("/%s/%s/%s/%s/%s",
		u.logsBucket, fuzzer, job, logTime.Format(dateLayout), name)
	err := u.client.WriteData(ctx, path, logs.TruncateMiddle(content, maxLogSize))
	if err != nil {
		return fmt.Errorf("failed to upload fuzzer log: %w", err)
	}
	return nil
}

// LogHeader renders the preamble of an uploaded fuzzer log.
func LogHeader(command, botName string, revision, returnCode int, timeExecuted time.Duration) string {
	return fmt.Sprintf(
		"Component revisions (build r%d):\nNot available.\n\nBot name: %s\nReturn code: %d\n\nCommand: %s\nTime ran: %.2fs\n",
		revision, botName, returnCode, command, timeExecuted.Seconds())
}
