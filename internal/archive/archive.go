package archive

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

// Archiver keeps a copy of a message before it is permanently removed.
type Archiver interface {
	Archive(ctx context.Context, entity models.Entity, msg models.DeadLetterMessage) error
	Close() error
}

type record struct {
	RunID      string                   `json:"run_id"`
	Entity     models.Entity            `json:"entity"`
	Message    models.DeadLetterMessage `json:"message"`
	ArchivedAt time.Time                `json:"archived_at"`
}

// BlobArchiver writes one object per message. Each object is committed
// before Archive returns, so a message is never completed while its copy is
// still buffered.
type BlobArchiver struct {
	bucket *blob.Bucket
	runID  string
}

// Open opens the bucket at url, e.g. file:///var/dlq-archive or
// s3://bucket?region=eu-west-1.
func Open(ctx context.Context, url, runID string) (*BlobArchiver, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open archive bucket: %w", err)
	}
	return NewBlobArchiver(bucket, runID), nil
}

func NewBlobArchiver(bucket *blob.Bucket, runID string) *BlobArchiver {
	return &BlobArchiver{
		bucket: bucket,
		runID:  runID,
	}
}

func (a *BlobArchiver) Archive(ctx context.Context, entity models.Entity, msg models.DeadLetterMessage) error {
	data, err := json.Marshal(record{
		RunID:      a.runID,
		Entity:     entity,
		Message:    msg,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal message %s: %w", models.ErrArchive, msg.MessageID, err)
	}

	//nolint: exhaustruct // optional config
	err = a.bucket.WriteAll(ctx, ObjectKey(a.runID, entity, msg), data, &blob.WriterOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("%w: write message %s: %w", models.ErrArchive, msg.MessageID, err)
	}
	return nil
}

func (a *BlobArchiver) Close() error {
	if err := a.bucket.Close(); err != nil {
		return fmt.Errorf("close archive bucket: %w", err)
	}
	return nil
}

// ObjectKey is <runID>/<entity path with / replaced by _>/<sequence>.json.
func ObjectKey(runID string, entity models.Entity, msg models.DeadLetterMessage) string {
	entityKey := strings.NewReplacer("/", "_", "$", "").Replace(entity.Path)
	id := strconv.FormatUint(msg.SequenceNumber, 10)
	if msg.SequenceNumber == 0 {
		id = msg.MessageID
	}
	return runID + "/" + entityKey + "/" + id + ".json"
}
