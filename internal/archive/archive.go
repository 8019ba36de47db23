// Package archive copies every Change record to an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"docengine/api/internal/notify"
	"docengine/api/internal/store"
)

const prefix = "changes/"

// objectStore is the part of *minio.Client the archive uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
}

type Archive struct {
	client objectStore
	bucket string
	log    *zap.Logger
}

// New connects and makes sure the bucket exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	a := newArchive(client, cfg.BucketName, logger)
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func newArchive(client objectStore, bucket string, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{client: client, bucket: bucket, log: logger.Named("archive")}
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	a.log.Info("bucket created", zap.String("bucket", a.bucket))
	return nil
}

// Handle archives Change records and ignores every other event.
func (a *Archive) Handle(ctx context.Context, event notify.Event) error {
	if !event.IsChange() {
		return nil
	}
	_, err := a.Put(ctx, event.Doc)
	return err
}

// Put writes one Change record and returns its object key.
func (a *Archive) Put(ctx context.Context, change store.Doc) (string, error) {
	key, err := ObjectKey(change)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return "", fmt.Errorf("marshal change %s: %w", change.ID(), err)
	}
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"doc-id":   change.String(store.FieldDocID),
			"doc-type": change.String(store.FieldDocType),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload change %s: %w", change.ID(), err)
	}
	return key, nil
}

// Keys lists the archived change keys of one document in key order, which is
// updatedTimeUtc order.
func (a *Archive) Keys(ctx context.Context, docID string) ([]string, error) {
	objects := a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    prefix + url.PathEscape(docID) + "/",
		Recursive: true,
	})
	keys := make([]string, 0)
	for object := range objects {
		if object.Err != nil {
			return nil, fmt.Errorf("list changes of %s: %w", docID, object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

// ObjectKey is changes/<docId>/<updatedTimeUtc>-<changeId>.json. The time is
// zero padded so lexical order matches time order.
func ObjectKey(change store.Doc) (string, error) {
	docID := change.String(store.FieldDocID)
	if change.ID() == "" || docID == "" {
		return "", fmt.Errorf("change record needs _id and docId: %w", store.ErrMissingID)
	}
	var key strings.Builder
	key.WriteString(prefix)
	key.WriteString(url.PathEscape(docID))
	key.WriteByte('/')
	stamp := strconv.FormatInt(change.UpdatedTime(), 10)
	if pad := 13 - len(stamp); pad > 0 {
		key.WriteString(strings.Repeat("0", pad))
	}
	key.WriteString(stamp)
	key.WriteByte('-')
	key.WriteString(url.PathEscape(change.ID()))
	key.WriteString(".json")
	return key.String(), nil
}
