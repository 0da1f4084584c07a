package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// ArchiveTarget is a parsed archive destination: "s3://bucket/prefix" for
// object storage, anything else for a directory on disk.
type ArchiveTarget struct {
	Store  ObjectStore
	Bucket string
	Prefix string
}

func ParseArchiveTarget(target string, s3cfg S3ClientConfig) (ArchiveTarget, error) {
	if strings.HasPrefix(target, "s3://") {
		rest := strings.TrimPrefix(target, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return ArchiveTarget{}, fmt.Errorf("archive target %s has no bucket", target)
		}

		store, err := NewS3ObjectStore(s3cfg)
		if err != nil {
			return ArchiveTarget{}, err
		}
		return ArchiveTarget{Store: store, Bucket: bucket, Prefix: prefix}, nil
	}

	store, err := NewLocalObjectStore(filepath.Dir(target))
	if err != nil {
		return ArchiveTarget{}, err
	}
	return ArchiveTarget{Store: store, Bucket: filepath.Base(target)}, nil
}

// ArchiveStudy copies a study's save path (trial work dirs, logs, reports)
// to the archive destination.
func ArchiveStudy(ctx context.Context, target ArchiveTarget, studyName, savePath string) error {
	if err := target.Store.CreateBucket(ctx, target.Bucket); err != nil {
		return err
	}

	prefix := studyName
	if target.Prefix != "" {
		prefix = target.Prefix + "/" + studyName
	}

	if err := target.Store.UploadDir(ctx, target.Bucket, prefix, savePath); err != nil {
		return fmt.Errorf("error archiving study %s: %w", studyName, err)
	}

	slog.Info("archived study artifacts", "study", studyName, "bucket", target.Bucket, "prefix", prefix)
	return nil
}
