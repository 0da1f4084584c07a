//go:build integration
// +build integration

package integrationtests

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hpo-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucketName = "test-bucket"

func setupTestObjectStore(t *testing.T, ctx context.Context) *storage.S3ObjectStore {
	t.Helper()

	endpoint := setupMinioContainer(t, ctx)

	objectStore, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        endpoint,
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)

	require.NoError(t, objectStore.CreateBucket(ctx, bucketName))

	return objectStore
}

func TestS3ObjectStore_PutAndList(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)

	files := []string{"results/trials.csv", "results/best.yml", "other/file.txt"}
	for _, file := range files {
		require.NoError(t, objectStore.PutObject(ctx, bucketName, file, strings.NewReader("content: "+file)))
	}

	objs, err := objectStore.ListObjects(ctx, bucketName, "results")
	require.NoError(t, err)

	names := make([]string, 0, len(objs))
	for _, obj := range objs {
		names = append(names, obj.Name)
	}
	assert.ElementsMatch(t, []string{"results/trials.csv", "results/best.yml"}, names)
}

func TestS3ObjectStore_UploadDownloadDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)

	srcDir := t.TempDir()

	files := []string{"trials.csv", "best.yml", "trials/trial-0/metrics.jsonl"}
	for _, file := range files {
		path := filepath.Join(srcDir, file)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
		require.NoError(t, os.WriteFile(path, []byte("content: "+file), os.ModePerm))
	}

	require.NoError(t, objectStore.UploadDir(ctx, bucketName, "uploaded", srcDir))

	destDir := filepath.Join(t.TempDir(), "download-target")
	require.NoError(t, objectStore.DownloadDir(ctx, bucketName, "uploaded", destDir, false))

	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(destDir, file))
		require.NoError(t, err)
		assert.Equal(t, "content: "+file, string(data))
	}
}

func TestS3ObjectStore_DownloadDir_Overwrite(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)

	destDir := t.TempDir()
	destFile := filepath.Join(destDir, "trials.csv")
	require.NoError(t, os.WriteFile(destFile, []byte("original"), os.ModePerm))

	require.NoError(t, objectStore.PutObject(ctx, bucketName, "src/trials.csv", strings.NewReader("new content")))

	err := objectStore.DownloadDir(ctx, bucketName, "src", destDir, false)
	require.Error(t, err)
	data, err := os.ReadFile(destFile)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data), "File should not be overwritten when overwrite=false")

	require.NoError(t, objectStore.DownloadDir(ctx, bucketName, "src", destDir, true))
	data, err = os.ReadFile(destFile)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(data), "File should be overwritten when overwrite=true")
}

func TestArchiveStudyToS3(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	endpoint := setupMinioContainer(t, ctx)

	target, err := storage.ParseArchiveTarget("s3://archives/completed", storage.S3ClientConfig{
		Endpoint:        endpoint,
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, "archives", target.Bucket)
	assert.Equal(t, "completed", target.Prefix)

	savePath := t.TempDir()
	files := []string{"trials.csv", "best.yml"}
	for _, file := range files {
		require.NoError(t, os.WriteFile(filepath.Join(savePath, file), []byte("content: "+file), os.ModePerm))
	}

	require.NoError(t, storage.ArchiveStudy(ctx, target, "my-study", savePath))

	objs, err := target.Store.ListObjects(ctx, "archives", "completed/my-study")
	require.NoError(t, err)

	names := make([]string, 0, len(objs))
	for _, obj := range objs {
		names = append(names, obj.Name)
	}

	expected := make([]string, 0, len(files))
	for _, file := range files {
		expected = append(expected, fmt.Sprintf("completed/my-study/%s", file))
	}
	assert.ElementsMatch(t, expected, names)
}
