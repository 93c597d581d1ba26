// Package filestorage is where finished run folders are mirrored to.
package filestorage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrInvalidKey   = errors.New("invalid storage key")
)

type FileInfo struct {
	Key         string
	Content     []byte
	ContentType string
}

type FileStorage interface {
	Upload(ctx context.Context, file FileInfo) (string, error)
	UploadMultiple(ctx context.Context, files []FileInfo) ([]string, error)
	GetFile(ctx context.Context, key string) (*FileInfo, error)
}

func NewFileInfo(key string, content []byte) FileInfo {
	return FileInfo{
		Key:         key,
		Content:     content,
		ContentType: mimetype.Detect(content).String(),
	}
}

func NewFileStorage(ctx context.Context, cfg *config.Config) (FileStorage, error) {
	switch strings.ToLower(cfg.Filesystem) {
	case config.FilesystemLocal, "":
		return NewLocalFileStorage(cfg.Archive.Dir)
	case config.FilesystemS3:
		return NewS3FileStorage(ctx, cfg.S3)
	}
	return nil, fmt.Errorf("%w: invalid filesystem type %s", config.ErrInvalidConfig, cfg.Filesystem)
}

// cleanKey rejects keys that would escape the storage root.
func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(strings.ReplaceAll(key, "\\", "/"), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return key, nil
}

func uploadAll(ctx context.Context, s FileStorage, files []FileInfo) ([]string, error) {
	out := make([]string, 0, len(files))
	for _, file := range files {
		dest, err := s.Upload(ctx, file)
		if err != nil {
			return out, err
		}
		out = append(out, dest)
	}
	return out, nil
}
