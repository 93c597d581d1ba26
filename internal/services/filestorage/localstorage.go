package filestorage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type LocalFileStorage struct {
	root string
}

func NewLocalFileStorage(root string) (*LocalFileStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage needs a directory")
	}
	if err := os.MkdirAll(root, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", root, err)
	}
	return &LocalFileStorage{root: root}, nil
}

func (u *LocalFileStorage) Upload(ctx context.Context, file FileInfo) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := cleanKey(file.Key)
	if err != nil {
		return "", err
	}

	filedest := filepath.Join(u.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(filedest), os.ModePerm); err != nil {
		return "", err
	}
	if err := os.WriteFile(filedest, file.Content, os.FileMode(0644)); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", filedest, err)
	}
	return filedest, nil
}

func (u *LocalFileStorage) UploadMultiple(ctx context.Context, files []FileInfo) ([]string, error) {
	return uploadAll(ctx, u, files)
}

func (u *LocalFileStorage) GetFile(_ context.Context, key string) (*FileInfo, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(filepath.Join(u.root, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return &FileInfo{Key: key, Content: content}, nil
}
