package filestorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
)

type S3FileStorage struct {
	client *s3.Client
	cfg    *config.S3Config
}

func NewS3FileStorage(ctx context.Context, cfg *config.S3Config) (*S3FileStorage, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 config is not set", config.ErrInvalidConfig)
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			endpoint := cfg.EndpointURL
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		}
	})
	return &S3FileStorage{client: client, cfg: cfg}, nil
}

func (u *S3FileStorage) objectKey(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if folder := strings.Trim(u.cfg.Folder, "/"); folder != "" {
		key = folder + "/" + key
	}
	return key, nil
}

// Upload stores the file privately; run folders can contain children's input.
func (u *S3FileStorage) Upload(ctx context.Context, file FileInfo) (string, error) {
	key, err := u.objectKey(file.Key)
	if err != nil {
		return "", err
	}
	mtype := file.ContentType
	if mtype == "" {
		mtype = mimetype.Detect(file.Content).String()
	}

	input := s3.PutObjectInput{
		Key:         &key,
		ContentType: &mtype,
		Bucket:      &u.cfg.Bucket,
		Body:        bytes.NewReader(file.Content),
		ACL:         s3types.ObjectCannedACLPrivate,
	}
	if _, err := u.client.PutObject(ctx, &input); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	if u.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimSuffix(u.cfg.PublicURL, "/"), key), nil
	}
	return fmt.Sprintf("s3://%s/%s", u.cfg.Bucket, key), nil
}

func (u *S3FileStorage) UploadMultiple(ctx context.Context, files []FileInfo) ([]string, error) {
	return uploadAll(ctx, u, files)
}

func (u *S3FileStorage) GetFile(ctx context.Context, key string) (*FileInfo, error) {
	objKey, err := u.objectKey(key)
	if err != nil {
		return nil, err
	}

	object, err := u.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &u.cfg.Bucket, Key: &objKey})
	if err != nil {
		var missing *s3types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, key)
		}
		return nil, err
	}
	defer object.Body.Close()

	content, err := io.ReadAll(object.Body)
	if err != nil {
		return nil, err
	}
	info := &FileInfo{Key: key, Content: content}
	if object.ContentType != nil {
		info.ContentType = *object.ContentType
	}
	return info, nil
}
