package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DirSource reads staged files from a directory. Locations are relative to
// the directory and cannot escape it.
type DirSource struct {
	root *os.Root
}

func NewDirSource(dir string) (*DirSource, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open staging dir: %w", err)
	}
	return &DirSource{root: root}, nil
}

func (s *DirSource) Open(_ context.Context, location string) (io.ReadCloser, int64, error) {
	f, err := s.root.Open(strings.TrimPrefix(location, "/"))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", location)
	}
	return f, info.Size(), nil
}

func (s *DirSource) Close() error {
	return s.root.Close()
}

// DirStore writes objects below a directory, creating intermediate
// directories from the key.
type DirStore struct {
	root *os.Root
}

func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open blob dir: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	dir := path.Dir(key)
	if dir != "." {
		var sofar string
		for _, part := range strings.Split(dir, "/") {
			sofar = path.Join(sofar, part)
			if err := s.root.Mkdir(sofar, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return err
			}
		}
	}

	f, err := s.root.Create(key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		_ = s.root.Remove(key)
		return err
	}
	if err := f.Close(); err != nil {
		_ = s.root.Remove(key)
		return err
	}
	return nil
}

func (s *DirStore) Close() error {
	return s.root.Close()
}

// S3Store uploads objects to a bucket with the multipart upload manager.
type S3Store struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func NewS3Store(cfg aws.Config, bucket, prefix string) *S3Store {
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s/%s: %w", s.bucket, key, err)
	}
	return nil
}
