package flags

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/tickkit/internal/xerrors"
)

// Source fetches the current settings document.
type Source interface {
	Fetch(ctx context.Context) (Settings, error)
	// Name identifies the source in logs and notifications.
	Name() string
}

// Writer is implemented by sources that can persist settings. Toggle and
// Reset write through it when the source supports it.
type Writer interface {
	Write(ctx context.Context, s Settings) error
}

// SSMAPI is the part of the SSM client SSMSource uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSMSource reads settings JSON from an SSM parameter, decrypting SecureStrings.
type SSMSource struct {
	Client SSMAPI
	Param  string
}

func (s *SSMSource) Name() string { return "ssm:" + s.Param }

func (s *SSMSource) Fetch(ctx context.Context) (Settings, error) {
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.Param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Settings{}, xerrors.Wrapf(err, "get SSM parameter %s", s.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return Settings{}, xerrors.Newf("SSM parameter %s has no value", s.Param)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return Settings{}, xerrors.Newf("SSM parameter %s is empty", s.Param)
	}
	st, err := Decode([]byte(v))
	if err != nil {
		return Settings{}, xerrors.Wrapf(err, "decode SSM parameter %s", s.Param)
	}
	return st, nil
}

func (s *SSMSource) Write(ctx context.Context, st Settings) error {
	b, err := Encode(st)
	if err != nil {
		return xerrors.Wrap(err, "encode settings")
	}
	_, err = s.Client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(s.Param),
		Value:     aws.String(string(b)),
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put SSM parameter %s", s.Param)
	}
	return nil
}

// S3API is the part of the S3 client S3Source uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// maxDocumentBytes bounds a settings object read from S3
const maxDocumentBytes = 1 << 20

// S3Source reads settings JSON from s3://Bucket/Key. It is read-only.
type S3Source struct {
	Client S3API
	Bucket string
	Key    string
}

func (s *S3Source) Name() string { return fmt.Sprintf("s3://%s/%s", s.Bucket, s.Key) }

func (s *S3Source) Fetch(ctx context.Context) (Settings, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return Settings{}, xerrors.Wrapf(err, "get S3 object %s", s.Name())
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, maxDocumentBytes+1))
	if err != nil {
		return Settings{}, xerrors.Wrapf(err, "read S3 object %s", s.Name())
	}
	if len(b) > maxDocumentBytes {
		return Settings{}, xerrors.Newf("S3 object %s exceeds %d bytes", s.Name(), maxDocumentBytes)
	}
	st, err := Decode(b)
	if err != nil {
		return Settings{}, xerrors.Wrapf(err, "decode S3 object %s", s.Name())
	}
	return st, nil
}

// FileSource reads and writes a local JSON file. A missing file reads as Defaults.
type FileSource struct {
	Path string

	mu sync.Mutex
}

func (f *FileSource) Name() string { return "file:" + f.Path }

func (f *FileSource) Fetch(context.Context) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return Defaults(), nil
	}
	if err != nil {
		return Settings{}, xerrors.Wrapf(err, "read settings file %s", f.Path)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return Defaults(), nil
	}
	st, err := Decode(b)
	if err != nil {
		return Settings{}, xerrors.Wrapf(err, "decode settings file %s", f.Path)
	}
	return st, nil
}

// Write replaces the file atomically through a temp file and rename.
func (f *FileSource) Write(_ context.Context, st Settings) error {
	b, err := Encode(st)
	if err != nil {
		return xerrors.Wrap(err, "encode settings")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".settings-*.json")
	if err != nil {
		return xerrors.Wrap(err, "create temp settings file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return xerrors.Wrap(err, "write temp settings file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return xerrors.Wrap(err, "close temp settings file")
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		os.Remove(tmpPath)
		return xerrors.Wrapf(err, "replace settings file %s", f.Path)
	}
	return nil
}

// StaticSource always returns the same settings. Used when no source is
// configured and in tests.
type StaticSource struct {
	Settings Settings
}

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) Fetch(context.Context) (Settings, error) { return s.Settings.clone(), nil }
