package store

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	CredsTypeFileMinio = "file_minio"
	CredsTypeFileAWS   = "file_aws"
	CredsTypeAccessKey = "access_key"
	CredsTypeIAM       = "iam"
)

// S3Options selects the S3-compatible endpoint holding the message
// bodies. Objects are expected under <objectPrefix><id>.eml, mirroring
// the fs driver layout.
type S3Options struct {
	Endpoint     string
	Secure       bool
	Bucket       string
	ObjectPrefix string
	Region       string

	// CredsType is one of the CredsType* constants, defaulting to
	// static access keys.
	CredsType string
	AccessKey string
	SecretKey string
}

// S3 reads message bodies from an S3-compatible object store.
type S3 struct {
	cl           *minio.Client
	bucket       string
	objectPrefix string
}

func NewS3(opts S3Options) (*S3, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("store: s3 endpoint not set")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("store: s3 bucket not set")
	}

	var creds *credentials.Credentials
	switch opts.CredsType {
	case CredsTypeFileMinio:
		creds = credentials.NewFileMinioClient("", "")
	case CredsTypeFileAWS:
		creds = credentials.NewFileAWSCredentials("", "")
	case CredsTypeIAM:
		creds = credentials.NewIAM("")
	case CredsTypeAccessKey, "":
		creds = credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, "")
	default:
		return nil, fmt.Errorf("store: unknown s3 creds type: %s", opts.CredsType)
	}

	cl, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &S3{
		cl:           cl,
		bucket:       opts.Bucket,
		objectPrefix: opts.ObjectPrefix,
	}, nil
}

func (s *S3) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, s.objectPrefix+id+".eml", minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapErr(err)
	}

	// GetObject is lazy and reports a missing key on the first read.
	// Stat forces the request now so the caller can tell "no body" from
	// a transfer error.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.wrapErr(err)
	}
	return obj, nil
}

func (s *S3) wrapErr(err error) error {
	if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		return ErrNoSuchMessage
	}
	return err
}
