// Package s3 persists canvas documents in S3-compatible object storage,
// one JSON object per canvas.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/docstore"
)

// Config controls the S3 document store.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
}

// Store implements docstore.Store over a bucket.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New builds the minio client from cfg. Credentials resolve through the
// usual environment and IAM chain unless CustomCreds is set.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) objectKey(canvasID string) string {
	return path.Join(s.cfg.Prefix, "canvases", canvasID+".json")
}

// Load fetches and decodes the document object for canvasID.
func (s *Store) Load(ctx context.Context, canvasID string) (api.Document, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.objectKey(canvasID), minio.GetObjectOptions{})
	if err != nil {
		return api.Document{}, fmt.Errorf("s3: get %s: %w", canvasID, err)
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return api.Document{}, docstore.ErrNotFound
		}
		return api.Document{}, fmt.Errorf("s3: read %s: %w", canvasID, err)
	}
	var doc api.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return api.Document{}, fmt.Errorf("s3: decode %s: %w", canvasID, err)
	}
	return doc, nil
}

// Save encodes and uploads the document object.
func (s *Store) Save(ctx context.Context, doc api.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("s3: encode %s: %w", doc.CanvasID, err)
	}
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, s.objectKey(doc.CanvasID),
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", doc.CanvasID, err)
	}
	return nil
}

// Delete removes the document object; a missing key is not an error.
func (s *Store) Delete(ctx context.Context, canvasID string) error {
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.objectKey(canvasID), minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("s3: delete %s: %w", canvasID, err)
	}
	return nil
}

// Close is a no-op; the minio client holds no persistent connections.
func (s *Store) Close() error { return nil }

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == 404
	}
	return false
}
