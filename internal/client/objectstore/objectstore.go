// Package objectstore adapts AWS S3 into the media.Uploader and
// aggregator.Sink interfaces, giving processed images and final reports
// a durable home.
package objectstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI captures the subset of the S3 client the store calls, so
// tests can substitute a fake.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store uploads objects to a single S3 bucket under a fixed prefix,
// returning the object's public-style URL.
type Store struct {
	api    PutObjectAPI
	bucket string
	prefix string
}

// New constructs a Store targeting bucket, prefixing every key with
// prefix (e.g. "content-pipeline/").
func New(api PutObjectAPI, bucket, prefix string) *Store {
	return &Store{api: api, bucket: bucket, prefix: prefix}
}

// Upload implements media.Uploader: it PUTs data under
// "{prefix}{workflowID}/{filename}" and returns the resulting object
// URL.
func (s *Store) Upload(ctx context.Context, workflowID, filename string, data []byte) (string, error) {
	key := fmt.Sprintf("%s%s/%s", s.prefix, workflowID, filename)
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("objectstore upload %s: %w", key, err)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, key), nil
}

// PutReport implements aggregator.Sink: it writes the JSON report under
// "{prefix}reports/{workflowID}.json".
func (s *Store) PutReport(ctx context.Context, workflowID string, report []byte) error {
	key := fmt.Sprintf("%sreports/%s.json", s.prefix, workflowID)
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(report),
	})
	if err != nil {
		return fmt.Errorf("objectstore put report %s: %w", key, err)
	}
	return nil
}

// PutContentFile implements aggregator.Sink: it writes one generated
// content-item file under "{prefix}{workflowID}/content/{filename}".
func (s *Store) PutContentFile(ctx context.Context, workflowID, filename string, body []byte) error {
	key := fmt.Sprintf("%s%s/content/%s", s.prefix, workflowID, filename)
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("objectstore put content file %s: %w", key, err)
	}
	return nil
}
