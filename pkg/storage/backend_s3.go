// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package storage

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3Backend talks to any S3-compatible endpoint. The default deployment is
// MinIO, which requires path-style addressing.
type s3Backend struct {
	client *s3.Client
}

// MinIO does not care about the region, but the SDK insists on one.
const s3Region = "us-east-1"

func makeS3Backend(ctx context.Context, host, accessKey, secretKey string) (*s3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(s3Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, err
	}
	endpoint := host
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &s3Backend{client: client}, nil
}

func (be *s3Backend) upload(ctx context.Context, req *uploadRequest) error {
	bucket, key := SplitPath(req.path)
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   req.reader,
	}
	if req.contentType != "" {
		input.ContentType = aws.String(req.contentType)
	}
	if len(req.metadata) > 0 {
		input.Metadata = req.metadata
	}
	_, err := be.client.PutObject(ctx, input)
	if isNoSuchBucket(err) {
		if err := be.ensureBucket(ctx, bucket); err != nil {
			return err
		}
		_, err = be.client.PutObject(ctx, input)
	}
	return err
}

func (be *s3Backend) ensureBucket(ctx context.Context, bucket string) error {
	_, err := be.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return nil
	}
	return err
}

func (be *s3Backend) read(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, key := SplitPath(path)
	resp, err := be.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, ErrObjectDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (be *s3Backend) stat(ctx context.Context, path string) (*Attrs, error) {
	bucket, key := SplitPath(path)
	resp, err := be.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, ErrObjectDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	attrs := &Attrs{
		Size:     aws.ToInt64(resp.ContentLength),
		Metadata: resp.Metadata,
	}
	if resp.LastModified != nil {
		attrs.UpdatedAt = *resp.LastModified
	}
	return attrs, nil
}

func (be *s3Backend) list(ctx context.Context, prefix string) ([]Object, error) {
	bucket, keyPrefix := SplitPath(prefix)
	paginator := s3.NewListObjectsV2Paginator(be.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(keyPrefix),
	})
	var ret []Object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if isNoSuchBucket(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			item := Object{
				Path: bucket + "/" + aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				item.UpdatedAt = *obj.LastModified
			}
			ret = append(ret, item)
		}
	}
	return ret, nil
}

func (be *s3Backend) remove(ctx context.Context, path string) error {
	bucket, key := SplitPath(path)
	// S3 deletes are idempotent, so probe first to report missing objects.
	if _, err := be.stat(ctx, path); err != nil {
		return err
	}
	_, err := be.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func isNoSuchBucket(err error) bool {
	if err == nil {
		return false
	}
	var noSuchBucket *types.NoSuchBucket
	return errors.As(err, &noSuchBucket)
}
