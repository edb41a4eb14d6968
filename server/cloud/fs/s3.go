// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package fs

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

type S3Filesystem struct {
	svc          s3iface.S3API
	staticBucket string
}

// DefaultBucket is the static bucket of a deployment stage.
func DefaultBucket(stage string) string {
	return "flopfight-" + stage + "-static"
}

func NewS3Filesystem(session *session.Session, bucket string) (*S3Filesystem, error) {
	return NewS3FilesystemFromIface(s3.New(session), bucket)
}

func NewS3FilesystemFromIface(svc s3iface.S3API, bucket string) (*S3Filesystem, error) {
	if bucket == "" {
		return nil, errors.New("missing bucket")
	}
	return &S3Filesystem{svc: svc, staticBucket: bucket}, nil
}

var s3ContentTypes = map[string]string{
	".json": "application/json",
	".csv":  "text/csv",
}

func (s3Filesystem *S3Filesystem) UploadStaticFile(filename string, secondsCache int, data []byte) error {
	// Patch S3's limited vocabulary of default content types
	var contentType *string
	for ext, mime := range s3ContentTypes {
		if strings.HasSuffix(filename, ext) {
			contentType = aws.String(mime)
			break
		}
	}

	_, err := s3Filesystem.svc.PutObject(&s3.PutObjectInput{
		Bucket:       aws.String(s3Filesystem.staticBucket),
		Key:          aws.String(filename),
		Body:         bytes.NewReader(data),
		CacheControl: aws.String(fmt.Sprintf("no-transform, public, max-age=%d", secondsCache)),
		ContentType:  contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", filename, err)
	}
	return nil
}
