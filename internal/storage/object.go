/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package storage reads media objects from object storage origins.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrObjectNotFound is returned when the origin has no such object.
var ErrObjectNotFound = errors.New("storage: object not found")

// Object is a fetched media payload.
type Object struct {
	Data        []byte
	ContentType string
}

// ObjectStore abstracts object storage reads.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) (Object, error)
}

// ParseObjectURL splits "s3://bucket/path/to/key" into bucket and key.
func ParseObjectURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse object url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("unsupported object url scheme %q", u.Scheme)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("object url %q needs a bucket and a key", raw)
	}
	return bucket, key, nil
}
