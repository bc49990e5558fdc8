/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package storage

import "testing"

func TestParseObjectURL(t *testing.T) {
	tests := []struct {
		raw     string
		bucket  string
		key     string
		wantErr bool
	}{
		{raw: "s3://signage/lobby/welcome.jpg", bucket: "signage", key: "lobby/welcome.jpg"},
		{raw: "s3://signage/a.mp4", bucket: "signage", key: "a.mp4"},
		{raw: "s3://signage/", wantErr: true},
		{raw: "s3:///key", wantErr: true},
		{raw: "https://cdn.example.com/a.jpg", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			bucket, key, err := ParseObjectURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s/%s", bucket, key)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if bucket != tt.bucket || key != tt.key {
				t.Fatalf("got %s/%s", bucket, key)
			}
		})
	}
}
