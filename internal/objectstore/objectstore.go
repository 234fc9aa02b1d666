// Package objectstore issues pre-signed S3 URLs per the per-artifact
// policy table of §4.10. Issuing a URL creates no state beyond a log line;
// the metadata endpoint that follows a successful client PUT is what
// actually records a row, and it re-validates the key against the policy
// that minted it.
package objectstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Kind is one of the closed set of artifact kinds §4.10 defines.
type Kind string

const (
	KindPhoto     Kind = "photo"
	KindSignature Kind = "signature"
	KindDocument  Kind = "document"
)

// Policy is the per-kind size/type/TTL contract.
type Policy struct {
	MaxSizeBytes  int64
	AllowedTypes  map[string]string // MIME type -> file extension
	URLTTL        time.Duration
	Bucket        func(buckets Buckets) string
}

// Buckets names the three S3 buckets configured per §5/config.
type Buckets struct {
	Photos      string
	Signatures  string
	Documents   string
}

var policies = map[Kind]Policy{
	KindPhoto: {
		MaxSizeBytes: 10 << 20,
		AllowedTypes: map[string]string{
			"image/jpeg": "jpg",
			"image/png":  "png",
			"image/heic": "heic",
		},
		URLTTL: 60 * time.Minute,
		Bucket: func(b Buckets) string { return b.Photos },
	},
	KindSignature: {
		MaxSizeBytes: 1 << 20,
		AllowedTypes: map[string]string{
			"image/png": "png",
		},
		URLTTL: 10 * time.Minute,
		Bucket: func(b Buckets) string { return b.Signatures },
	},
	KindDocument: {
		MaxSizeBytes: 25 << 20,
		AllowedTypes: map[string]string{
			"application/pdf": "pdf",
		},
		URLTTL: 60 * time.Minute,
		Bucket: func(b Buckets) string { return b.Documents },
	},
}

// PolicyFor returns the policy for kind, or false if kind is unknown.
func PolicyFor(k Kind) (Policy, bool) {
	p, ok := policies[k]
	return p, ok
}

// Validate checks a requested mime type and size against kind's policy,
// returning the file extension to use in the object key on success.
func (p Policy) Validate(mimeType string, size int64) (ext string, err error) {
	if size <= 0 || size > p.MaxSizeBytes {
		return "", fmt.Errorf("objectstore: size %d exceeds policy max %d", size, p.MaxSizeBytes)
	}
	ext, ok := p.AllowedTypes[mimeType]
	if !ok {
		return "", fmt.Errorf("objectstore: mime type %q not permitted", mimeType)
	}
	return ext, nil
}

// UploadGrant is a single issued upload capability.
type UploadGrant struct {
	UploadURL string
	Key       string
	ExpiresAt time.Time
}

// Gateway issues pre-signed PUT URLs via an S3 PresignClient (§4.10).
type Gateway struct {
	presign *s3.PresignClient
	buckets Buckets
}

func New(client *s3.Client, buckets Buckets) *Gateway {
	return &Gateway{presign: s3.NewPresignClient(client), buckets: buckets}
}

// IssuePhotoUpload mints a pre-signed PUT URL for a caregiver photo.
func (g *Gateway) IssuePhotoUpload(ctx context.Context, userID, mimeType string, size int64) (UploadGrant, error) {
	policy, _ := PolicyFor(KindPhoto)
	ext, err := policy.Validate(mimeType, size)
	if err != nil {
		return UploadGrant{}, err
	}
	key := fmt.Sprintf("photos/%s/%d-%s.%s", userID, time.Now().UTC().UnixMilli(), uuid.NewString(), ext)
	return g.issue(ctx, policy, key, mimeType)
}

// IssueSignatureUpload mints a pre-signed PUT URL for a visit signature.
// signatureType is e.g. "client" or "caregiver" (§6 naming convention).
func (g *Gateway) IssueSignatureUpload(ctx context.Context, visitID, signatureType, mimeType string, size int64) (UploadGrant, error) {
	policy, _ := PolicyFor(KindSignature)
	_, err := policy.Validate(mimeType, size)
	if err != nil {
		return UploadGrant{}, err
	}
	key := fmt.Sprintf("visits/%s/signatures/%s-%d.png", visitID, signatureType, time.Now().UTC().UnixMilli())
	return g.issue(ctx, policy, key, mimeType)
}

// IssueDocumentUpload mints a pre-signed PUT URL for a staff document.
func (g *Gateway) IssueDocumentUpload(ctx context.Context, userID, mimeType string, size int64) (UploadGrant, error) {
	policy, _ := PolicyFor(KindDocument)
	ext, err := policy.Validate(mimeType, size)
	if err != nil {
		return UploadGrant{}, err
	}
	key := fmt.Sprintf("documents/%s/%d-%s.%s", userID, time.Now().UTC().UnixMilli(), uuid.NewString(), ext)
	return g.issue(ctx, policy, key, mimeType)
}

func (g *Gateway) issue(ctx context.Context, policy Policy, key, mimeType string) (UploadGrant, error) {
	bucket := policy.Bucket(g.buckets)
	req, err := g.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(mimeType),
	}, s3.WithPresignExpires(policy.URLTTL))
	if err != nil {
		return UploadGrant{}, err
	}

	log.Info().Str("bucket", bucket).Str("key", key).Msg("object storage upload url issued")

	return UploadGrant{
		UploadURL: req.URL,
		Key:       key,
		ExpiresAt: time.Now().UTC().Add(policy.URLTTL),
	}, nil
}

// ValidateKeyScope checks that a client-supplied key matches the prefix
// expected for the given visit/user scope, rejecting keys copied from an
// unrelated upload (§4.10 "validates that the provided key matches
// expected path prefix and visit scope").
func ValidateKeyScope(kind Kind, key, scopeID string) error {
	var prefix string
	switch kind {
	case KindPhoto:
		prefix = fmt.Sprintf("photos/%s/", scopeID)
	case KindDocument:
		prefix = fmt.Sprintf("documents/%s/", scopeID)
	case KindSignature:
		prefix = fmt.Sprintf("visits/%s/signatures/", scopeID)
	default:
		return fmt.Errorf("objectstore: unknown kind %q", kind)
	}
	if !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("objectstore: key %q does not match expected scope prefix %q", key, prefix)
	}
	return nil
}
