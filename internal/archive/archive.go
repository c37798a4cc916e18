// Package archive keeps a copy of every captured utterance in object
// storage.
package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"

	"github.com/abishek-ctrl/tutor-ed/internal/audio"
	"github.com/abishek-ctrl/tutor-ed/internal/capture"
)

// DefaultBucket is used when no bucket is configured.
const DefaultBucket = "tutor-utterances"

// Uploader stores one object.
type Uploader interface {
	Upload(key, contentType string, data []byte) error
}

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// bucketStore is the part of the Supabase storage client used here.
type bucketStore interface {
	UploadFile(bucketID, relativePath string, data io.Reader, fileOptions ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
}

// Supabase uploads objects to a Supabase storage bucket.
type Supabase struct {
	storage bucketStore
	bucket  string
}

func NewSupabase(cfg Config) (*Supabase, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create Supabase client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &Supabase{storage: client.Storage, bucket: bucket}, nil
}

// Upload stores data under key with the given content type.
func (s *Supabase) Upload(key, contentType string, data []byte) error {
	opts := storage_go.FileOptions{}
	if contentType != "" {
		opts.ContentType = &contentType
	}
	_, err := s.storage.UploadFile(s.bucket, key, bytes.NewReader(data), opts)
	if err != nil {
		return fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	return nil
}

// Archive writes segments as WAV files keyed <user>/<session>/<ulid>.wav.
type Archive struct {
	up Uploader

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

func New(up Uploader) *Archive {
	return &Archive{up: up, entropy: ulid.Monotonic(rand.Reader, 0), now: time.Now}
}

// Key returns a fresh object key for an utterance.
func (a *Archive) Key(userKey, sessionID string) string {
	a.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(a.now()), a.entropy)
	a.mu.Unlock()
	return fmt.Sprintf("%s/%s/%s.wav", pathSegment(userKey), pathSegment(sessionID), id)
}

func (a *Archive) Archive(ctx context.Context, userKey, sessionID string, seg capture.Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wav, err := audio.SegmentWAV(seg)
	if err != nil {
		return err
	}
	return a.up.Upload(a.Key(userKey, sessionID), "audio/wav", wav)
}

func pathSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "anonymous"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
