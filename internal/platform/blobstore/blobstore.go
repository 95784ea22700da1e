// Package blobstore stores signed lab reports. The MinIO store is used in
// deployments; the in-memory store backs tests and local development.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxReportSize bounds a single report upload (20 MB).
const MaxReportSize = 20 * 1024 * 1024

// AllowedContentTypes lists the formats analyzers and scanners produce.
var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"text/plain":      true,
}

// Object describes a stored report.
type Object struct {
	Key         string    `json:"key"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	VisitID     uuid.UUID `json:"visit_id"`
	LabOrderID  uuid.UUID `json:"lab_order_id"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the contract both backends implement.
type Store interface {
	Put(ctx context.Context, obj Object, content io.Reader) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ReportKey builds the object key of a lab report.
func ReportKey(visitID, labOrderID uuid.UUID, fileName string) string {
	return path.Join("lab-reports", visitID.String(), labOrderID.String(), uuid.NewString()+"-"+path.Base(fileName))
}

// Validate checks the metadata of an upload before any bytes are read.
func Validate(obj Object) error {
	if strings.TrimSpace(obj.FileName) == "" {
		return ErrMissingFileName
	}
	ct := obj.ContentType
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if !AllowedContentTypes[ct] {
		return fmt.Errorf("%w: %s", ErrInvalidContentType, obj.ContentType)
	}
	return nil
}

// readLimited reads content fully and rejects oversized uploads.
func readLimited(content io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxReportSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxReportSize {
		return nil, "", ErrFileTooLarge
	}
	return data, fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

type storedObject struct {
	meta    Object
	content []byte
}

// MemoryStore keeps reports in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

func (s *MemoryStore) Put(_ context.Context, obj Object, content io.Reader) (*Object, error) {
	if err := Validate(obj); err != nil {
		return nil, err
	}
	data, hash, err := readLimited(content)
	if err != nil {
		return nil, err
	}
	if obj.Key == "" {
		obj.Key = ReportKey(obj.VisitID, obj.LabOrderID, obj.FileName)
	}
	obj.Size = int64(len(data))
	obj.Hash = hash
	obj.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.objects[obj.Key] = &storedObject{meta: obj, content: data}
	s.mu.Unlock()

	out := obj
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	o, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	meta := o.meta
	return io.NopCloser(bytes.NewReader(o.content)), &meta, nil
}

func (s *MemoryStore) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrObjectNotFound
	}
	return "memory:///" + url.PathEscape(key), nil
}
