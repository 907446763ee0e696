package storage

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// BlobRef identifies a stored blob by content hash.
type BlobRef struct {
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// HashBytes returns the lowercase hex digest used for content addressing.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ExtensionForMime maps a MIME type to the blob file extension. Unknown
// types fall back to "bin".
func ExtensionForMime(mimeType string) string {
	switch mimeType {
	case "text/plain":
		return "txt"
	case "application/json":
		return "json"
	case "audio/mpeg":
		return "mp3"
	case "audio/wav", "audio/x-wav":
		return "wav"
	case "video/mp4":
		return "mp4"
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	default:
		return "bin"
	}
}

// BlobPath composes the storage path for a blob:
// <movieID>/blobs/<first-2-hex>/<hash>.<ext>.
func BlobPath(movieID, hash, mimeType string) (string, error) {
	if len(hash) < 2 {
		return "", fmt.Errorf("blob hash too short: %q", hash)
	}
	return JoinPath(movieID, "blobs", hash[:2], hash+"."+ExtensionForMime(mimeType))
}

// BlobStore persists write-once content-addressed blobs through a Context.
type BlobStore struct {
	store Context
}

func NewBlobStore(store Context) *BlobStore {
	return &BlobStore{store: store}
}

// Put writes the blob at its content hash. Writing bytes that already exist
// is a no-op; the returned ref is identical either way.
func (s *BlobStore) Put(ctx context.Context, movieID string, data []byte, mimeType string) (BlobRef, error) {
	ref := BlobRef{
		Hash:     HashBytes(data),
		Size:     int64(len(data)),
		MimeType: mimeType,
	}
	p, err := BlobPath(movieID, ref.Hash, mimeType)
	if err != nil {
		return BlobRef{}, err
	}
	exists, err := s.store.Exists(ctx, p)
	if err != nil {
		return BlobRef{}, err
	}
	if exists {
		return ref, nil
	}
	if err := s.store.Write(ctx, p, data, WriteOptions{MimeType: mimeType}); err != nil {
		return BlobRef{}, err
	}
	return ref, nil
}

// Get loads blob bytes for a ref.
func (s *BlobStore) Get(ctx context.Context, movieID string, ref BlobRef) ([]byte, error) {
	p, err := BlobPath(movieID, ref.Hash, ref.MimeType)
	if err != nil {
		return nil, err
	}
	return s.store.ReadBytes(ctx, p)
}

// Exists reports whether the blob for ref is present.
func (s *BlobStore) Exists(ctx context.Context, movieID string, ref BlobRef) (bool, error) {
	p, err := BlobPath(movieID, ref.Hash, ref.MimeType)
	if err != nil {
		return false, err
	}
	return s.store.Exists(ctx, p)
}
