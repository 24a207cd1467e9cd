package types

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// Snapshot hashes are the persisted "prior state" blobs that refreshes
// diff against. They are content, not digests: URL-safe base64 over a
// deflate-compressed JSON serialization, decodable back to the exact
// value that was encoded.

// EncodeEntitySnapshot serializes a resolved entity into its snapshot
// hash form. The entity is sorted first so the encoding is
// deterministic for equal values.
func EncodeEntitySnapshot(e *ResolvedEntity) (string, error) {
	e.Sort()
	return encodeSnapshot(e)
}

// DecodeEntitySnapshot reverses EncodeEntitySnapshot.
func DecodeEntitySnapshot(hash string) (*ResolvedEntity, error) {
	var e ResolvedEntity
	if err := decodeSnapshot(hash, &e); err != nil {
		return nil, fmt.Errorf("decode entity snapshot: %w", err)
	}
	e.Sort()
	return &e, nil
}

// EncodeRelationshipSnapshot serializes a relationship into its
// snapshot hash form.
func EncodeRelationshipSnapshot(r Relationship) (string, error) {
	return encodeSnapshot(r)
}

// DecodeRelationshipSnapshot reverses EncodeRelationshipSnapshot.
func DecodeRelationshipSnapshot(hash string) (Relationship, error) {
	var r Relationship
	if err := decodeSnapshot(hash, &r); err != nil {
		return Relationship{}, fmt.Errorf("decode relationship snapshot: %w", err)
	}
	return r, nil
}

func encodeSnapshot(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("init compressor: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("flush compressor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeSnapshot(hash string, v any) error {
	packed, err := base64.URLEncoding.DecodeString(hash)
	if err != nil {
		return fmt.Errorf("base64: %w", err)
	}
	zr := flate.NewReader(bytes.NewReader(packed))
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("inflate: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
