package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// PutJSON encodes val and writes it at path.
func PutJSON(ctx context.Context, s Store, path string, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return s.Write(ctx, path, data)
}

// GetJSON reads path and decodes it into out.
func GetJSON(ctx context.Context, s Store, path string, out any) error {
	data, err := s.Read(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
