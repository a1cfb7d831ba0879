package segment

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"
)

// WriteDeletes persists the deleted ordinals of a segment as a roaring bitmap.
func WriteDeletes(dir, name string, deleted *roaring.Bitmap, sync bool) error {
	var buf bytes.Buffer
	if _, err := deleted.WriteTo(&buf); err != nil {
		return fmt.Errorf("encoding deletes %s: %w", name, err)
	}
	return writeFileAtomic(dir, name, buf.Bytes(), sync)
}

// ReadDeletes loads a bitmap written by WriteDeletes.
func ReadDeletes(dir, name string) (*roaring.Bitmap, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading deletes %s: %w", name, err)
	}
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decoding deletes %s: %w", name, err)
	}
	return bm, nil
}
