package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

const zstdExt = ".zst"

// FS stores blobs as files under Root/<folder>/<id>, optionally zstd
// compressed. URLs point at the admin server's /blobs route.
type FS struct {
	Root      string
	PublicURL string
	Compress  bool
}

// NewFS creates the root directory and returns the backend.
func NewFS(root, publicURL string, compress bool) (*FS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &FS{Root: root, PublicURL: strings.TrimRight(publicURL, "/"), Compress: compress}, nil
}

func (f *FS) file(folder, id string) (string, error) {
	for _, part := range []string{folder, id} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("invalid blob name %q", part)
		}
	}
	p := filepath.Join(f.Root, folder, id)
	if f.Compress {
		p += zstdExt
	}
	return p, nil
}

func (f *FS) Upload(ctx context.Context, folder, id string, data []byte, progress Progress) error {
	dst, err := f.file(folder, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	// Write to a temp file and rename so readers never see partial content.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var enc *zstd.Encoder
	if f.Compress {
		enc, err = zstd.NewWriter(tmp)
		if err != nil {
			tmp.Close()
			return err
		}
		w = enc
	}

	total := int64(len(data))
	if total == 0 {
		report(progress, 0, 0)
	}
	for off := int64(0); off < total; off += chunkSize {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return err
		}
		end := min(off+chunkSize, total)
		if _, err := w.Write(data[off:end]); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write blob: %w", err)
		}
		report(progress, end, total)
	}

	if enc != nil {
		if err := enc.Close(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (f *FS) Open(_ context.Context, folder, id string) (io.ReadCloser, error) {
	p, err := f.file(folder, id)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", folder, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !f.Compress {
		return file, nil
	}

	dec, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &zstdReadCloser{dec: dec, file: file}, nil
}

func (f *FS) URL(_ context.Context, folder, id string) (string, error) {
	if _, err := f.file(folder, id); err != nil {
		return "", err
	}
	return f.PublicURL + "/blobs/" + url.PathEscape(folder) + "/" + url.PathEscape(id), nil
}

func (f *FS) Delete(_ context.Context, folder, id string) error {
	p, err := f.file(folder, id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	log.Debug().Str("folder", folder).Str("id", id).Msg("Deleted blob")
	return nil
}

type zstdReadCloser struct {
	dec  *zstd.Decoder
	file *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.file.Close()
}
