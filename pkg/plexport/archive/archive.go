// Package archive packs the stored files of one playlist into a zip.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
)

// CompressionLevel balances speed against size; most audio is already
// compressed.
const CompressionLevel = 5

// ErrNoFiles is returned when a playlist has no stored records.
var ErrNoFiles = errors.New("no stored files to archive")

// Reader reads stored bytes by reference.
type Reader interface {
	Read(ref string) ([]byte, error)
}

// Archive is a packed playlist.
type Archive struct {
	Filename string
	Data     []byte
	Size     int64
	Files    []string
}

// Folder is the archive subfolder for an asset type.
func Folder(t manifest.AssetType) string {
	switch t {
	case manifest.AssetIcon:
		return "icons"
	case manifest.AssetCover:
		return "cover"
	default:
		return "audio"
	}
}

// Pack zips the stored records of pl. Records kept in memory are read from
// memory, all others from persistent by their storage path. Entries are
// {title}/{audio|icons|cover}/{filename}.
func Pack(pl manifest.PlaylistExport, records []manifest.FileRecord, persistent, memory Reader) (*Archive, error) {
	root := manifest.SanitizeName(pl.Title)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, CompressionLevel)
	})

	var names []string
	for _, rec := range records {
		if !rec.Stored {
			continue
		}

		src, ref := persistent, rec.Path
		if rec.InMemoryOnly {
			src, ref = memory, rec.ID
		}
		data, err := src.Read(ref)
		if err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("reading %s: %w", rec.ID, err)
		}

		name := path.Join(root, Folder(rec.Type), rec.Filename)
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified(rec)}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("adding %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
		names = append(names, name)
	}

	if len(names) == 0 {
		_ = zw.Close()
		return nil, ErrNoFiles
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finishing archive: %w", err)
	}

	return &Archive{
		Filename: root + ".zip",
		Data:     buf.Bytes(),
		Size:     int64(buf.Len()),
		Files:    names,
	}, nil
}

func modified(rec manifest.FileRecord) time.Time {
	if rec.CompletedAt != nil {
		return *rec.CompletedAt
	}
	return time.Now()
}
