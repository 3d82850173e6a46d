package coordinator

import "github.com/jamesainslie/plexport/pkg/plexport/manifest"

// Average sizes used when the content API declares none.
const (
	AvgAudioBytes int64 = 8 << 20
	AvgCoverBytes int64 = 512 << 10
	AvgIconBytes  int64 = 64 << 10
)

// Estimate sums the expected bytes of every file not yet stored.
func Estimate(m *manifest.Manifest) int64 {
	var total int64
	for _, f := range m.Files {
		if f.Stored {
			continue
		}
		total += estimateFile(f)
	}
	return total
}

func estimateFile(f manifest.FileRecord) int64 {
	if f.Size > 0 {
		return f.Size
	}
	switch f.Type {
	case manifest.AssetCover:
		return AvgCoverBytes
	case manifest.AssetIcon:
		return AvgIconBytes
	default:
		return AvgAudioBytes
	}
}
