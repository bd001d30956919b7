// Local filesystem [Prober] implementation.
package services

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf16"
)

// audioExtensions lists the file extensions treated as audio during scans.
var audioExtensions = map[string]bool{
	".mp3": true, ".flac": true, ".wav": true,
	".aac": true, ".m4a": true, ".mp4": true, ".ogg": true,
}

// FilesystemProber implements [Prober] over the local filesystem. Playlist
// directories are flat, so listing is non-recursive.
type FilesystemProber struct{}

// NewFilesystemProber creates a FilesystemProber.
func NewFilesystemProber() *FilesystemProber {
	return &FilesystemProber{}
}

// ListAudioFiles returns the audio files in directory, sorted by path.
// Symlinks are reported with their resolved target; a broken link has
// IsLink set and an empty Target. A missing directory is not an error; the
// playlist simply has no local files yet.
func (p *FilesystemProber) ListAudioFiles(directory string) ([]AudioFile, error) {
	entries, err := os.ReadDir(directory)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list directory %s: %w", directory, err)
	}

	var files []AudioFile
	for _, entry := range entries {
		if entry.IsDir() || !audioExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}

		path := filepath.Join(directory, entry.Name())
		info, err := os.Lstat(path)
		if err != nil {
			continue
		}

		f := AudioFile{Path: path, ModTime: info.ModTime(), Size: info.Size()}

		if info.Mode()&os.ModeSymlink != 0 {
			f.IsLink = true
			if target, err := filepath.EvalSymlinks(path); err == nil {
				f.Target = target
				if st, err := os.Stat(target); err == nil {
					f.ModTime = st.ModTime()
					f.Size = st.Size()
				}
			}
		}

		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ReadTags reads embedded metadata from an audio file, best-effort: only
// ID3v2 text frames are parsed, and anything unreadable yields empty tags
// rather than an error.
func (p *FilesystemProber) ReadTags(path string) (*FileTags, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	tags := &FileTags{}

	header := make([]byte, 10)
	if _, err := io.ReadFull(f, header); err != nil {
		return tags, nil
	}
	if string(header[:3]) != "ID3" {
		return tags, nil
	}

	version := header[3]
	size := syncsafe(header[6:10])

	body := make([]byte, size)
	if _, err := io.ReadFull(f, body); err != nil {
		return tags, nil
	}

	for off := 0; off+10 <= len(body); {
		id := string(body[off : off+4])
		if id == "\x00\x00\x00\x00" {
			break
		}

		var frameSize int
		if version >= 4 {
			frameSize = syncsafe(body[off+4 : off+8])
		} else {
			frameSize = int(binary.BigEndian.Uint32(body[off+4 : off+8]))
		}
		if frameSize <= 0 || off+10+frameSize > len(body) {
			break
		}

		content := body[off+10 : off+10+frameSize]
		switch id {
		case "TIT2":
			tags.Title = decodeTextFrame(content)
		case "TPE1":
			tags.Artist = decodeTextFrame(content)
		case "TALB":
			tags.Album = decodeTextFrame(content)
		}

		off += 10 + frameSize
	}

	return tags, nil
}

// syncsafe decodes an ID3 syncsafe integer (7 bits per byte).
func syncsafe(b []byte) int {
	return int(b[0]&0x7f)<<21 | int(b[1]&0x7f)<<14 | int(b[2]&0x7f)<<7 | int(b[3]&0x7f)
}

// decodeTextFrame decodes an ID3v2 text frame: one encoding byte followed
// by the string.
func decodeTextFrame(content []byte) string {
	if len(content) < 2 {
		return ""
	}

	encoding := content[0]
	data := content[1:]

	switch encoding {
	case 0, 3: // Latin-1 and UTF-8 both pass through for ASCII-range tags
		return strings.TrimRight(string(data), "\x00")
	case 1, 2: // UTF-16 with BOM / UTF-16BE
		return strings.TrimRight(decodeUTF16(data), "\x00")
	}
	return ""
}

func decodeUTF16(data []byte) string {
	if len(data) < 2 {
		return ""
	}

	bigEndian := true
	if data[0] == 0xff && data[1] == 0xfe {
		bigEndian = false
		data = data[2:]
	} else if data[0] == 0xfe && data[1] == 0xff {
		data = data[2:]
	}

	codes := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		if bigEndian {
			codes = append(codes, binary.BigEndian.Uint16(data[i:i+2]))
		} else {
			codes = append(codes, binary.LittleEndian.Uint16(data[i:i+2]))
		}
	}
	return string(utf16.Decode(codes))
}
