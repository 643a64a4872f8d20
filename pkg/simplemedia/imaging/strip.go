package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
)

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
	errTruncated = errors.New("truncated image")
)

// PNG ancillary chunks that carry text, EXIF or timestamps.
var pngMetadataChunks = map[string]bool{
	"tEXt": true,
	"zTXt": true,
	"iTXt": true,
	"eXIf": true,
	"tIME": true,
}

// StripMetadata rewrites the file at path without EXIF, XMP, ICC-in-APPn,
// comments and PNG text chunks. GIF files are left as they are.
func (d *Decoder) StripMetadata(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var out []byte
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8}):
		out, err = stripJPEG(data)
	case bytes.HasPrefix(data, pngSignature):
		out, err = stripPNG(data)
	case bytes.HasPrefix(data, []byte("GIF8")):
		return true
	default:
		return false
	}
	if err != nil {
		d.logger.Warn("strip metadata failed", "path", path, "error", err)
		return false
	}
	if err := writeAtomic(path, func(f *os.File) error {
		_, err := f.Write(out)
		return err
	}); err != nil {
		return false
	}
	return true
}

// stripJPEG drops APP0-APP15 and COM segments before the scan data.
func stripJPEG(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	out = append(out, 0xFF, 0xD8)
	i := 2
	for {
		if i+4 > len(data) || data[i] != 0xFF {
			return nil, errTruncated
		}
		marker := data[i+1]
		if marker == 0xFF {
			// fill byte
			i++
			continue
		}
		length := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		end := i + 2 + length
		if length < 2 || end > len(data) {
			return nil, errTruncated
		}
		isApp := marker >= 0xE0 && marker <= 0xEF
		if !isApp && marker != 0xFE {
			out = append(out, data[i:end]...)
		}
		if marker == 0xDA {
			// start of scan: the rest is entropy-coded data and EOI
			return append(out, data[end:]...), nil
		}
		i = end
	}
}

// stripPNG drops metadata chunks and keeps everything else in order.
func stripPNG(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	out = append(out, pngSignature...)
	i := len(pngSignature)
	for i < len(data) {
		if i+8 > len(data) {
			return nil, errTruncated
		}
		length := int(binary.BigEndian.Uint32(data[i : i+4]))
		typ := string(data[i+4 : i+8])
		end := i + 12 + length
		if length < 0 || end > len(data) {
			return nil, errTruncated
		}
		if !pngMetadataChunks[typ] {
			out = append(out, data[i:end]...)
		}
		i = end
		if typ == "IEND" {
			break
		}
	}
	return out, nil
}
