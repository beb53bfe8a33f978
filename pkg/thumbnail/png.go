package thumbnail

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sunshineplan/imgconv"
)

// Text chunk keywords defined by the thumbnail managing standard.
const (
	KeyURI      = "Thumb::URI"
	KeyMTime    = "Thumb::MTime"
	KeySize     = "Thumb::Size"
	KeyWidth    = "Thumb::Image::Width"
	KeyHeight   = "Thumb::Image::Height"
	KeySoftware = "Software"
)

// Metadata is the text metadata embedded in a thumbnail or fail marker.
type Metadata struct {
	URI      string
	MTime    int64 // source modification time, seconds since epoch
	Size     int64 // source size in bytes
	Width    int   // original width; 0 if unknown
	Height   int   // original height; 0 if unknown
	Software string
}

func (m Metadata) pairs() [][2]string {
	p := [][2]string{
		{KeyURI, m.URI},
		{KeyMTime, strconv.FormatInt(m.MTime, 10)},
		{KeySize, strconv.FormatInt(m.Size, 10)},
	}
	if m.Width > 0 && m.Height > 0 {
		p = append(p,
			[2]string{KeyWidth, strconv.Itoa(m.Width)},
			[2]string{KeyHeight, strconv.Itoa(m.Height)},
		)
	}
	if m.Software != "" {
		p = append(p, [2]string{KeySoftware, m.Software})
	}
	return p
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// signature + IHDR chunk (length, type, 13 data bytes, crc)
const ihdrEnd = 8 + 4 + 4 + 13 + 4

// maxTextChunk bounds how much of a single text chunk is read into memory.
const maxTextChunk = 1 << 20

// EncodePNG writes img as a PNG with meta stored in tEXt chunks placed
// directly after IHDR.
func EncodePNG(w io.Writer, img image.Image, meta Metadata) error {
	var buf bytes.Buffer
	if err := imgconv.Write(&buf, img, &imgconv.FormatOption{Format: imgconv.PNG}); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}

	data := buf.Bytes()
	if len(data) < ihdrEnd || !bytes.Equal(data[:8], pngSignature) || string(data[12:16]) != "IHDR" {
		return errors.New("png encoder produced an unexpected header")
	}

	if _, err := w.Write(data[:ihdrEnd]); err != nil {
		return err
	}
	for _, kv := range meta.pairs() {
		if err := writeTextChunk(w, kv[0], kv[1]); err != nil {
			return err
		}
	}
	_, err := w.Write(data[ihdrEnd:])
	return err
}

func writeTextChunk(w io.Writer, keyword, text string) error {
	data := make([]byte, 0, len(keyword)+1+len(text))
	data = append(data, keyword...)
	data = append(data, 0)
	data = append(data, text...)
	return writeChunk(w, "tEXt", data)
}

func writeChunk(w io.Writer, typ string, data []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(data)))
	copy(hdr[4:], typ)

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(data)
	var tail [4]byte
	binary.BigEndian.PutUint32(tail[:], crc.Sum32())

	for _, b := range [][]byte{hdr[:], data, tail[:]} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// ReadMetadata reads the thumbnail metadata of the PNG at path.
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()
	return DecodeMetadata(bufio.NewReader(f))
}

// DecodeMetadata parses thumbnail metadata from a PNG stream. Like most
// readers of the standard it only looks at text chunks that precede the
// image data.
func DecodeMetadata(r io.Reader) (Metadata, error) {
	text, err := readTextChunks(r)
	if err != nil {
		return Metadata{}, err
	}
	return parseMetadata(text)
}

func readTextChunks(r io.Reader) (map[string]string, error) {
	var sig [8]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, fmt.Errorf("failed to read png signature: %w", err)
	}
	if !bytes.Equal(sig[:], pngSignature) {
		return nil, errors.New("not a png file")
	}

	text := make(map[string]string)
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("failed to read png chunk header: %w", err)
		}
		length := binary.BigEndian.Uint32(hdr[:4])
		typ := string(hdr[4:])

		switch typ {
		case "IDAT", "IEND":
			return text, nil
		case "tEXt", "zTXt", "iTXt":
			if length > maxTextChunk {
				return nil, fmt.Errorf("png %s chunk too large: %d bytes", typ, length)
			}
			data := make([]byte, int(length)+4)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, fmt.Errorf("failed to read png %s chunk: %w", typ, err)
			}
			key, value, err := parseTextChunk(typ, data[:length])
			if err != nil {
				return nil, err
			}
			text[key] = value
		default:
			if _, err := io.CopyN(io.Discard, r, int64(length)+4); err != nil {
				return nil, fmt.Errorf("failed to skip png %s chunk: %w", typ, err)
			}
		}
	}
}

func parseTextChunk(typ string, data []byte) (string, string, error) {
	keyword, rest, ok := bytes.Cut(data, []byte{0})
	if !ok {
		return "", "", fmt.Errorf("malformed png %s chunk", typ)
	}

	switch typ {
	case "zTXt":
		if len(rest) < 1 {
			return "", "", errors.New("malformed png zTXt chunk")
		}
		value, err := inflate(rest[1:])
		return string(keyword), value, err
	case "iTXt":
		// compression flag, compression method, language tag\0, translated keyword\0, text
		if len(rest) < 2 {
			return "", "", errors.New("malformed png iTXt chunk")
		}
		compressed := rest[0] == 1
		_, rest, ok = bytes.Cut(rest[2:], []byte{0})
		if !ok {
			return "", "", errors.New("malformed png iTXt chunk")
		}
		_, rest, ok = bytes.Cut(rest, []byte{0})
		if !ok {
			return "", "", errors.New("malformed png iTXt chunk")
		}
		if compressed {
			value, err := inflate(rest)
			return string(keyword), value, err
		}
		return string(keyword), string(rest), nil
	default:
		return string(keyword), string(rest), nil
	}
}

func inflate(data []byte) (string, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to inflate png text: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxTextChunk))
	if err != nil {
		return "", fmt.Errorf("failed to inflate png text: %w", err)
	}
	return string(out), nil
}

func parseMetadata(text map[string]string) (Metadata, error) {
	raw, ok := text[KeyMTime]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: no %s", ErrNoMetadata, KeyMTime)
	}
	mtime, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: bad %s %q", ErrNoMetadata, KeyMTime, raw)
	}

	m := Metadata{
		URI:      text[KeyURI],
		MTime:    mtime,
		Software: text[KeySoftware],
	}
	// The remaining keys are optional; malformed values read as unknown.
	m.Size, _ = strconv.ParseInt(text[KeySize], 10, 64)
	m.Width, _ = strconv.Atoi(text[KeyWidth])
	m.Height, _ = strconv.Atoi(text[KeyHeight])
	return m, nil
}
