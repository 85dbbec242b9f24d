// Package wire encodes delivered files for transports: JSON frames with
// base64 content and compact protobuf-wire binary frames, both optionally
// zstd compressed.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

func ParseEncoding(value string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(EncodingIdentity), "none":
		return EncodingIdentity, nil
	case string(EncodingZstd):
		return EncodingZstd, nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", value)
	}
}

type Format string

const (
	FormatJSON   Format = "json"
	FormatBinary Format = "binary"
)

func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(FormatJSON):
		return FormatJSON, nil
	case string(FormatBinary), "protobuf":
		return FormatBinary, nil
	default:
		return "", fmt.Errorf("unsupported format %q", value)
	}
}

// FileFrame is one file as sent to a client. Size is the uncompressed length.
type FileFrame struct {
	Type     string    `json:"type"`
	Filename string    `json:"filename"`
	MimeType string    `json:"mime_type"`
	Size     int64     `json:"size"`
	Encoding Encoding  `json:"encoding"`
	ModTime  time.Time `json:"mod_time,omitempty"`
	Content  []byte    `json:"content"`
}

// NewFileFrame builds a frame and compresses content when asked.
func NewFileFrame(filename, mimeType string, content []byte, modTime time.Time, encoding Encoding) (FileFrame, error) {
	frame := FileFrame{
		Type:     "file",
		Filename: filename,
		MimeType: mimeType,
		Size:     int64(len(content)),
		Encoding: EncodingIdentity,
		ModTime:  modTime.UTC(),
		Content:  content,
	}
	if encoding == EncodingZstd {
		compressed, err := Compress(content)
		if err != nil {
			return FileFrame{}, err
		}
		frame.Content = compressed
		frame.Encoding = EncodingZstd
	}
	return frame, nil
}

// Decoded returns the frame content with any compression removed.
func (f FileFrame) Decoded() ([]byte, error) {
	if f.Encoding == EncodingZstd {
		return Decompress(f.Content)
	}
	return f.Content, nil
}

func EncodeJSON(frame FileFrame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", frame.Filename, err)
	}
	return data, nil
}
