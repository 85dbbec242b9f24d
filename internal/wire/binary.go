package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary file frame.
const (
	fieldFilename protowire.Number = 1
	fieldContent  protowire.Number = 2
	fieldMimeType protowire.Number = 3
	fieldEncoding protowire.Number = 4
	fieldSize     protowire.Number = 5
	fieldModTime  protowire.Number = 6
)

var ErrMalformedFrame = errors.New("malformed binary frame")

func EncodeBinary(frame FileFrame) []byte {
	buf := make([]byte, 0, len(frame.Content)+len(frame.Filename)+len(frame.MimeType)+32)
	buf = protowire.AppendTag(buf, fieldFilename, protowire.BytesType)
	buf = protowire.AppendString(buf, frame.Filename)
	buf = protowire.AppendTag(buf, fieldContent, protowire.BytesType)
	buf = protowire.AppendBytes(buf, frame.Content)
	buf = protowire.AppendTag(buf, fieldMimeType, protowire.BytesType)
	buf = protowire.AppendString(buf, frame.MimeType)
	buf = protowire.AppendTag(buf, fieldEncoding, protowire.BytesType)
	buf = protowire.AppendString(buf, string(frame.Encoding))
	buf = protowire.AppendTag(buf, fieldSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(frame.Size))
	if !frame.ModTime.IsZero() {
		buf = protowire.AppendTag(buf, fieldModTime, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(frame.ModTime.UnixMilli()))
	}
	return buf
}

// DecodeBinary parses a frame produced by EncodeBinary. Unknown fields are
// skipped.
func DecodeBinary(data []byte) (FileFrame, error) {
	frame := FileFrame{Type: "file"}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return FileFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldFilename || num == fieldContent || num == fieldMimeType || num == fieldEncoding):
			value, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return FileFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case fieldFilename:
				frame.Filename = string(value)
			case fieldContent:
				frame.Content = append([]byte(nil), value...)
			case fieldMimeType:
				frame.MimeType = string(value)
			case fieldEncoding:
				frame.Encoding = Encoding(value)
			}
		case typ == protowire.VarintType && (num == fieldSize || num == fieldModTime):
			value, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return FileFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			data = data[m:]
			if num == fieldSize {
				frame.Size = int64(value)
			} else {
				frame.ModTime = time.UnixMilli(int64(value)).UTC()
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return FileFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	if frame.Encoding == "" {
		frame.Encoding = EncodingIdentity
	}
	return frame, nil
}
