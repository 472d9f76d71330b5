package payload

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Format describes a detected binary framing or serialization.
type Format struct {
	Name       string  // grpc-web, varint-delimited, protobuf, bson, messagepack, cbor
	Confidence float64 // 0.0 - 1.0
	Details    string
}

// Detect guesses the framing of data. It returns nil for empty input, text,
// or anything it does not recognise. Length-checked framings are tried
// first because a matching length is a much stronger signal than a leading
// type byte.
func Detect(data []byte) *Format {
	if len(data) == 0 || isLikelyText(data) {
		return nil
	}
	for _, detect := range []func([]byte) *Format{
		detectGRPCWeb,
		detectVarintDelimited,
		detectBSON,
		detectProtobuf,
		detectMessagePack,
		detectCBOR,
	} {
		if f := detect(data); f != nil {
			return f
		}
	}
	return nil
}

// isLikelyText treats data as text when more than 90% of it is printable
// ASCII or common whitespace.
func isLikelyText(data []byte) bool {
	text := 0
	for _, b := range data {
		if (b >= 0x20 && b <= 0x7e) || b == '\n' || b == '\r' || b == '\t' {
			text++
		}
	}
	return float64(text)/float64(len(data)) > 0.9
}

// detectGRPCWeb matches a single gRPC-Web frame: one flag byte followed by
// a big-endian uint32 length covering the rest of the buffer.
func detectGRPCWeb(data []byte) *Format {
	if len(data) < 5 {
		return nil
	}
	flag := data[0]
	if flag != 0x00 && flag != 0x01 && flag != 0x80 {
		return nil
	}
	if int(binary.BigEndian.Uint32(data[1:5])) != len(data)-5 {
		return nil
	}
	details := "data frame"
	if flag == 0x80 {
		details = "trailer frame"
	} else if flag == 0x01 {
		details = "compressed data frame"
	}
	return &Format{Name: "grpc-web", Confidence: 0.9, Details: details}
}

// detectVarintDelimited matches a varint length prefix covering exactly the
// remaining bytes, as written by protobuf's delimited encoders.
func detectVarintDelimited(data []byte) *Format {
	length, n, err := ReadVarint(data)
	if err != nil || length == 0 || uint64(len(data)-n) != length {
		return nil
	}
	return &Format{
		Name:       "varint-delimited",
		Confidence: 0.8,
		Details:    fmt.Sprintf("%d byte message", length),
	}
}

// detectBSON matches a little-endian int32 document length equal to the
// buffer size with a trailing NUL.
func detectBSON(data []byte) *Format {
	if len(data) < 5 {
		return nil
	}
	if int(binary.LittleEndian.Uint32(data[:4])) != len(data) || data[len(data)-1] != 0x00 {
		return nil
	}
	return &Format{Name: "bson", Confidence: 0.85, Details: "document"}
}

// maxPlausibleField bounds field numbers so random bytes rarely parse.
const maxPlausibleField = 1000

// detectProtobuf walks the whole buffer as protobuf fields. Every tag and
// value must decode and the walk must end exactly at the buffer end.
func detectProtobuf(data []byte) *Format {
	fields := 0
	first := ""
	for b := data; len(b) > 0; {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || num > maxPlausibleField {
			return nil
		}
		if typ == protowire.StartGroupType || typ == protowire.EndGroupType {
			return nil
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil
		}
		b = b[m:]
		if fields == 0 {
			first = fmt.Sprintf("field %d, %s", num, wireTypeName(typ))
		}
		fields++
	}
	confidence := 0.6
	switch {
	case fields >= 3:
		confidence = 0.8
	case fields == 2:
		confidence = 0.7
	}
	return &Format{Name: "protobuf", Confidence: confidence, Details: first}
}

func wireTypeName(t protowire.Type) string {
	switch t {
	case protowire.VarintType:
		return "varint"
	case protowire.Fixed64Type:
		return "fixed64"
	case protowire.BytesType:
		return "length-delimited"
	case protowire.Fixed32Type:
		return "fixed32"
	}
	return "unknown"
}

func detectMessagePack(data []byte) *Format {
	b := data[0]
	switch {
	case b >= 0x80 && b <= 0x8f:
		return &Format{Name: "messagepack", Confidence: 0.85, Details: "fixmap"}
	case b >= 0x90 && b <= 0x9f:
		return &Format{Name: "messagepack", Confidence: 0.85, Details: "fixarray"}
	case b >= 0xa0 && b <= 0xbf:
		return &Format{Name: "messagepack", Confidence: 0.8, Details: "fixstr"}
	}

	// Fixed-width markers need their payload present.
	widths := map[byte]struct {
		size    int
		details string
	}{
		0xc4: {2, "bin8"}, 0xc5: {3, "bin16"}, 0xc6: {5, "bin32"},
		0xca: {5, "float32"}, 0xcb: {9, "float64"},
		0xcc: {2, "uint8"}, 0xcd: {3, "uint16"}, 0xce: {5, "uint32"}, 0xcf: {9, "uint64"},
		0xd0: {2, "int8"}, 0xd1: {3, "int16"}, 0xd2: {5, "int32"}, 0xd3: {9, "int64"},
		0xd9: {2, "str8"}, 0xda: {3, "str16"}, 0xdb: {5, "str32"},
		0xdc: {3, "array16"}, 0xdd: {5, "array32"},
		0xde: {3, "map16"}, 0xdf: {5, "map32"},
	}
	if w, ok := widths[b]; ok {
		if len(data) < w.size {
			return nil
		}
		return &Format{Name: "messagepack", Confidence: 0.8, Details: w.details}
	}
	switch b {
	case 0xc0:
		return &Format{Name: "messagepack", Confidence: 0.9, Details: "nil"}
	case 0xc2, 0xc3:
		return &Format{Name: "messagepack", Confidence: 0.9, Details: "bool"}
	case 0xd4, 0xd5, 0xd6, 0xd7, 0xd8:
		return &Format{Name: "messagepack", Confidence: 0.85, Details: "fixext"}
	}
	return nil
}

func detectCBOR(data []byte) *Format {
	b := data[0]
	major := b >> 5
	info := b & 0x1f
	switch major {
	case 4:
		if info <= 0x17 || info == 0x1f {
			return &Format{Name: "cbor", Confidence: 0.75, Details: "array"}
		}
	case 5:
		if info <= 0x17 || info == 0x1f {
			return &Format{Name: "cbor", Confidence: 0.75, Details: "map"}
		}
	case 6:
		return &Format{Name: "cbor", Confidence: 0.85, Details: "tagged"}
	case 7:
		switch b {
		case 0xf4, 0xf5:
			return &Format{Name: "cbor", Confidence: 0.9, Details: "bool"}
		case 0xf6:
			return &Format{Name: "cbor", Confidence: 0.9, Details: "null"}
		case 0xfa:
			if len(data) >= 5 {
				return &Format{Name: "cbor", Confidence: 0.85, Details: "float32"}
			}
		case 0xfb:
			if len(data) >= 9 {
				return &Format{Name: "cbor", Confidence: 0.85, Details: "float64"}
			}
		}
	}
	return nil
}
