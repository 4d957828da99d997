package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	// HeaderSize is the length of the big-endian body length that prefixes every frame.
	HeaderSize = 4
	// MaxFrameSize bounds the body of a single frame.
	MaxFrameSize = 1 << 20
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// Text fields carry file paths and error text, which need not be valid UTF-8.
	// They are kept byte for byte.
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
		UTF8:        cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode renders m as a complete frame: a 4-byte body length followed by the CBOR body.
func Encode(m Message) ([]byte, error) {
	body, err := encodeBody(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("encoding %s: body of %d bytes exceeds %d", m.Kind(), len(body), MaxFrameSize)
	}
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// Decode parses exactly one frame. Anything else, including trailing bytes, is a *DecodeError.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return nil, decodeErr(ErrTruncated, "have %d header bytes, need %d", len(b), HeaderSize)
	}
	n := binary.BigEndian.Uint32(b)
	if n > MaxFrameSize {
		return nil, decodeErr(ErrFrameTooLarge, "body length %d", n)
	}
	rest := b[HeaderSize:]
	if uint32(len(rest)) < n {
		return nil, decodeErr(ErrTruncated, "have %d body bytes, need %d", len(rest), n)
	}
	if uint32(len(rest)) > n {
		return nil, decodeErr(ErrMalformed, "%d trailing bytes after frame", uint32(len(rest))-n)
	}
	return decodeBody(rest)
}

func encodeBody(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encoding nil message")
	}
	fields := map[string]interface{}{keyKind: uint8(m.Kind())}
	switch v := m.(type) {
	case Connect:
		fields[keyBundleID] = v.BundleID
	case ErrorReport:
		fields[keyErrorDescription] = v.Description
		fields[keyErrorFileName] = v.FileName
		fields[keyErrorLineNumber] = v.LineNumber
	case ExceptionReport:
		fields[keyExceptionDescription] = v.Description
	case ExecuteBlock:
		fields[keyFilePath] = v.Ref.FilePath
		fields[keyFileOffset] = v.Ref.FileOffset
	}
	return encMode.Marshal(fields)
}

func decodeBody(body []byte) (Message, error) {
	var fields map[string]interface{}
	if err := decMode.Unmarshal(body, &fields); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, decodeErr(ErrTruncated, "%s", err)
		}
		return nil, decodeErr(ErrMalformed, "%s", err)
	}

	rawKind, ok := fields[keyKind]
	if !ok {
		return nil, decodeErr(ErrMalformed, "missing %q", keyKind)
	}
	kindNum, ok := rawKind.(uint64)
	if !ok {
		return nil, decodeErr(ErrMalformed, "%q is %T, want unsigned integer", keyKind, rawKind)
	}
	if kindNum > math.MaxUint8 || !Kind(kindNum).Valid() {
		return nil, decodeErr(ErrUnknownKind, "kind %d", kindNum)
	}
	kind := Kind(kindNum)

	if err := checkFieldSet(kind, fields); err != nil {
		return nil, err
	}

	switch kind {
	case KindConnect:
		id, err := textValue(kind, fields, keyBundleID)
		if err != nil {
			return nil, err
		}
		return Connect{BundleID: id}, nil
	case KindError:
		desc, err := textValue(kind, fields, keyErrorDescription)
		if err != nil {
			return nil, err
		}
		file, err := textValue(kind, fields, keyErrorFileName)
		if err != nil {
			return nil, err
		}
		line, err := uintValue(kind, fields, keyErrorLineNumber)
		if err != nil {
			return nil, err
		}
		return ErrorReport{Description: desc, FileName: file, LineNumber: line}, nil
	case KindException:
		desc, err := textValue(kind, fields, keyExceptionDescription)
		if err != nil {
			return nil, err
		}
		return ExceptionReport{Description: desc}, nil
	case KindExecuteBlock:
		path, err := textValue(kind, fields, keyFilePath)
		if err != nil {
			return nil, err
		}
		offset, err := intValue(kind, fields, keyFileOffset)
		if err != nil {
			return nil, err
		}
		return ExecuteBlock{Ref: BlockRef{FilePath: path, FileOffset: offset}}, nil
	}

	m, _ := New(kind)
	return m, nil
}

// checkFieldSet requires the keys in fields to be exactly "kind" plus the schema of k.
func checkFieldSet(k Kind, fields map[string]interface{}) error {
	want := map[string]bool{keyKind: true}
	for _, f := range schemas[k] {
		want[f.name] = true
	}
	var extra, missing []string
	for name := range fields {
		if !want[name] {
			extra = append(extra, name)
		}
	}
	for name := range want {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(extra) == 0 && len(missing) == 0 {
		return nil
	}
	sort.Strings(extra)
	sort.Strings(missing)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ","))
	}
	if len(extra) > 0 {
		parts = append(parts, "unexpected "+strings.Join(extra, ","))
	}
	return decodeErr(ErrSchemaMismatch, "%s: %s", k, strings.Join(parts, "; "))
}

func textValue(k Kind, fields map[string]interface{}, name string) (string, error) {
	s, ok := fields[name].(string)
	if !ok {
		return "", decodeErr(ErrSchemaMismatch, "%s: %q is %T, want text", k, name, fields[name])
	}
	return s, nil
}

func uintValue(k Kind, fields map[string]interface{}, name string) (uint64, error) {
	u, ok := fields[name].(uint64)
	if !ok {
		return 0, decodeErr(ErrSchemaMismatch, "%s: %q is %T, want unsigned integer", k, name, fields[name])
	}
	return u, nil
}

func intValue(k Kind, fields map[string]interface{}, name string) (int64, error) {
	switch v := fields[name].(type) {
	case uint64:
		if v > math.MaxInt64 {
			return 0, decodeErr(ErrSchemaMismatch, "%s: %q value %d overflows int64", k, name, v)
		}
		return int64(v), nil
	case int64:
		return v, nil
	}
	return 0, decodeErr(ErrSchemaMismatch, "%s: %q is %T, want integer", k, name, fields[name])
}
