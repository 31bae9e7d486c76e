// Package protocol implements the memcached binary protocol subset spoken by memlru.
//
// Every frame starts with a fixed 24-byte header; all multi-byte integers are
// big-endian:
//
//	offset  size  field
//	0       1     magic              (0x80 request, 0x81 response)
//	1       1     opcode             (0x00 GET, 0x01 SET)
//	2       2     key length
//	4       1     extras length
//	5       1     data type          (unused, 0)
//	6       2     status (response) / reserved (request)
//	8       4     total body length  (extras + key + value)
//	12      4     opaque             (echoed back to the client)
//	16      8     cas                (unused)
//
// The body follows the header: extras bytes, then key bytes, then the value.
// Responses carry no key; their body is extras followed by value.
//
// Example usage:
//
//	// Client side
//	req := protocol.NewSet([]byte("user:123"), []byte("john_doe"), 0)
//	if err := protocol.WriteRequest(conn, req); err != nil {
//		log.Fatal(err)
//	}
//	resp, err := protocol.ReadResponse(conn, protocol.DefaultMaxBodyLength)
//
// Length fields arrive from untrusted peers. Servers must call Limits.Validate
// on every header before allocating buffers for its body.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Protocol constants
const (
	HeaderSize = 24

	MagicRequest  uint8 = 0x80
	MagicResponse uint8 = 0x81

	// FlagsSize is the size of the flags field stored as item metadata.
	FlagsSize = 4
	// SetExtrasSize is the canonical SET extras layout: flags(4) + expiry(4).
	SetExtrasSize = 8

	DefaultMaxKeyLength  = 250
	DefaultMaxBodyLength = 1 << 20
)

// NotFoundMessage is the value sent with a GET miss.
var NotFoundMessage = []byte("Not found")

// Opcode selects the operation of a request.
type Opcode uint8

// Supported opcodes.
const (
	OpGet Opcode = 0x00
	OpSet Opcode = 0x01
)

func (o Opcode) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpSet:
		return "SET"
	default:
		return fmt.Sprintf("0x%02x", uint8(o))
	}
}

// Status is the response status field.
type Status uint16

// Response status codes, numbered as in the memcached binary protocol.
const (
	StatusSuccess          Status = 0x0000
	StatusKeyNotFound      Status = 0x0001
	StatusValueTooLarge    Status = 0x0003
	StatusInvalidArguments Status = 0x0004
	StatusUnknownCommand   Status = 0x0081
	StatusOutOfMemory      Status = 0x0082
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusKeyNotFound:
		return "key not found"
	case StatusValueTooLarge:
		return "value too large"
	case StatusInvalidArguments:
		return "invalid arguments"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusOutOfMemory:
		return "out of memory"
	default:
		return fmt.Sprintf("status 0x%04x", uint16(s))
	}
}

var (
	// ErrFrameTooLarge means the total body length exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrKeyTooLong means the key length exceeds the configured maximum.
	ErrKeyTooLong = errors.New("protocol: key too long")
	// ErrInvalidLengths means extras+key do not fit in the total body length.
	ErrInvalidLengths = errors.New("protocol: inconsistent length fields")
	// ErrShortHeader is returned by DecodeHeader for a buffer under HeaderSize.
	ErrShortHeader = errors.New("protocol: short header")
)

// Header is the decoded fixed-size frame header.
type Header struct {
	Magic           uint8
	Opcode          Opcode
	KeyLength       uint16
	ExtrasLength    uint8
	DataType        uint8
	Status          Status // Reserved field on requests
	TotalBodyLength uint32
	Opaque          uint32
	CAS             uint64
}

// Encode writes the header into b, which must hold at least HeaderSize bytes.
func (h Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	b[0] = h.Magic
	b[1] = uint8(h.Opcode)
	binary.BigEndian.PutUint16(b[2:4], h.KeyLength)
	b[4] = h.ExtrasLength
	b[5] = h.DataType
	binary.BigEndian.PutUint16(b[6:8], uint16(h.Status))
	binary.BigEndian.PutUint32(b[8:12], h.TotalBodyLength)
	binary.BigEndian.PutUint32(b[12:16], h.Opaque)
	binary.BigEndian.PutUint64(b[16:24], h.CAS)
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Magic:           b[0],
		Opcode:          Opcode(b[1]),
		KeyLength:       binary.BigEndian.Uint16(b[2:4]),
		ExtrasLength:    b[4],
		DataType:        b[5],
		Status:          Status(binary.BigEndian.Uint16(b[6:8])),
		TotalBodyLength: binary.BigEndian.Uint32(b[8:12]),
		Opaque:          binary.BigEndian.Uint32(b[12:16]),
		CAS:             binary.BigEndian.Uint64(b[16:24]),
	}, nil
}

// ReadHeader reads exactly one header from r.
//
// It returns io.EOF if the stream ends before any header byte arrives and
// io.ErrUnexpectedEOF if it ends part-way through the header.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf[:])
}

// ValueLength is the number of value bytes that follow extras and key.
// It is only meaningful for headers that passed Limits.Validate.
func (h Header) ValueLength() int {
	return int(h.TotalBodyLength) - int(h.ExtrasLength) - int(h.KeyLength)
}

// Limits bounds the length fields a peer may announce.
type Limits struct {
	MaxKeyLength  int
	MaxBodyLength int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxKeyLength: DefaultMaxKeyLength, MaxBodyLength: DefaultMaxBodyLength}
}

// Validate checks the header's length fields against the limits and against
// each other. It must run before any body buffer is allocated.
func (l Limits) Validate(h Header) error {
	if l.MaxBodyLength > 0 && int64(h.TotalBodyLength) > int64(l.MaxBodyLength) {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, h.TotalBodyLength, l.MaxBodyLength)
	}
	if l.MaxKeyLength > 0 && int(h.KeyLength) > l.MaxKeyLength {
		return fmt.Errorf("%w: %d > %d bytes", ErrKeyTooLong, h.KeyLength, l.MaxKeyLength)
	}
	if int64(h.ExtrasLength)+int64(h.KeyLength) > int64(h.TotalBodyLength) {
		return fmt.Errorf("%w: extras %d + key %d > body %d",
			ErrInvalidLengths, h.ExtrasLength, h.KeyLength, h.TotalBodyLength)
	}
	return nil
}

// Request is a decoded request frame.
type Request struct {
	Header Header
	Extras []byte
	Key    []byte
	Value  []byte
}

// NewGet builds a GET request for key.
func NewGet(key []byte) *Request {
	return &Request{Header: Header{Magic: MagicRequest, Opcode: OpGet}, Key: key}
}

// NewSet builds a SET request carrying flags in the canonical 8-byte extras.
func NewSet(key, value []byte, flags uint32) *Request {
	extras := make([]byte, SetExtrasSize)
	binary.BigEndian.PutUint32(extras[:FlagsSize], flags)
	return &Request{
		Header: Header{Magic: MagicRequest, Opcode: OpSet},
		Extras: extras,
		Key:    key,
		Value:  value,
	}
}

// ReadBody reads the extras, key and value announced by h.
// The header must already have passed Limits.Validate.
func ReadBody(r io.Reader, h Header) (*Request, error) {
	req := &Request{Header: h}

	var err error
	if req.Extras, err = readN(r, int(h.ExtrasLength)); err != nil {
		return nil, fmt.Errorf("read extras: %w", err)
	}
	if req.Key, err = readN(r, int(h.KeyLength)); err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	if req.Value, err = readN(r, h.ValueLength()); err != nil {
		return nil, fmt.Errorf("read value: %w", err)
	}
	return req, nil
}

// Flags returns the item metadata carried by a request's extras: the first
// FlagsSize bytes, or fewer if the extras are shorter.
func Flags(extras []byte) []byte {
	if len(extras) > FlagsSize {
		return extras[:FlagsSize]
	}
	return extras
}

// WriteRequest serializes req, filling in the header length fields.
func WriteRequest(w io.Writer, req *Request) error {
	if len(req.Key) > 0xFFFF {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(req.Key))
	}
	if len(req.Extras) > 0xFF {
		return fmt.Errorf("%w: extras %d bytes", ErrInvalidLengths, len(req.Extras))
	}
	total := uint64(len(req.Extras)) + uint64(len(req.Key)) + uint64(len(req.Value))
	if total > 0xFFFFFFFF {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	h := req.Header
	if h.Magic == 0 {
		h.Magic = MagicRequest
	}
	h.KeyLength = uint16(len(req.Key))
	h.ExtrasLength = uint8(len(req.Extras))
	h.TotalBodyLength = uint32(total)

	buf := make([]byte, HeaderSize, HeaderSize+int(total))
	h.Encode(buf)
	buf = append(buf, req.Extras...)
	buf = append(buf, req.Key...)
	buf = append(buf, req.Value...)

	_, err := w.Write(buf)
	return err
}

// Response is a response frame.
type Response struct {
	Opcode Opcode
	Status Status
	Opaque uint32
	Extras []byte
	Value  []byte
}

// Header returns the header describing r.
func (r *Response) Header() Header {
	return Header{
		Magic:           MagicResponse,
		Opcode:          r.Opcode,
		ExtrasLength:    uint8(len(r.Extras)),
		Status:          r.Status,
		TotalBodyLength: uint32(len(r.Extras) + len(r.Value)),
		Opaque:          r.Opaque,
	}
}

// WriteResponse serializes resp as a single write.
func WriteResponse(w io.Writer, resp *Response) error {
	if len(resp.Extras) > 0xFF {
		return fmt.Errorf("%w: extras %d bytes", ErrInvalidLengths, len(resp.Extras))
	}
	if uint64(len(resp.Extras))+uint64(len(resp.Value)) > 0xFFFFFFFF {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(resp.Value))
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(resp.Extras)+len(resp.Value))
	resp.Header().Encode(buf)
	buf = append(buf, resp.Extras...)
	buf = append(buf, resp.Value...)

	_, err := w.Write(buf)
	return err
}

// ReadResponse reads one response frame from r. Bodies larger than maxBody
// are rejected before allocation; maxBody <= 0 disables the check.
func ReadResponse(r io.Reader, maxBody int) (*Response, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if err := (Limits{MaxBodyLength: maxBody}).Validate(h); err != nil {
		return nil, err
	}

	req, err := ReadBody(r, h)
	if err != nil {
		return nil, err
	}
	return &Response{
		Opcode: h.Opcode,
		Status: h.Status,
		Opaque: h.Opaque,
		Extras: req.Extras,
		Value:  req.Value,
	}, nil
}

func readN(r io.Reader, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
