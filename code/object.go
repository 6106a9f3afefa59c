package code

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ---------------------------------------------------------------------------
// Object File Format
// ---------------------------------------------------------------------------

// ObjectMagic identifies a code object file.
var ObjectMagic = [4]byte{'S', 'P', 'T', 'O'}

// ObjectVersion is the current object file version.
const ObjectVersion uint32 = 1

// magic(4) + version(4) + base(8) + instructionSize(4) + tableOffset(4) + taggedSlots(4) = 28
const objectHeaderSize = 28

var (
	ErrInvalidMagic    = errors.New("invalid object magic")
	ErrVersionMismatch = errors.New("object version mismatch")
	ErrUnexpectedEOF   = errors.New("unexpected end of object data")
)

// Object is a code object read back from a file, not yet installed.
type Object struct {
	Base Address // address the code was installed at when written
	Desc Desc
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// WriteObject serializes c to w.
func WriteObject(w io.Writer, c *Code) error {
	var buf bytes.Buffer
	buf.Write(ObjectMagic[:])
	writeUint32(&buf, ObjectVersion)
	writeUint64(&buf, uint64(c.base))
	writeUint32(&buf, uint32(c.instructionSize))
	writeUint32(&buf, uint32(c.safepointTableOffset))
	writeUint32(&buf, uint32(c.taggedSlots))
	writeString(&buf, c.name)
	writeUint32(&buf, uint32(len(c.body)))
	buf.Write(c.body)
	writeUint32(&buf, uint32(len(c.deoptReasons)))
	for _, reason := range c.deoptReasons {
		writeString(&buf, reason)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write object %s: %w", c.name, err)
	}
	return nil
}

// WriteObjectFile writes c to the file at path.
func WriteObjectFile(path string, c *Code) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create object file: %w", err)
	}
	if err := WriteObject(f, c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	buf.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

// writeString writes [length:32 | bytes].
func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

type objectReader struct {
	data   []byte
	offset int
}

func (r *objectReader) readUint32() (uint32, error) {
	if r.offset+4 > len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

func (r *objectReader) readUint64() (uint64, error) {
	if r.offset+8 > len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return v, nil
}

func (r *objectReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, ErrUnexpectedEOF
	}
	data := r.data[r.offset : r.offset+n]
	r.offset += n
	return data, nil
}

func (r *objectReader) readString() (string, error) {
	n, err := r.readUint32()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadObject parses a code object from r.
func ReadObject(r io.Reader) (*Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}
	return ReadObjectFromBytes(data)
}

// ReadObjectFile parses the code object file at path.
func ReadObjectFile(path string) (*Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	obj, err := ReadObjectFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return obj, nil
}

// ReadObjectFromBytes parses a code object from data. The returned body
// aliases data.
func ReadObjectFromBytes(data []byte) (*Object, error) {
	if len(data) < objectHeaderSize {
		return nil, ErrUnexpectedEOF
	}
	if magic := string(data[:4]); magic != string(ObjectMagic[:]) {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, magic)
	}
	r := &objectReader{data: data, offset: 4}

	version, _ := r.readUint32()
	if version != ObjectVersion {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, ObjectVersion, version)
	}
	base, _ := r.readUint64()
	instructionSize, _ := r.readUint32()
	tableOffset, _ := r.readUint32()
	taggedSlots, _ := r.readUint32()

	name, err := r.readString()
	if err != nil {
		return nil, err
	}
	bodyLen, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	body, err := r.readBytes(int(bodyLen))
	if err != nil {
		return nil, err
	}
	count, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	var reasons []string
	for i := uint32(0); i < count; i++ {
		reason, err := r.readString()
		if err != nil {
			return nil, err
		}
		reasons = append(reasons, reason)
	}

	obj := &Object{
		Base: Address(base),
		Desc: Desc{
			Name:                 name,
			Body:                 body,
			InstructionSize:      int(instructionSize),
			SafepointTableOffset: int(tableOffset),
			TaggedSlots:          int(taggedSlots),
			DeoptReasons:         reasons,
		},
	}
	if err := obj.Desc.Validate(); err != nil {
		return nil, err
	}
	return obj, nil
}

// Code returns the object installed at its original base address, without
// going through a Space.
func (o *Object) Code() *Code {
	return New(o.Desc, o.Base)
}
