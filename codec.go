package zbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"reflect"
)

// Wire marshalling for D-Bus 1.0 messages. Outgoing messages are always
// little-endian; incoming messages may use either byte order.

const protocolVersion = 1

// Header field codes from the specification.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFds     = 9
)

func alignUp(index, alignment int) int {
	bit := alignment - 1
	return ^bit & (index + bit)
}

type encoder struct {
	data  bytes.Buffer
	order binary.ByteOrder
	// offset shifts alignment when encoding into a container whose start
	// is not at a message boundary.
	offset int
	// signature accumulates the type codes of appended values.
	signature Signature
}

func newEncoder(order binary.ByteOrder) *encoder {
	return &encoder{order: order}
}

func (enc *encoder) align(alignment int) {
	for (enc.data.Len()+enc.offset)%alignment != 0 {
		enc.data.WriteByte(0)
	}
}

func (enc *encoder) byte(b byte) {
	enc.data.WriteByte(b)
}

func (enc *encoder) uint32(u uint32) {
	enc.align(4)
	binary.Write(&enc.data, enc.order, u)
}

func (enc *encoder) string(s string) {
	enc.align(4)
	binary.Write(&enc.data, enc.order, uint32(len(s)))
	enc.data.WriteString(s)
	enc.data.WriteByte(0)
}

func (enc *encoder) sig(s Signature) {
	enc.data.WriteByte(byte(len(s)))
	enc.data.WriteString(string(s))
	enc.data.WriteByte(0)
}

// Append marshals args in order, accumulating their signature.
func (enc *encoder) Append(args ...interface{}) error {
	for _, arg := range args {
		if err := enc.appendValue(reflect.ValueOf(arg)); err != nil {
			return err
		}
	}
	return nil
}

func (enc *encoder) appendValue(v reflect.Value) error {
	if !v.IsValid() {
		return errors.New("zbus: can not marshal untyped nil")
	}
	// Values whose static type is interface{} travel as variants.
	if v.Kind() == reflect.Interface && v.Type() == typeBlankInterface {
		return enc.appendValue(reflect.ValueOf(Variant{Value: v.Elem().Interface()}))
	}
	signature, err := SignatureOf(v.Type())
	if err != nil {
		return err
	}
	enc.signature += signature

	// Convert HasObjectPath values to ObjectPath strings.
	if v.Type() != typeObjectPath && v.Type().AssignableTo(typeHasObjectPath) {
		v = reflect.ValueOf(v.Interface().(HasObjectPath).GetObjectPath())
	}
	// We want pointed-to values here, rather than the pointers themselves.
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Uint8:
		enc.byte(byte(v.Uint()))
		return nil
	case reflect.Bool:
		var u uint32
		if v.Bool() {
			u = 1
		}
		enc.uint32(u)
		return nil
	case reflect.Int16:
		enc.align(2)
		binary.Write(&enc.data, enc.order, int16(v.Int()))
		return nil
	case reflect.Uint16:
		enc.align(2)
		binary.Write(&enc.data, enc.order, uint16(v.Uint()))
		return nil
	case reflect.Int32:
		enc.align(4)
		binary.Write(&enc.data, enc.order, int32(v.Int()))
		return nil
	case reflect.Uint32:
		enc.uint32(uint32(v.Uint()))
		return nil
	case reflect.Int64:
		enc.align(8)
		binary.Write(&enc.data, enc.order, v.Int())
		return nil
	case reflect.Uint64:
		enc.align(8)
		binary.Write(&enc.data, enc.order, v.Uint())
		return nil
	case reflect.Float64:
		enc.align(8)
		binary.Write(&enc.data, enc.order, v.Float())
		return nil
	case reflect.String:
		if v.Type() == typeSignature {
			enc.sig(Signature(v.String()))
			return nil
		}
		enc.string(v.String())
		return nil
	case reflect.Array, reflect.Slice:
		return enc.appendContainer(4, func(content *encoder) error {
			for i := 0; i < v.Len(); i++ {
				if err := content.appendValue(v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		}, alignmentFor(v.Type().Elem()))
	case reflect.Map:
		return enc.appendContainer(4, func(content *encoder) error {
			for _, key := range v.MapKeys() {
				content.align(8)
				if err := content.appendValue(key); err != nil {
					return err
				}
				if err := content.appendValue(v.MapIndex(key)); err != nil {
					return err
				}
			}
			return nil
		}, 8)
	case reflect.Struct:
		if v.Type() == typeVariant {
			variant := v.Interface().(Variant)
			variantSig, err := variant.signature()
			if err != nil {
				return err
			}
			// The variant value's type codes do not belong in the
			// outer signature.
			saved := enc.signature
			enc.sig(variantSig)
			if err := enc.appendValue(reflect.ValueOf(variant.Value)); err != nil {
				return err
			}
			enc.signature = saved
			return nil
		}
		enc.align(8)
		saved := enc.signature
		for i := 0; i != v.NumField(); i++ {
			if err := enc.appendValue(v.Field(i)); err != nil {
				return err
			}
		}
		enc.signature = saved
		return nil
	}
	return errors.New("zbus: could not marshal " + v.Type().String())
}

// appendContainer writes a length-prefixed container body produced by fill.
// The length does not cover the padding up to the first element.
func (enc *encoder) appendContainer(lenAlign int, fill func(*encoder) error, elemAlign int) error {
	enc.align(lenAlign)
	lengthPos := enc.data.Len()

	content := newEncoder(enc.order)
	content.offset = enc.offset + lengthPos + 4
	content.align(elemAlign)
	padding := content.data.Len()
	if err := fill(content); err != nil {
		return err
	}

	binary.Write(&enc.data, enc.order, uint32(content.data.Len()-padding))
	enc.data.Write(content.data.Bytes())
	return nil
}

func alignmentFor(t reflect.Type) int {
	switch t.Kind() {
	case reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Bool, reflect.Int32, reflect.Uint32, reflect.Array, reflect.Slice, reflect.Map:
		return 4
	case reflect.Int64, reflect.Uint64, reflect.Float64:
		return 8
	case reflect.String:
		if t == typeSignature {
			return 1
		}
		return 4
	case reflect.Struct:
		if t == typeVariant {
			return 1
		}
		return 8
	}
	return 1
}

type decoder struct {
	data  []byte
	order binary.ByteOrder
	pos   int
}

func newDecoder(data []byte, order binary.ByteOrder) *decoder {
	return &decoder{data: data, order: order}
}

func (dec *decoder) align(alignment int) {
	dec.pos = alignUp(dec.pos, alignment)
}

func (dec *decoder) need(n int) error {
	if dec.pos+n > len(dec.data) {
		return protocolErr("message truncated at offset %d", dec.pos)
	}
	return nil
}

func (dec *decoder) byte() (byte, error) {
	if err := dec.need(1); err != nil {
		return 0, err
	}
	b := dec.data[dec.pos]
	dec.pos++
	return b, nil
}

func (dec *decoder) uint16() (uint16, error) {
	dec.align(2)
	if err := dec.need(2); err != nil {
		return 0, err
	}
	u := dec.order.Uint16(dec.data[dec.pos:])
	dec.pos += 2
	return u, nil
}

func (dec *decoder) uint32() (uint32, error) {
	dec.align(4)
	if err := dec.need(4); err != nil {
		return 0, err
	}
	u := dec.order.Uint32(dec.data[dec.pos:])
	dec.pos += 4
	return u, nil
}

func (dec *decoder) uint64() (uint64, error) {
	dec.align(8)
	if err := dec.need(8); err != nil {
		return 0, err
	}
	u := dec.order.Uint64(dec.data[dec.pos:])
	dec.pos += 8
	return u, nil
}

func (dec *decoder) string() (string, error) {
	size, err := dec.uint32()
	if err != nil {
		return "", err
	}
	if err := dec.need(int(size) + 1); err != nil {
		return "", err
	}
	s := string(dec.data[dec.pos : dec.pos+int(size)])
	dec.pos += int(size) + 1
	return s, nil
}

func (dec *decoder) sig() (Signature, error) {
	size, err := dec.byte()
	if err != nil {
		return "", err
	}
	if err := dec.need(int(size) + 1); err != nil {
		return "", err
	}
	s := Signature(dec.data[dec.pos : dec.pos+int(size)])
	dec.pos += int(size) + 1
	return s, nil
}

// value decodes one complete type starting at sig[0] and returns the number
// of signature bytes consumed.
func (dec *decoder) value(sig Signature) (interface{}, int, error) {
	if len(sig) == 0 {
		return nil, 0, protocolErr("empty signature")
	}
	switch sig[0] {
	case 'y':
		v, err := dec.byte()
		return v, 1, err
	case 'b':
		u, err := dec.uint32()
		return u != 0, 1, err
	case 'n':
		u, err := dec.uint16()
		return int16(u), 1, err
	case 'q':
		u, err := dec.uint16()
		return u, 1, err
	case 'i':
		u, err := dec.uint32()
		return int32(u), 1, err
	case 'u':
		u, err := dec.uint32()
		return u, 1, err
	case 'h':
		u, err := dec.uint32()
		return UnixFD(u), 1, err
	case 'x':
		u, err := dec.uint64()
		return int64(u), 1, err
	case 't':
		u, err := dec.uint64()
		return u, 1, err
	case 'd':
		u, err := dec.uint64()
		return math.Float64frombits(u), 1, err
	case 's':
		s, err := dec.string()
		return s, 1, err
	case 'o':
		s, err := dec.string()
		return ObjectPath(s), 1, err
	case 'g':
		s, err := dec.sig()
		return s, 1, err
	case 'v':
		valueSig, err := dec.sig()
		if err != nil {
			return nil, 0, err
		}
		v, _, err := dec.value(valueSig)
		if err != nil {
			return nil, 0, err
		}
		return Variant{Value: v}, 1, nil
	case 'a':
		if len(sig) > 1 && sig[1] == '{' {
			return dec.dict(sig)
		}
		return dec.array(sig)
	case '(':
		inner, err := structSig(sig)
		if err != nil {
			return nil, 0, err
		}
		dec.align(8)
		fields, err := dec.values(inner)
		if err != nil {
			return nil, 0, err
		}
		return fields, len(inner) + 2, nil
	}
	return nil, 0, protocolErr("unknown type code %q", sig[0])
}

func (dec *decoder) array(sig Signature) (interface{}, int, error) {
	size, err := dec.uint32()
	if err != nil {
		return nil, 0, err
	}
	elemSig, err := singleType(sig[1:])
	if err != nil {
		return nil, 0, err
	}
	dec.align(sigAlignment(elemSig))
	end := dec.pos + int(size)
	if err := dec.need(int(size)); err != nil {
		return nil, 0, err
	}
	values := make([]interface{}, 0)
	for dec.pos < end {
		v, _, err := dec.value(elemSig)
		if err != nil {
			return nil, 0, err
		}
		values = append(values, v)
	}
	return values, 1 + len(elemSig), nil
}

func (dec *decoder) dict(sig Signature) (interface{}, int, error) {
	size, err := dec.uint32()
	if err != nil {
		return nil, 0, err
	}
	entrySig, err := singleType(sig[1:]) // {kv}
	if err != nil {
		return nil, 0, err
	}
	keySig := entrySig[1:2]
	valueSig := entrySig[2 : len(entrySig)-1]

	dec.align(8)
	end := dec.pos + int(size)
	if err := dec.need(int(size)); err != nil {
		return nil, 0, err
	}

	// The common a{sv} shape decodes to its natural Go representation.
	if keySig == "s" && valueSig == "v" {
		values := make(map[string]Variant)
		for dec.pos < end {
			dec.align(8)
			key, err := dec.string()
			if err != nil {
				return nil, 0, err
			}
			v, _, err := dec.value("v")
			if err != nil {
				return nil, 0, err
			}
			values[key] = v.(Variant)
		}
		return values, 1 + len(entrySig), nil
	}

	values := make(map[interface{}]interface{})
	for dec.pos < end {
		dec.align(8)
		key, _, err := dec.value(keySig)
		if err != nil {
			return nil, 0, err
		}
		v, _, err := dec.value(valueSig)
		if err != nil {
			return nil, 0, err
		}
		values[key] = v
	}
	return values, 1 + len(entrySig), nil
}

// values decodes a full signature into a flat argument slice.
func (dec *decoder) values(sig Signature) ([]interface{}, error) {
	out := make([]interface{}, 0, len(sig))
	for len(sig) > 0 {
		v, consumed, err := dec.value(sig)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		sig = sig[consumed:]
	}
	return out, nil
}

// singleType returns the leading complete type of sig.
func singleType(sig Signature) (Signature, error) {
	if len(sig) == 0 {
		return "", protocolErr("empty signature")
	}
	switch sig[0] {
	case 'a':
		inner, err := singleType(sig[1:])
		if err != nil {
			return "", err
		}
		return sig[:1+len(inner)], nil
	case '(':
		inner, err := structSig(sig)
		if err != nil {
			return "", err
		}
		return sig[:len(inner)+2], nil
	case '{':
		depth := 0
		for i := 1; i < len(sig); i++ {
			switch sig[i] {
			case '{':
				depth++
			case '}':
				if depth == 0 {
					return sig[:i+1], nil
				}
				depth--
			}
		}
		return "", protocolErr("unterminated dict entry in signature %q", sig)
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 'h', 's', 'o', 'g', 'v':
		return sig[:1], nil
	}
	return "", protocolErr("unknown type code %q", sig[0])
}

// structSig returns the content between the parens of a struct signature.
func structSig(sig Signature) (Signature, error) {
	if len(sig) == 0 || sig[0] != '(' {
		return "", protocolErr("not a struct signature: %q", sig)
	}
	depth := 0
	for i := 1; i < len(sig); i++ {
		switch sig[i] {
		case '(':
			depth++
		case ')':
			if depth == 0 {
				return sig[1:i], nil
			}
			depth--
		}
	}
	return "", protocolErr("unterminated struct in signature %q", sig)
}

func sigAlignment(sig Signature) int {
	switch sig[0] {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 'h', 's', 'o', 'a':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 1
}

// marshalMessage serializes a message to its wire representation.
func marshalMessage(m *Message) ([]byte, error) {
	body := newEncoder(binary.LittleEndian)
	if err := body.Append(m.Body...); err != nil {
		return nil, err
	}
	bodySig := body.signature
	if m.Sig != "" {
		bodySig = m.Sig
	}

	enc := newEncoder(binary.LittleEndian)
	enc.byte('l')
	enc.byte(byte(m.Type))
	enc.byte(byte(m.Flags))
	enc.byte(protocolVersion)
	enc.uint32(uint32(body.data.Len()))
	enc.uint32(m.serial)

	err := enc.appendContainer(4, func(fields *encoder) error {
		writeField := func(code byte, valueSig Signature, write func()) {
			fields.align(8)
			fields.byte(code)
			fields.sig(valueSig)
			write()
		}
		if m.Path != "" {
			writeField(fieldPath, "o", func() { fields.string(string(m.Path)) })
		}
		if m.Iface != "" {
			writeField(fieldInterface, "s", func() { fields.string(m.Iface) })
		}
		if m.Member != "" {
			writeField(fieldMember, "s", func() { fields.string(m.Member) })
		}
		if m.ErrorName != "" {
			writeField(fieldErrorName, "s", func() { fields.string(m.ErrorName) })
		}
		if m.replySerial != 0 {
			writeField(fieldReplySerial, "u", func() { fields.uint32(m.replySerial) })
		}
		if m.Dest != "" {
			writeField(fieldDestination, "s", func() { fields.string(m.Dest) })
		}
		if m.Sender != "" {
			writeField(fieldSender, "s", func() { fields.string(m.Sender) })
		}
		if bodySig != "" {
			writeField(fieldSignature, "g", func() { fields.sig(bodySig) })
		}
		if len(m.Fds) > 0 {
			writeField(fieldUnixFds, "u", func() { fields.uint32(uint32(len(m.Fds))) })
		}
		return nil
	}, 8)
	if err != nil {
		return nil, err
	}

	enc.align(8)
	enc.data.Write(body.data.Bytes())
	return enc.data.Bytes(), nil
}

// unmarshalMessage parses a complete wire frame. The fd list, if any, is
// attached by the caller.
func unmarshalMessage(frame []byte) (*Message, error) {
	if len(frame) < minHeaderSize {
		return nil, protocolErr("frame shorter than fixed header")
	}
	var order binary.ByteOrder
	switch frame[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, protocolErr("unknown endianness marker %q", frame[0])
	}

	m := &Message{
		Type:  MessageType(frame[1]),
		Flags: MessageFlag(frame[2]),
	}
	if frame[3] != protocolVersion {
		return nil, protocolErr("unsupported protocol version %d", frame[3])
	}
	bodyLen := order.Uint32(frame[4:])
	m.serial = order.Uint32(frame[8:])
	fieldsLen := order.Uint32(frame[12:])

	dec := newDecoder(frame, order)
	dec.pos = minHeaderSize
	end := minHeaderSize + int(fieldsLen)
	if err := dec.need(int(fieldsLen)); err != nil {
		return nil, err
	}
	var numFds uint32
	for dec.pos < end {
		dec.align(8)
		if dec.pos >= end {
			break
		}
		code, err := dec.byte()
		if err != nil {
			return nil, err
		}
		valueSig, err := dec.sig()
		if err != nil {
			return nil, err
		}
		v, _, err := dec.value(valueSig)
		if err != nil {
			return nil, err
		}
		switch code {
		case fieldPath:
			m.Path, _ = v.(ObjectPath)
		case fieldInterface:
			m.Iface, _ = v.(string)
		case fieldMember:
			m.Member, _ = v.(string)
		case fieldErrorName:
			m.ErrorName, _ = v.(string)
		case fieldReplySerial:
			m.replySerial, _ = v.(uint32)
		case fieldDestination:
			m.Dest, _ = v.(string)
		case fieldSender:
			m.Sender, _ = v.(string)
		case fieldSignature:
			m.Sig, _ = v.(Signature)
		case fieldUnixFds:
			numFds, _ = v.(uint32)
		}
	}

	dec.pos = alignUp(end, 8)
	if bodyLen > 0 {
		if err := dec.need(int(bodyLen)); err != nil {
			return nil, err
		}
		args, err := dec.values(m.Sig)
		if err != nil {
			return nil, err
		}
		m.Body = args
	}
	m.numFds = numFds
	return m, nil
}
