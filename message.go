package zbus

import (
	"fmt"
	"reflect"
)

// See the D-Bus specification for information about message types.
type MessageType uint8

const (
	TypeInvalid MessageType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

var messageTypeString = map[MessageType]string{
	TypeInvalid:      "invalid",
	TypeMethodCall:   "method_call",
	TypeMethodReturn: "method_return",
	TypeError:        "error",
	TypeSignal:       "signal",
}

func (t MessageType) String() string { return messageTypeString[t] }

type MessageFlag uint8

const (
	FlagNoReplyExpected MessageFlag = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

// Size of the fixed part of the wire header.
const minHeaderSize = 16

// MessageSequence is the position of a message in the order it was received
// from the socket. It is comparable across all streams of one connection,
// which lets consumers merge independently filtered streams back into
// arrival order.
type MessageSequence uint64

// Message is a single D-Bus message. Messages are immutable once sent and are
// shared by pointer between every consumer of a connection, so they must not
// be modified after handing them to a send operation.
type Message struct {
	Type      MessageType
	Flags     MessageFlag
	Path      ObjectPath
	Dest      string
	Iface     string
	Member    string
	ErrorName string
	Sender    string

	// Sig describes Body; it is filled in by AppendArgs and by the
	// decoder. Leaving it empty lets the marshaller derive it.
	Sig  Signature
	Body []interface{}

	// Fds holds file descriptors passed alongside the message.
	Fds []int

	serial      uint32
	replySerial uint32
	numFds      uint32
	recvSeq     MessageSequence
}

// NewMethodCallMessage creates a method call for the given destination,
// object path, interface and method name.
func NewMethodCallMessage(dest string, path ObjectPath, iface, member string) *Message {
	return &Message{
		Type:   TypeMethodCall,
		Dest:   dest,
		Path:   path,
		Iface:  iface,
		Member: member,
	}
}

// NewMethodReturnMessage creates a reply to the given method call.
func NewMethodReturnMessage(call *Message) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		Dest:        call.Sender,
		replySerial: call.serial,
	}
}

// NewErrorMessage creates an error reply to the given method call.
func NewErrorMessage(call *Message, name string, text string) *Message {
	m := &Message{
		Type:        TypeError,
		Dest:        call.Sender,
		ErrorName:   name,
		replySerial: call.serial,
	}
	if text != "" {
		m.AppendArgs(text)
	}
	return m
}

// NewSignalMessage creates a signal message.
func NewSignalMessage(path ObjectPath, iface, member string) *Message {
	return &Message{
		Type:   TypeSignal,
		Path:   path,
		Iface:  iface,
		Member: member,
	}
}

// AppendArgs adds the given values to the message body, extending the body
// signature to match.
func (m *Message) AppendArgs(args ...interface{}) error {
	for _, arg := range args {
		if arg == nil {
			return protocolErr("can not append untyped nil argument")
		}
		sig, err := SignatureOf(reflect.TypeOf(arg))
		if err != nil {
			return err
		}
		m.Sig += sig
		m.Body = append(m.Body, arg)
	}
	return nil
}

// Args unpacks the message body into the given pointers, converting decoded
// values where the Go types are compatible.
func (m *Message) Args(dest ...interface{}) error {
	if len(dest) > len(m.Body) {
		return protocolErr("message has %d arguments, want %d", len(m.Body), len(dest))
	}
	for i, d := range dest {
		ptr := reflect.ValueOf(d)
		if ptr.Kind() != reflect.Ptr || ptr.IsNil() {
			return fmt.Errorf("zbus: Args destination %d is not a non-nil pointer", i)
		}
		if err := assignArg(ptr.Elem(), m.Body[i]); err != nil {
			return fmt.Errorf("zbus: argument %d: %w", i, err)
		}
	}
	return nil
}

func assignArg(out reflect.Value, value interface{}) error {
	v := reflect.ValueOf(value)
	// Unbox variants when the destination is not a Variant itself.
	if v.IsValid() && v.Type() == typeVariant && out.Type() != typeVariant {
		return assignArg(out, value.(Variant).Value)
	}
	switch {
	case !v.IsValid():
		return protocolErr("missing value")
	case v.Type().AssignableTo(out.Type()):
		out.Set(v)
	case v.Type().ConvertibleTo(out.Type()) && v.Kind() == out.Kind():
		out.Set(v.Convert(out.Type()))
	case out.Kind() == reflect.String && v.Kind() == reflect.String:
		out.SetString(v.String())
	case out.Kind() == reflect.Slice && v.Kind() == reflect.Slice:
		slice := reflect.MakeSlice(out.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			if err := assignArg(slice.Index(i), v.Index(i).Interface()); err != nil {
				return err
			}
		}
		out.Set(slice)
	default:
		return protocolErr("can not store %T into %s", value, out.Type())
	}
	return nil
}

// Serial returns the connection-local serial stamped on the message, or zero
// when it has not been assigned yet.
func (m *Message) Serial() uint32 { return m.serial }

// ReplySerial returns the serial of the call this message replies to.
func (m *Message) ReplySerial() uint32 { return m.replySerial }

// SetSerial pre-assigns a serial number. Send paths only stamp a serial when
// none is present, so a pre-assigned value survives.
func (m *Message) SetSerial(serial uint32) { m.serial = serial }

// ReceiveSequence returns the arrival position of a received message.
func (m *Message) ReceiveSequence() MessageSequence { return m.recvSeq }

// isReplyTo reports whether the message completes the call with the given
// serial.
func (m *Message) isReplyTo(serial uint32) bool {
	return (m.Type == TypeMethodReturn || m.Type == TypeError) && m.replySerial == serial
}

// AsError converts an error message into a MethodError.
func (m *Message) AsError() *MethodError {
	if m.Type != TypeError {
		return nil
	}
	return &MethodError{Name: m.ErrorName, Body: m.Body}
}

func (m *Message) String() string {
	switch m.Type {
	case TypeMethodCall:
		return "Method call " + m.Member
	case TypeMethodReturn:
		return "Method return"
	case TypeError:
		name := m.ErrorName
		if text := (&MethodError{Name: name, Body: m.Body}).Text(); text != "" {
			return "Error " + name + ": " + text
		}
		return "Error " + name
	case TypeSignal:
		return "Signal " + m.Member
	}
	return "Invalid message"
}

// validate checks the header names before a send.
func (m *Message) validate() error {
	if m.Dest != "" {
		if err := ValidateBusName(m.Dest); err != nil {
			return err
		}
	}
	if m.Path != "" {
		if err := ValidateObjectPath(m.Path); err != nil {
			return err
		}
	}
	if m.Iface != "" {
		if err := ValidateInterfaceName(m.Iface); err != nil {
			return err
		}
	}
	if m.Member != "" {
		if err := ValidateMemberName(m.Member); err != nil {
			return err
		}
	}
	if m.ErrorName != "" {
		if err := ValidateErrorName(m.ErrorName); err != nil {
			return err
		}
	}
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" || m.Member == "" {
			return protocolErr("method call without path or member")
		}
	case TypeSignal:
		if m.Path == "" || m.Iface == "" || m.Member == "" {
			return protocolErr("signal without path, interface or member")
		}
	case TypeError:
		if m.ErrorName == "" || m.replySerial == 0 {
			return protocolErr("error message without name or reply serial")
		}
	case TypeMethodReturn:
		if m.replySerial == 0 {
			return protocolErr("method return without reply serial")
		}
	}
	return nil
}
