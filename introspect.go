package zbus

import (
	"encoding/xml"
	"strings"
)

// Introspection document model, usable both for parsing remote
// Introspect output and for generating the object server's own answers.

const introspectDocType = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

type IntrospectArg struct {
	Name      string `xml:"name,attr,omitempty"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr,omitempty"`
}

type IntrospectMethod struct {
	Name string          `xml:"name,attr"`
	Args []IntrospectArg `xml:"arg"`
}

type IntrospectSignal struct {
	Name string          `xml:"name,attr"`
	Args []IntrospectArg `xml:"arg"`
}

type IntrospectProperty struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
}

type IntrospectInterface struct {
	Name       string               `xml:"name,attr"`
	Methods    []IntrospectMethod   `xml:"method"`
	Signals    []IntrospectSignal   `xml:"signal"`
	Properties []IntrospectProperty `xml:"property"`
}

type IntrospectNode struct {
	XMLName    xml.Name              `xml:"node"`
	Name       string                `xml:"name,attr,omitempty"`
	Interfaces []IntrospectInterface `xml:"interface"`
	Children   []IntrospectNode      `xml:"node"`
}

// ParseIntrospect parses an introspection document.
func ParseIntrospect(data string) (*IntrospectNode, error) {
	node := new(IntrospectNode)
	if err := xml.Unmarshal([]byte(data), node); err != nil {
		return nil, err
	}
	return node, nil
}

// XML renders the node as an introspection document.
func (n *IntrospectNode) XML() (string, error) {
	out, err := xml.MarshalIndent(n, "", "  ")
	if err != nil {
		return "", err
	}
	return introspectDocType + string(out) + "\n", nil
}

// Interface looks up an interface by name.
func (n *IntrospectNode) Interface(name string) *IntrospectInterface {
	for i := range n.Interfaces {
		if n.Interfaces[i].Name == name {
			return &n.Interfaces[i]
		}
	}
	return nil
}

// Method looks up a method by name.
func (i *IntrospectInterface) Method(name string) *IntrospectMethod {
	for m := range i.Methods {
		if i.Methods[m].Name == name {
			return &i.Methods[m]
		}
	}
	return nil
}

// InSignature concatenates the signatures of the method's "in" arguments.
func (m *IntrospectMethod) InSignature() string {
	var sig strings.Builder
	for _, arg := range m.Args {
		if strings.EqualFold(arg.Direction, "in") {
			sig.WriteString(arg.Type)
		}
	}
	return sig.String()
}

// OutSignature concatenates the signatures of the method's "out" arguments.
func (m *IntrospectMethod) OutSignature() string {
	var sig strings.Builder
	for _, arg := range m.Args {
		if strings.EqualFold(arg.Direction, "out") {
			sig.WriteString(arg.Type)
		}
	}
	return sig.String()
}

// Signature concatenates the signal's argument signatures.
func (s *IntrospectSignal) Signature() string {
	var sig strings.Builder
	for _, arg := range s.Args {
		sig.WriteString(arg.Type)
	}
	return sig.String()
}
