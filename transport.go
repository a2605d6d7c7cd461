package zbus

import (
	"errors"
	"net"
	"net/url"
	"os"
	"strings"
)

// A transport dials one entry of a D-Bus server address.
type transport interface {
	Dial() (net.Conn, error)
}

// newTransport parses a D-Bus server address such as
// "unix:path=/run/user/1000/bus" or "tcp:host=localhost,port=4444".
func newTransport(address string) (transport, error) {
	idx := strings.Index(address, ":")
	if idx < 0 {
		return nil, errors.New("zbus: malformed server address " + address)
	}
	transportType := address[:idx]
	options := make(map[string]string)
	if rest := address[idx+1:]; rest != "" {
		for _, option := range strings.Split(rest, ",") {
			pair := strings.SplitN(option, "=", 2)
			if len(pair) != 2 {
				return nil, errors.New("zbus: malformed address option " + option)
			}
			key, err := url.QueryUnescape(pair[0])
			if err != nil {
				return nil, err
			}
			value, err := url.QueryUnescape(pair[1])
			if err != nil {
				return nil, err
			}
			options[key] = value
		}
	}

	switch transportType {
	case "unix":
		if abstract, ok := options["abstract"]; ok {
			return &unixTransport{"@" + abstract}, nil
		} else if path, ok := options["path"]; ok {
			return &unixTransport{path}, nil
		}
		return nil, errors.New("zbus: unix transport requires 'path' or 'abstract' option")
	case "tcp", "nonce-tcp":
		address := options["host"] + ":" + options["port"]
		var family string
		switch options["family"] {
		case "", "ipv4":
			family = "tcp4"
		case "ipv6":
			family = "tcp6"
		default:
			return nil, errors.New("zbus: unknown family for tcp transport: " + options["family"])
		}
		if transportType == "tcp" {
			return &tcpTransport{address, family}, nil
		}
		return &nonceTcpTransport{address, family, options["noncefile"]}, nil
	}

	return nil, errors.New("zbus: unhandled transport type " + transportType)
}

type unixTransport struct {
	Address string
}

func (trans *unixTransport) Dial() (net.Conn, error) {
	return net.Dial("unix", trans.Address)
}

type tcpTransport struct {
	Address, Family string
}

func (trans *tcpTransport) Dial() (net.Conn, error) {
	return net.Dial(trans.Family, trans.Address)
}

type nonceTcpTransport struct {
	Address, Family, NonceFile string
}

func (trans *nonceTcpTransport) Dial() (net.Conn, error) {
	data, err := os.ReadFile(trans.NonceFile)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial(trans.Family, trans.Address)
	if err != nil {
		return nil, err
	}
	// The nonce goes out before anything else; the connection is not
	// shared yet so no locking applies here.
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
