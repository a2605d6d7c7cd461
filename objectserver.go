package zbus

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
)

// Well-known error names replied by the object server.
const (
	errUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	errUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	errUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	errFailed           = "org.freedesktop.DBus.Error.Failed"
)

// MethodHandler implements one exported method. The returned values become
// the reply body. Returning a *MethodError produces an error reply with that
// name; any other error is reported as org.freedesktop.DBus.Error.Failed.
type MethodHandler func(ctx context.Context, conn *Connection, call *Message) ([]interface{}, error)

// InterfaceHandler maps method names to their handlers.
type InterfaceHandler map[string]MethodHandler

// ObjectServer dispatches incoming method calls to exported interfaces. It
// is created on demand, at most once per connection, and fed by its own
// broadcast subscription. The handler table sits behind a read/write lock:
// dispatch holds read access while handlers run, Export and Unexport take it
// exclusively.
type ObjectServer struct {
	conn *Connection

	mu      sync.RWMutex
	objects map[ObjectPath]map[string]InterfaceHandler
}

// ObjectServer returns the connection's object server, creating it on first
// use. On bus connections this also starts the dispatch task, so exported
// objects are reachable before RequestName returns.
func (c *Connection) ObjectServer() *ObjectServer {
	srv := c.ensureObjectServer()
	if c.IsBus() {
		c.startObjectServer()
	}
	return srv
}

func (c *Connection) ensureObjectServer() *ObjectServer {
	c.inner.srvOnce.Do(func() {
		c.inner.srv = &ObjectServer{
			conn:    &Connection{inner: c.inner, scope: c.scope},
			objects: make(map[ObjectPath]map[string]InterfaceHandler),
		}
	})
	return c.inner.srv
}

// startObjectServer ensures the object server and its message feed exist.
func (c *Connection) startObjectServer() {
	c.inner.srvTaskOnce.Do(func() {
		srv := c.ensureObjectServer()
		stream := c.inner.msgs.subscribe()
		c.inner.exec.spawn(func(ctx context.Context) {
			defer stream.Close()
			for {
				m, err := stream.Next(ctx)
				if err != nil {
					return
				}
				if m.Type != TypeMethodCall {
					continue
				}
				msg := m
				c.inner.exec.spawn(func(ctx context.Context) {
					srv.dispatch(ctx, msg)
				})
			}
		})
	})
}

// Export publishes an interface implementation at the given path.
func (s *ObjectServer) Export(path ObjectPath, iface string, handler InterfaceHandler) error {
	if err := ValidateObjectPath(path); err != nil {
		return err
	}
	if err := ValidateInterfaceName(iface); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ifaces, ok := s.objects[path]
	if !ok {
		ifaces = make(map[string]InterfaceHandler)
		s.objects[path] = ifaces
	}
	ifaces[iface] = handler
	return nil
}

// Unexport removes an interface from the given path, reporting whether it
// was exported.
func (s *ObjectServer) Unexport(path ObjectPath, iface string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ifaces, ok := s.objects[path]
	if !ok {
		return false
	}
	if _, ok := ifaces[iface]; !ok {
		return false
	}
	delete(ifaces, iface)
	if len(ifaces) == 0 {
		delete(s.objects, path)
	}
	return true
}

// dispatch answers one method call.
func (s *ObjectServer) dispatch(ctx context.Context, call *Message) {
	reply, err := s.handleCall(ctx, call)
	if call.Flags&FlagNoReplyExpected != 0 {
		return
	}
	var sendErr error
	if err != nil {
		merr, ok := err.(*MethodError)
		if !ok {
			merr = &MethodError{Name: errFailed, Body: []interface{}{err.Error()}}
		}
		_, sendErr = s.conn.ReplyError(call, merr.Name, merr.Text())
	} else {
		_, sendErr = s.conn.Reply(call, reply...)
	}
	if sendErr != nil {
		s.conn.inner.log.WithError(sendErr).Warn("object server could not send reply")
	}
}

func (s *ObjectServer) handleCall(ctx context.Context, call *Message) ([]interface{}, error) {
	switch call.Iface {
	case PeerIface:
		return s.handlePeer(call)
	case IntrospectableIface:
		if call.Member == "Introspect" {
			return s.introspect(call.Path)
		}
	}

	s.mu.RLock()
	ifaces, ok := s.objects[call.Path]
	var handler MethodHandler
	if ok {
		if call.Iface != "" {
			if methods, found := ifaces[call.Iface]; found {
				handler = methods[call.Member]
			} else {
				s.mu.RUnlock()
				return nil, &MethodError{Name: errUnknownInterface,
					Body: []interface{}{"unknown interface " + call.Iface}}
			}
		} else {
			// Calls without an interface match any exported one.
			for _, methods := range ifaces {
				if fn, found := methods[call.Member]; found {
					handler = fn
					break
				}
			}
		}
	}
	if !ok {
		s.mu.RUnlock()
		return nil, &MethodError{Name: errUnknownObject,
			Body: []interface{}{"unknown object path " + string(call.Path)}}
	}
	if handler == nil {
		s.mu.RUnlock()
		return nil, &MethodError{Name: errUnknownMethod,
			Body: []interface{}{"unknown method " + call.Member}}
	}
	// The read lock stays held while the handler runs, so Unexport waits
	// for in-flight calls.
	defer s.mu.RUnlock()
	return handler(ctx, s.conn, call)
}

func (s *ObjectServer) handlePeer(call *Message) ([]interface{}, error) {
	switch call.Member {
	case "Ping":
		return nil, nil
	case "GetMachineId":
		return []interface{}{machineId(s.conn.ServerGUID())}, nil
	}
	return nil, &MethodError{Name: errUnknownMethod,
		Body: []interface{}{"unknown method " + call.Member}}
}

// introspect describes the node at path: its interfaces plus the immediate
// child nodes implied by deeper exports.
func (s *ObjectServer) introspect(path ObjectPath) ([]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node := IntrospectNode{
		Interfaces: []IntrospectInterface{
			{Name: PeerIface, Methods: []IntrospectMethod{
				{Name: "Ping"},
				{Name: "GetMachineId", Args: []IntrospectArg{{Name: "machine_uuid", Type: "s", Direction: "out"}}},
			}},
			{Name: IntrospectableIface, Methods: []IntrospectMethod{
				{Name: "Introspect", Args: []IntrospectArg{{Name: "xml_data", Type: "s", Direction: "out"}}},
			}},
		},
	}
	if ifaces, ok := s.objects[path]; ok {
		names := make([]string, 0, len(ifaces))
		for name := range ifaces {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			methods := make([]IntrospectMethod, 0, len(ifaces[name]))
			memberNames := make([]string, 0, len(ifaces[name]))
			for member := range ifaces[name] {
				memberNames = append(memberNames, member)
			}
			sort.Strings(memberNames)
			for _, member := range memberNames {
				methods = append(methods, IntrospectMethod{Name: member})
			}
			node.Interfaces = append(node.Interfaces, IntrospectInterface{Name: name, Methods: methods})
		}
	}

	prefix := string(path)
	if prefix != "/" {
		prefix += "/"
	}
	seen := make(map[string]struct{})
	for other := range s.objects {
		rest, ok := strings.CutPrefix(string(other), prefix)
		if !ok || rest == "" {
			continue
		}
		child := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			child = rest[:idx]
		}
		if _, dup := seen[child]; !dup {
			seen[child] = struct{}{}
			node.Children = append(node.Children, IntrospectNode{Name: child})
		}
	}
	sort.Slice(node.Children, func(i, j int) bool { return node.Children[i].Name < node.Children[j].Name })

	xmlDoc, err := node.XML()
	if err != nil {
		return nil, err
	}
	return []interface{}{xmlDoc}, nil
}

// machineId returns the local machine's D-Bus id, falling back to the server
// GUID when the usual files are unavailable.
func machineId(fallback string) string {
	for _, file := range []string{"/var/lib/dbus/machine-id", "/etc/machine-id"} {
		if data, err := os.ReadFile(file); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return fallback
}
