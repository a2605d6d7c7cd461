package zbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// CacheProperties selects how a Proxy caches the remote object's properties.
type CacheProperties int

const (
	// CachePropertiesLazily starts the cache on the first GetProperty or
	// ReceivePropertyChanged call; CachedProperty does not start it.
	CachePropertiesLazily CacheProperties = iota
	// CachePropertiesYes starts the cache when the proxy is created.
	CachePropertiesYes
	// CachePropertiesNo disables caching; every read is a bus call.
	CachePropertiesNo
)

// Proxy is a client-side handle to one interface of a remote object.
type Proxy struct {
	inner *proxyInner
}

type proxyInner struct {
	conn  *Connection
	dest  string
	path  ObjectPath
	iface string

	cacheMode CacheProperties
	cacheOnce sync.Once
	cache     atomic.Pointer[propertiesCache]

	// One NameOwnerChanged watch per proxy, installed on first signal
	// interest for a well-known destination and removed on Close.
	watchOnce     sync.Once
	destWatchExpr string

	closeOnce sync.Once
}

// NewProxy creates a proxy for the given destination, object path and
// interface, with lazy property caching.
func NewProxy(conn *Connection, dest string, path ObjectPath, iface string) (*Proxy, error) {
	return NewProxyWithCache(context.Background(), conn, dest, path, iface, CachePropertiesLazily)
}

// NewProxyWithCache is NewProxy with explicit cache behavior. With
// CachePropertiesYes the population task starts immediately.
func NewProxyWithCache(ctx context.Context, conn *Connection, dest string, path ObjectPath, iface string, mode CacheProperties) (*Proxy, error) {
	if dest != "" {
		if err := ValidateBusName(dest); err != nil {
			return nil, err
		}
	}
	if err := ValidateObjectPath(path); err != nil {
		return nil, err
	}
	if err := ValidateInterfaceName(iface); err != nil {
		return nil, err
	}
	p := &Proxy{inner: &proxyInner{
		conn:      conn,
		dest:      dest,
		path:      path,
		iface:     iface,
		cacheMode: mode,
	}}
	if mode == CachePropertiesYes {
		p.getPropertyCache()
	}
	return p, nil
}

// Connection returns the proxy's connection.
func (p *Proxy) Connection() *Connection { return p.inner.conn }

// Destination returns the destination service name.
func (p *Proxy) Destination() string { return p.inner.dest }

// Path returns the object path.
func (p *Proxy) Path() ObjectPath { return p.inner.path }

// Interface returns the interface name.
func (p *Proxy) Interface() string { return p.inner.iface }

// Call invokes a method on the proxied interface and returns the reply.
func (p *Proxy) Call(ctx context.Context, method string, args ...interface{}) (*Message, error) {
	return p.inner.conn.CallMethod(ctx, p.inner.dest, p.inner.path, p.inner.iface, method, args...)
}

// CallNoReply invokes a method with the NoReplyExpected flag and does not
// wait for an answer.
func (p *Proxy) CallNoReply(ctx context.Context, method string, args ...interface{}) error {
	msg := NewMethodCallMessage(p.inner.dest, p.inner.path, p.inner.iface, method)
	msg.Flags |= FlagNoReplyExpected
	msg.Sender = p.inner.conn.UniqueName()
	if err := msg.AppendArgs(args...); err != nil {
		return err
	}
	_, err := p.inner.conn.SendMessage(msg)
	return err
}

// Introspect returns the XML description of the remote object.
func (p *Proxy) Introspect(ctx context.Context) (string, error) {
	reply, err := p.inner.conn.CallMethod(ctx, p.inner.dest, p.inner.path, IntrospectableIface, "Introspect")
	if err != nil {
		return "", err
	}
	var data string
	err = reply.Args(&data)
	return data, err
}

// destinationUniqueName installs the per-proxy NameOwnerChanged watch that
// keeps signal filtering in lock-step with the destination's owner. It only
// applies to well-known destinations on a bus connection and is recorded
// once.
func (p *proxyInner) destinationUniqueName(ctx context.Context) error {
	if !p.conn.IsBus() || !IsWellKnownName(p.dest) || p.dest == BusDaemonName {
		return nil
	}
	var err error
	p.watchOnce.Do(func() {
		rule := MatchRule{
			Type:      TypeSignal,
			Sender:    BusDaemonName,
			Path:      BusDaemonPath,
			Interface: BusDaemonIface,
			Member:    "NameOwnerChanged",
			Arg0:      p.dest,
		}
		expr := rule.String()
		if addErr := p.conn.AddMatch(ctx, expr); addErr != nil {
			err = addErr
			return
		}
		p.destWatchExpr = expr
	})
	return err
}

// ReceiveSignal creates a stream for the named signal of the proxied
// interface.
func (p *Proxy) ReceiveSignal(ctx context.Context, member string) (*SignalStream, error) {
	if err := ValidateMemberName(member); err != nil {
		return nil, err
	}
	return p.receiveSignals(ctx, member)
}

// ReceiveAllSignals creates a stream for every signal of the proxied
// interface.
func (p *Proxy) ReceiveAllSignals(ctx context.Context) (*SignalStream, error) {
	return p.receiveSignals(ctx, "")
}

func (p *Proxy) receiveSignals(ctx context.Context, member string) (*SignalStream, error) {
	if err := p.inner.destinationUniqueName(ctx); err != nil {
		return nil, err
	}
	return newSignalStream(ctx, p.inner.conn, signalStreamConfig{
		dest:   p.inner.dest,
		path:   p.inner.path,
		iface:  p.inner.iface,
		member: member,
	})
}

// ReceiveOwnerChanged yields the owner of the proxy's destination every time
// it changes.
func (p *Proxy) ReceiveOwnerChanged(ctx context.Context) (*OwnerChangedStream, error) {
	stream, err := newSignalStream(ctx, p.inner.conn, signalStreamConfig{
		dest:   BusDaemonName,
		path:   BusDaemonPath,
		iface:  BusDaemonIface,
		member: "NameOwnerChanged",
	})
	if err != nil {
		return nil, err
	}
	return &OwnerChangedStream{name: p.inner.dest, stream: stream}, nil
}

// SignalRegistration identifies a callback registered with ConnectSignal.
type SignalRegistration struct {
	conn *Connection
	key  handlerKey
	once sync.Once
}

// Disconnect removes the callback. The bus-side match removal is scheduled
// on the executor, so Disconnect never blocks.
func (r *SignalRegistration) Disconnect() {
	r.once.Do(func() {
		r.conn.queueRemoveSignalHandler(r.key)
	})
}

// ConnectSignal registers fn to run on the connection's scope for each
// matching signal. Within a scope, callbacks for one message complete before
// the next message is dispatched; see Connection.NewScope.
func (p *Proxy) ConnectSignal(ctx context.Context, member string, fn HandlerFunc) (*SignalRegistration, error) {
	if member != "" {
		if err := ValidateMemberName(member); err != nil {
			return nil, err
		}
	}
	rule := MatchRule{
		Type:      TypeSignal,
		Sender:    p.inner.dest,
		Path:      p.inner.path,
		Interface: p.inner.iface,
		Member:    member,
	}
	key, err := p.inner.conn.addSignalHandler(ctx, &signalHandler{
		path:      p.inner.path,
		iface:     p.inner.iface,
		member:    member,
		matchExpr: rule.String(),
		fn:        fn,
	})
	if err != nil {
		return nil, err
	}
	return &SignalRegistration{conn: p.inner.conn, key: key}, nil
}

// Close releases the proxy's bus-side resources: the destination owner watch
// and the property cache task. It never blocks.
func (p *Proxy) Close() {
	p.inner.closeOnce.Do(func() {
		if p.inner.destWatchExpr != "" {
			p.inner.conn.queueRemoveMatch(p.inner.destWatchExpr)
		}
		if cache := p.inner.cache.Load(); cache != nil {
			cache.closeStream()
		}
	})
}

// propertyValue is one cache slot. A present slot with a nil value is an
// invalidated property: known to exist, current value unknown.
type propertyValue struct {
	value   *Variant
	written bool // touched by a change or invalidation signal
	event   *activityMonitor
}

// propertiesCache is the per-proxy property cache. It is populated by a race
// between the initial GetAll and live PropertiesChanged signals; both are
// consumed off one subscription in arrival order, so a fresher signal can
// never be overwritten by the older bulk fetch.
type propertiesCache struct {
	mu     sync.RWMutex
	values map[string]*propertyValue
	stream *SignalStream

	ready     chan error
	readyOnce sync.Once
}

func newPropertiesCache() *propertiesCache {
	return &propertiesCache{
		values: make(map[string]*propertyValue),
		ready:  make(chan error, 1),
	}
}

// finish resolves the ready channel exactly once.
func (pc *propertiesCache) finish(err error) {
	pc.readyOnce.Do(func() {
		if err != nil {
			pc.ready <- err
		}
		close(pc.ready)
	})
}

// readyWait blocks until the first population attempt completed. Only the
// first caller sees a population error; later callers observe the closed
// channel and use the cache as-is.
func (pc *propertiesCache) readyWait(ctx context.Context) error {
	select {
	case err := <-pc.ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (pc *propertiesCache) ensure(name string) *propertyValue {
	if entry, ok := pc.values[name]; ok {
		return entry
	}
	entry := &propertyValue{event: newActivityMonitor()}
	pc.values[name] = entry
	return entry
}

// update applies one PropertiesChanged signal.
func (pc *propertiesCache) update(changed map[string]Variant, invalidated []string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, name := range invalidated {
		if entry, ok := pc.values[name]; ok {
			entry.value = nil
			entry.written = true
			entry.event.notify()
		}
	}
	for name, value := range changed {
		value := value
		entry := pc.ensure(name)
		entry.value = &value
		entry.written = true
		entry.event.notify()
	}
}

// populate applies the GetAll reply, only to slots no signal has touched:
// anything that arrived before the reply was applied first and must win.
func (pc *propertiesCache) populate(values map[string]Variant) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for name, value := range values {
		value := value
		entry := pc.ensure(name)
		if entry.written {
			continue
		}
		entry.value = &value
		entry.event.notify()
	}
}

func (pc *propertiesCache) cachedValue(name string) *Variant {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if entry, ok := pc.values[name]; ok {
		return entry.value
	}
	return nil
}

func (pc *propertiesCache) setValue(name string, value Variant) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	entry := pc.ensure(name)
	entry.value = &value
	entry.written = true
}

func (pc *propertiesCache) setStream(s *SignalStream) {
	pc.mu.Lock()
	pc.stream = s
	pc.mu.Unlock()
}

func (pc *propertiesCache) closeStream() {
	pc.mu.Lock()
	stream := pc.stream
	pc.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// getPropertyCache returns the cache, starting its background task on first
// use. Returns nil when caching is disabled.
func (p *Proxy) getPropertyCache() *propertiesCache {
	if p.inner.cacheMode == CachePropertiesNo {
		return nil
	}
	p.inner.cacheOnce.Do(func() {
		pc := newPropertiesCache()
		p.inner.cache.Store(pc)
		inner := p.inner
		inner.conn.inner.exec.spawn(func(ctx context.Context) {
			inner.runPropertyCache(ctx, pc)
		})
	})
	return p.inner.cache.Load()
}

// runPropertyCache is the single background task of a caching proxy. It
// subscribes to PropertiesChanged, issues GetAll with a pre-assigned serial,
// and consumes both off the same subscription so they apply in arrival
// order.
func (inner *proxyInner) runPropertyCache(ctx context.Context, pc *propertiesCache) {
	conn := inner.conn

	if err := inner.destinationUniqueName(ctx); err != nil {
		pc.finish(err)
		return
	}

	getAll := NewMethodCallMessage(inner.dest, inner.path, PropertiesIface, "GetAll")
	getAll.Sender = conn.UniqueName()
	if err := getAll.AppendArgs(inner.iface); err != nil {
		pc.finish(err)
		return
	}
	serial := conn.AssignSerialNum(getAll)

	stream, err := newSignalStream(ctx, conn, signalStreamConfig{
		dest:       inner.dest,
		path:       inner.path,
		iface:      PropertiesIface,
		member:     "PropertiesChanged",
		watchReply: serial,
	})
	if err != nil {
		pc.finish(err)
		return
	}
	pc.setStream(stream)
	defer stream.Close()

	if _, err := conn.SendMessage(getAll); err != nil {
		pc.finish(err)
		return
	}

	for {
		m, err := stream.Next(ctx)
		if err != nil {
			pc.finish(fmt.Errorf("property cache: %w", ErrBrokenPipe))
			return
		}
		if m.replySerial == serial {
			if m.Type == TypeError {
				pc.finish(m.AsError())
				continue
			}
			var values map[string]Variant
			if err := m.Args(&values); err != nil {
				pc.finish(err)
				continue
			}
			pc.populate(values)
			pc.finish(nil)
			continue
		}

		var ifaceName string
		var changed map[string]Variant
		var invalidated []string
		if err := m.Args(&ifaceName, &changed, &invalidated); err != nil {
			continue
		}
		if ifaceName != inner.iface {
			continue
		}
		pc.update(changed, invalidated)
	}
}

// CachedProperty returns the cached value of the property, or nil on a cache
// miss: caching disabled, cache not yet populated, or the property
// invalidated.
func (p *Proxy) CachedProperty(name string) *Variant {
	pc := p.inner.cache.Load()
	if pc == nil {
		return nil
	}
	return pc.cachedValue(name)
}

// GetProperty returns the property value, from the cache when possible and
// through org.freedesktop.DBus.Properties.Get otherwise.
func (p *Proxy) GetProperty(ctx context.Context, name string) (Variant, error) {
	if pc := p.getPropertyCache(); pc != nil {
		if err := pc.readyWait(ctx); err != nil {
			return Variant{}, err
		}
		if v := pc.cachedValue(name); v != nil {
			return *v, nil
		}
	}
	return p.getRemoteProperty(ctx, name)
}

func (p *Proxy) getRemoteProperty(ctx context.Context, name string) (Variant, error) {
	reply, err := p.inner.conn.CallMethod(ctx, p.inner.dest, p.inner.path, PropertiesIface, "Get", p.inner.iface, name)
	if err != nil {
		return Variant{}, err
	}
	var v Variant
	err = reply.Args(&v)
	return v, err
}

// SetProperty calls org.freedesktop.DBus.Properties.Set.
func (p *Proxy) SetProperty(ctx context.Context, name string, value interface{}) error {
	_, err := p.inner.conn.CallMethod(ctx, p.inner.dest, p.inner.path, PropertiesIface, "Set", p.inner.iface, name, Variant{Value: value})
	return err
}

// GetAllProperties calls org.freedesktop.DBus.Properties.GetAll.
func (p *Proxy) GetAllProperties(ctx context.Context) (map[string]Variant, error) {
	reply, err := p.inner.conn.CallMethod(ctx, p.inner.dest, p.inner.path, PropertiesIface, "GetAll", p.inner.iface)
	if err != nil {
		return nil, err
	}
	var values map[string]Variant
	err = reply.Args(&values)
	return values, err
}

// PropertyStream yields a PropertyChanged item every time one property is
// changed or invalidated. Updates are not queued: a slow reader only
// observes the latest state.
type PropertyStream struct {
	name     string
	proxy    *Proxy
	listener <-chan struct{}
}

// ReceivePropertyChanged returns a stream of change notifications for the
// named property. The property's cache slot is pre-registered so the initial
// population also produces a notification. With caching disabled the stream
// yields nothing.
func (p *Proxy) ReceivePropertyChanged(name string) *PropertyStream {
	ps := &PropertyStream{name: name, proxy: p}
	if pc := p.getPropertyCache(); pc != nil {
		pc.mu.Lock()
		ps.listener = pc.ensure(name).event.listen()
		pc.mu.Unlock()
	}
	return ps
}

// Next blocks until the property changes again.
func (ps *PropertyStream) Next(ctx context.Context) (*PropertyChanged, error) {
	pc := ps.proxy.inner.cache.Load()
	if ps.listener == nil || pc == nil {
		return nil, ErrStreamClosed
	}
	select {
	case <-ps.listener:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	pc.mu.Lock()
	ps.listener = pc.ensure(ps.name).event.listen()
	pc.mu.Unlock()
	return &PropertyChanged{name: ps.name, proxy: ps.proxy}, nil
}

// PropertyChanged is one property change notification.
type PropertyChanged struct {
	name  string
	proxy *Proxy
}

// Name returns the name of the property that changed.
func (pc *PropertyChanged) Name() string { return pc.name }

// Value returns the property's value as cached when Value is called, which
// may be newer than the change that produced the notification. When the slot
// holds no value (an invalidation) the value is fetched with a Get call and
// re-cached transparently.
func (pc *PropertyChanged) Value(ctx context.Context) (Variant, error) {
	cache := pc.proxy.inner.cache.Load()
	if cache != nil {
		if v := cache.cachedValue(pc.name); v != nil {
			return *v, nil
		}
	}
	// Invalidated: fetch the fresh value.
	v, err := pc.proxy.getRemoteProperty(ctx, pc.name)
	if err != nil {
		return Variant{}, err
	}
	if cache != nil {
		cache.setValue(pc.name, v)
	}
	return v, nil
}
