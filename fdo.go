package zbus

import "context"

// NameFlags modify RequestName behavior, as defined by the bus daemon.
type NameFlags uint32

const (
	NameFlagAllowReplacement NameFlags = 1 << iota
	NameFlagReplaceExisting
	NameFlagDoNotQueue
)

// RequestName reply codes.
const (
	RequestNameReplyPrimaryOwner uint32 = iota + 1
	RequestNameReplyInQueue
	RequestNameReplyExists
	RequestNameReplyAlreadyOwner
)

// ReleaseName reply codes.
const (
	ReleaseNameReplyReleased uint32 = iota + 1
	ReleaseNameReplyNonExistent
	ReleaseNameReplyNotOwner
)

// BusDaemon is a client for the org.freedesktop.DBus interface of the bus
// daemon itself.
type BusDaemon struct {
	conn *Connection
}

func (c *Connection) busDaemon() *BusDaemon {
	return &BusDaemon{conn: c}
}

// BusDaemonClient returns a client for the message bus daemon.
func (c *Connection) BusDaemonClient() *BusDaemon {
	return c.busDaemon()
}

func (d *BusDaemon) call(ctx context.Context, method string, args ...interface{}) (*Message, error) {
	return d.conn.CallMethod(ctx, BusDaemonName, BusDaemonPath, BusDaemonIface, method, args...)
}

func (d *BusDaemon) Hello(ctx context.Context) (uniqueName string, err error) {
	reply, err := d.call(ctx, "Hello")
	if err != nil {
		return
	}
	err = reply.Args(&uniqueName)
	return
}

func (d *BusDaemon) RequestName(ctx context.Context, name string, flags NameFlags) (result uint32, err error) {
	reply, err := d.call(ctx, "RequestName", name, uint32(flags))
	if err != nil {
		return
	}
	err = reply.Args(&result)
	return
}

func (d *BusDaemon) ReleaseName(ctx context.Context, name string) (result uint32, err error) {
	reply, err := d.call(ctx, "ReleaseName", name)
	if err != nil {
		return
	}
	err = reply.Args(&result)
	return
}

func (d *BusDaemon) GetNameOwner(ctx context.Context, name string) (owner string, err error) {
	reply, err := d.call(ctx, "GetNameOwner", name)
	if err != nil {
		return
	}
	err = reply.Args(&owner)
	return
}

func (d *BusDaemon) NameHasOwner(ctx context.Context, name string) (hasOwner bool, err error) {
	reply, err := d.call(ctx, "NameHasOwner", name)
	if err != nil {
		return
	}
	err = reply.Args(&hasOwner)
	return
}

func (d *BusDaemon) ListNames(ctx context.Context) (names []string, err error) {
	reply, err := d.call(ctx, "ListNames")
	if err != nil {
		return
	}
	err = reply.Args(&names)
	return
}

func (d *BusDaemon) AddMatch(ctx context.Context, rule string) (err error) {
	_, err = d.call(ctx, "AddMatch", rule)
	return
}

func (d *BusDaemon) RemoveMatch(ctx context.Context, rule string) (err error) {
	_, err = d.call(ctx, "RemoveMatch", rule)
	return
}

func (d *BusDaemon) GetId(ctx context.Context) (busId string, err error) {
	reply, err := d.call(ctx, "GetId")
	if err != nil {
		return
	}
	err = reply.Args(&busId)
	return
}
