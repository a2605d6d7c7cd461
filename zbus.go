// Package zbus provides an asynchronous client and server interface to the
// D-Bus IPC system. It can be used to talk to system services (via the
// "system bus"), services within the user's session (via the "session bus"),
// or a direct peer over a socket pair.
//
// A Connection multiplexes a single authenticated socket across any number of
// concurrent method calls, signal subscriptions and a name-owned object
// server. Connections are cheap to copy: all copies share the underlying
// state, and messages are shared by pointer between all consumers.
package zbus

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// StandardBus selects one of the two well-known message buses.
type StandardBus int

const (
	SessionBus StandardBus = iota
	SystemBus
)

const (
	BusDaemonName  = "org.freedesktop.DBus"
	BusDaemonPath  = ObjectPath("/org/freedesktop/DBus")
	BusDaemonIface = "org.freedesktop.DBus"

	PropertiesIface     = "org.freedesktop.DBus.Properties"
	IntrospectableIface = "org.freedesktop.DBus.Introspectable"
	PeerIface           = "org.freedesktop.DBus.Peer"
)

// busAddresses is populated from the environment the way the reference bus
// implementation publishes its addresses.
type busAddresses struct {
	Session string `env:"DBUS_SESSION_BUS_ADDRESS"`
	System  string `env:"DBUS_SYSTEM_BUS_ADDRESS" envDefault:"unix:path=/var/run/dbus/system_bus_socket"`
}

// busAddress returns the configured server address for the given bus.
func busAddress(busType StandardBus) (string, error) {
	var addrs busAddresses
	if err := env.Parse(&addrs); err != nil {
		return "", fmt.Errorf("zbus: reading bus address environment: %w", err)
	}

	switch busType {
	case SessionBus:
		if addrs.Session == "" {
			return "", fmt.Errorf("zbus: %w: DBUS_SESSION_BUS_ADDRESS is not set", ErrNoAddress)
		}
		return addrs.Session, nil
	case SystemBus:
		return addrs.System, nil
	}
	return "", fmt.Errorf("zbus: unknown bus type %d", busType)
}
