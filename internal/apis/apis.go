package apis

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	ObjectPath        = "/org/freedesktop/portal/desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"
)

// Call invokes a method on the desktop portal object and returns its single
// result.
func Call(ctx context.Context, callName string, args ...any) (any, error) {
	call, err := callOnObject(ctx, ObjectPath, callName, args...)
	if err != nil {
		return nil, err
	}

	var result any
	err = call.Store(&result)
	return result, errors.Wrapf(err, "decode %s reply", callName)
}

// CallStore is Call with a typed destination.
func CallStore(ctx context.Context, dst any, callName string, args ...any) error {
	call, err := callOnObject(ctx, ObjectPath, callName, args...)
	if err != nil {
		return err
	}
	return errors.Wrapf(call.Store(dst), "decode %s reply", callName)
}

func CallOnObject(ctx context.Context, path dbus.ObjectPath, callName string, args ...any) error {
	_, err := callOnObject(ctx, path, callName, args...)
	return err
}

func callOnObject(ctx context.Context, path dbus.ObjectPath, callName string, args ...any) (*dbus.Call, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect session bus")
	}

	obj := conn.Object(ObjectName, path)
	call := obj.CallWithContext(ctx, callName, 0, args...)
	return call, errors.Wrapf(call.Err, "call %s", callName)
}

func GetProperty(ctx context.Context, interfaceName, property string) (any, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect session bus")
	}

	obj := conn.Object(ObjectName, ObjectPath)
	call := obj.CallWithContext(ctx, PropertiesGetName, 0, interfaceName, property)
	if call.Err != nil {
		return nil, errors.Wrapf(call.Err, "get %s.%s", interfaceName, property)
	}

	var value dbus.Variant
	if err := call.Store(&value); err != nil {
		return nil, errors.Wrapf(err, "decode %s.%s", interfaceName, property)
	}
	return value.Value(), nil
}

// Subscription delivers the signals matched by ListenOnSignal until Stop.
type Subscription struct {
	C    chan *dbus.Signal
	conn *dbus.Conn
	opts []dbus.MatchOption
	name string
	path dbus.ObjectPath
}

// ListenOnSignal subscribes to signalName of iface emitted by path. The
// session bus connection is shared, so C also carries signals of other
// subscribers; Accept filters them.
func ListenOnSignal(path dbus.ObjectPath, iface, signalName string) (*Subscription, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect session bus")
	}
	if path == "" {
		path = ObjectPath
	}

	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(signalName),
	}
	if err := conn.AddMatchSignal(opts...); err != nil {
		return nil, errors.Wrapf(err, "match %s.%s on %s", iface, signalName, path)
	}

	sub := &Subscription{
		C:    make(chan *dbus.Signal, 4),
		conn: conn,
		opts: opts,
		name: iface + "." + signalName,
		path: path,
	}
	conn.Signal(sub.C)
	return sub, nil
}

// Accept reports whether sig is the signal this subscription asked for.
func (s *Subscription) Accept(sig *dbus.Signal) bool {
	return sig != nil && sig.Path == s.path && sig.Name == s.name
}

// Stop removes the match rule and detaches C from the connection.
func (s *Subscription) Stop() {
	s.conn.RemoveSignal(s.C)
	_ = s.conn.RemoveMatchSignal(s.opts...)
}

// UniqueName is the caller's bus name in the form portal object paths use:
// leading colon dropped, dots replaced by underscores.
func UniqueName() (string, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return "", errors.Wrap(err, "connect session bus")
	}
	names := conn.Names()
	if len(names) == 0 {
		return "", errors.New("session bus connection has no unique name")
	}
	return strings.ReplaceAll(strings.TrimPrefix(names[0], ":"), ".", "_"), nil
}
