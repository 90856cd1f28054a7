package session

import (
	"context"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"go2tv.app/wlcapture/internal/apis"
)

const (
	interfaceName = "org.freedesktop.portal.Session"
	closedMember  = "Closed"
	closeCallName = interfaceName + ".Close"
)

func Close(ctx context.Context, path dbus.ObjectPath) error {
	return apis.CallOnObject(ctx, path, closeCallName)
}

// GenerateToken returns a handle token; tokens must be valid object path
// elements.
func GenerateToken() string {
	return "wlcapture" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// OnClosed returns a channel closed once the portal ends the session at
// path, and a function to stop watching.
func OnClosed(path dbus.ObjectPath) (<-chan struct{}, func(), error) {
	sub, err := apis.ListenOnSignal(path, interfaceName, closedMember)
	if err != nil {
		return nil, nil, err
	}

	closed := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer sub.Stop()
		for {
			select {
			case sig, ok := <-sub.C:
				if !ok {
					return
				}
				if sub.Accept(sig) {
					close(closed)
					return
				}
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return closed, func() { once.Do(func() { close(stop) }) }, nil
}
