package request

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"go2tv.app/wlcapture/internal/apis"
)

var (
	ErrUnexpectedResponse = errors.New("unexpected response from dbus")
	ErrCancelled          = errors.New("portal request cancelled by the user")
	ErrEnded              = errors.New("portal request ended")
)

const (
	interfaceName  = "org.freedesktop.portal.Request"
	responseMember = "Response"
	closeCallName  = interfaceName + ".Close"
)

type ResponseStatus = uint32

const (
	Success   ResponseStatus = 0
	Cancelled ResponseStatus = 1
	Ended     ResponseStatus = 2
)

func Close(ctx context.Context, path dbus.ObjectPath) error {
	return apis.CallOnObject(ctx, path, closeCallName)
}

// Path is the object path the portal will use for a request made with
// handle token.
func Path(token string) (dbus.ObjectPath, error) {
	sender, err := apis.UniqueName()
	if err != nil {
		return "", err
	}
	return dbus.ObjectPath(apis.ObjectPath + "/request/" + sender + "/" + token), nil
}

// Pending is a subscription to the Response signal of one request. It must
// exist before the method call is made, otherwise a fast portal can answer
// before anyone listens.
type Pending struct {
	Path dbus.ObjectPath
	sub  *apis.Subscription
}

func Listen(token string) (*Pending, error) {
	path, err := Path(token)
	if err != nil {
		return nil, err
	}
	sub, err := apis.ListenOnSignal(path, interfaceName, responseMember)
	if err != nil {
		return nil, err
	}
	return &Pending{Path: path, sub: sub}, nil
}

// Stop abandons the subscription without waiting.
func (p *Pending) Stop() {
	p.sub.Stop()
}

// Wait blocks until the response arrives. A non-success status is returned
// as ErrCancelled or ErrEnded. When ctx ends first the request is closed.
func (p *Pending) Wait(ctx context.Context, actual dbus.ObjectPath) (map[string]dbus.Variant, error) {
	defer func() { p.sub.Stop() }()
	if actual != "" && actual != p.Path {
		// older portals ignore the handle token
		p.sub.Stop()
		sub, err := apis.ListenOnSignal(actual, interfaceName, responseMember)
		if err != nil {
			return nil, err
		}
		p.Path, p.sub = actual, sub
	}

	for {
		select {
		case sig, ok := <-p.sub.C:
			if !ok {
				return nil, errors.Wrap(ErrEnded, "session bus closed")
			}
			if !p.sub.Accept(sig) {
				continue
			}
			return parseResponse(sig)
		case <-ctx.Done():
			_ = Close(context.Background(), p.Path)
			return nil, ctx.Err()
		}
	}
}

func parseResponse(sig *dbus.Signal) (map[string]dbus.Variant, error) {
	if len(sig.Body) != 2 {
		return nil, ErrUnexpectedResponse
	}
	status, ok := sig.Body[0].(ResponseStatus)
	if !ok {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "status has type %T", sig.Body[0])
	}
	results, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "results have type %T", sig.Body[1])
	}

	switch status {
	case Success:
		return results, nil
	case Cancelled:
		return nil, ErrCancelled
	default:
		return nil, ErrEnded
	}
}
