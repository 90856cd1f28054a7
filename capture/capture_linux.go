//go:build linux

package capture

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"go2tv.app/wlcapture/config"
	"go2tv.app/wlcapture/frame"
	"go2tv.app/wlcapture/internal/pipewire"
	"go2tv.app/wlcapture/internal/request"
	"go2tv.app/wlcapture/internal/xdgportal"
)

func open(ctx context.Context, cfg config.Config, o *Options) (*Session, error) {
	if !pipewire.IsAvailable() {
		return nil, pipewire.ErrLibraryNotLoaded
	}

	sess, err := xdgportal.CreateSession(ctx)
	if err != nil {
		return nil, portalErr(err)
	}

	// Close session on setup failure.
	cleanupSession := true
	defer func() {
		if cleanupSession {
			_ = sess.Close(context.Background())
		}
	}()

	cursorMode := xdgportal.CursorModeEmbedded
	if cfg.EnableCursor {
		if modes, err := xdgportal.GetAvailableCursorModes(ctx); err == nil && modes&xdgportal.CursorModeMetadata != 0 {
			cursorMode = xdgportal.CursorModeMetadata
		}
	}
	persist := xdgportal.PersistModeNone
	if o.Persist {
		persist = xdgportal.PersistModePersistent
	}

	err = sess.SelectSources(ctx, xdgportal.SelectSourcesOptions{
		Types:        uint32(o.Sources),
		Multiple:     o.Multiple,
		CursorMode:   cursorMode,
		RestoreToken: o.RestoreToken,
		PersistMode:  persist,
	})
	if err != nil {
		return nil, portalErr(err)
	}

	streams, err := sess.Start(ctx, o.ParentWindow)
	if err != nil {
		return nil, portalErr(err)
	}

	descs := make([]frame.StreamDescriptor, 0, len(streams))
	for i, st := range streams {
		d := st.Descriptor(frame.PriorityNormal)
		d.Priority = o.Priority(i, d)
		if err := d.Validate(); err != nil {
			o.Logger.Warn("capture: skipping portal stream", "node", st.NodeID, "error", err)
			continue
		}
		descs = append(descs, d)
	}

	fd, err := sess.OpenPipeWireRemote(ctx)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	engine, err := pipewire.NewEngine(o.Logger)
	if err != nil {
		return nil, err
	}

	s, err := newSession(ctx, cfg, engine, fd, descs, o.Logger)
	if err != nil {
		return nil, err
	}
	s.RestoreToken = sess.RestoreToken

	s.closers = append(s.closers, sess.Close)
	if closed, stop, err := sess.Closed(); err == nil {
		s.closers = append(s.closers, func(context.Context) error {
			stop()
			return nil
		})
		go func() {
			select {
			case <-closed:
				s.log.Warn("capture: portal session closed by the compositor")
				_ = s.Close(context.Background())
			case <-s.host.Done():
			}
		}()
	}

	cleanupSession = false
	return s, nil
}

func portalErr(err error) error {
	switch {
	case errors.Is(err, request.ErrCancelled):
		return errors.Wrap(ErrCancelled, err.Error())
	case errors.Is(err, xdgportal.ErrNoStreams):
		return ErrNoStreams
	}
	return err
}
