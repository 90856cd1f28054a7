// Package capture opens a screen capture session: the desktop portal grants
// regions, the capture host streams them, and the pipeline turns frames into
// bitmap updates.
package capture

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go2tv.app/wlcapture/bitmap"
	"go2tv.app/wlcapture/config"
	"go2tv.app/wlcapture/frame"
	"go2tv.app/wlcapture/host"
	"go2tv.app/wlcapture/pipeline"
)

var (
	ErrNotImplemented = errors.New("screen capture backend is not implemented on this platform")
	ErrCancelled      = errors.New("screen capture request was cancelled")
	ErrNoStreams      = errors.New("screen capture returned no streams")
	ErrInvalidOptions = errors.New("invalid screen capture options")
)

// Options configures a capture session.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	Logger *slog.Logger

	// Sources is a mask of frame.SourceKind values offered in the chooser.
	// Zero offers monitors and windows.
	Sources  frame.SourceKind
	Multiple bool
	// RestoreToken reopens a previously granted selection without asking.
	RestoreToken string
	// Persist asks the portal for a restore token valid across restarts.
	Persist      bool
	ParentWindow string

	// Priority assigns a dispatch priority to each granted stream. Nil
	// gives the first stream high priority and the rest normal.
	Priority func(index int, desc frame.StreamDescriptor) frame.Priority
}

func (o *Options) normalize() (config.Config, error) {
	cfg := config.Default()
	if o.Config != nil {
		cfg = *o.Config
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(ErrInvalidOptions, err.Error())
	}
	if o.Sources == 0 {
		o.Sources = frame.SourceMonitor | frame.SourceWindow
	}
	if o.Priority == nil {
		o.Priority = defaultPriority
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return cfg, nil
}

func defaultPriority(index int, _ frame.StreamDescriptor) frame.Priority {
	if index == 0 {
		return frame.PriorityHigh
	}
	return frame.PriorityNormal
}

// Session is a running capture. Updates must be drained and every update
// released; Close tears everything down.
type Session struct {
	ID      uuid.UUID
	Streams []*host.StreamHandle
	// RestoreToken is set when the portal granted persistence.
	RestoreToken string

	log      *slog.Logger
	host     *host.Host
	pipeline *pipeline.Pipeline
	closers  []func(context.Context) error

	cancel    context.CancelFunc
	runErr    chan error
	watchDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open asks the desktop portal for capture permission and starts streaming
// every granted region.
func Open(ctx context.Context, opts *Options) (*Session, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	cfg, err := o.normalize()
	if err != nil {
		return nil, err
	}
	return open(ctx, cfg, &o)
}

func (s *Session) Updates() <-chan *bitmap.Update { return s.pipeline.Updates() }

func (s *Session) Host() *host.Host { return s.host }

// Pipeline exposes bitrate feedback and statistics.
func (s *Session) Pipeline() *pipeline.Pipeline { return s.pipeline }

// newSession connects the host over fd, creates one stream per descriptor
// and attaches each to a running pipeline. The caller keeps ownership of fd.
func newSession(ctx context.Context, cfg config.Config, engine host.Engine, fd int, descs []frame.StreamDescriptor, log *slog.Logger) (*Session, error) {
	if len(descs) == 0 {
		return nil, ErrNoStreams
	}

	h, err := host.New(cfg.Host(), engine, host.WithLogger(log))
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(cfg.Pipeline(), pipeline.WithLogger(log))
	if err != nil {
		return nil, stderrors.Join(err, h.Close())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.New(),
		host:      h,
		pipeline:  p,
		cancel:    cancel,
		runErr:    make(chan error, 1),
		watchDone: make(chan struct{}),
	}
	s.log = log.With("session", s.ID.String())
	go func() { s.runErr <- p.Run(runCtx) }()
	go s.watch()

	if err := h.Connect(ctx, fd); err != nil {
		return nil, stderrors.Join(err, s.Close(ctx))
	}
	for _, d := range descs {
		sh, err := h.CreateStream(ctx, d)
		if err != nil {
			return nil, stderrors.Join(errors.Wrapf(err, "region %s", d.RegionID), s.Close(ctx))
		}
		if err := p.Attach(sh); err != nil {
			sh.Release()
			return nil, stderrors.Join(err, s.Close(ctx))
		}
		s.Streams = append(s.Streams, sh)
		s.log.Info("capture: stream active", "stream", sh.ID, "region", d.RegionID,
			"format", sh.Negotiated.Format, "size", [2]uint32{sh.Negotiated.Width, sh.Negotiated.Height}, "buffers", sh.Negotiated.Kind)
	}
	return s, nil
}

func (s *Session) watch() {
	defer close(s.watchDone)
	for ev := range s.host.Events() {
		switch ev.Kind {
		case host.EventStreamError:
			s.log.Warn("capture: stream error", "stream", ev.StreamID, "region", ev.RegionID, "attempt", ev.Attempt, "error", ev.Err)
		case host.EventCaptureFatal, host.EventDisconnected:
			s.log.Error("capture: capture stopped", "event", ev.Kind, "error", ev.Err)
		case host.EventShutdownComplete:
			if ev.Leaked > 0 {
				s.log.Warn("capture: buffers still held at shutdown", "leaked", ev.Leaked)
			}
		default:
			s.log.Debug("capture: event", "event", ev.Kind, "stream", ev.StreamID)
		}
	}
}

// Close stops capture, waits for the pipeline to drain, then ends the portal
// session. Errors from every step are joined.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		// Stopping the host closes every stream channel; the pipeline keeps
		// pumping meanwhile so outstanding buffers come back.
		errs = append(errs, s.host.Shutdown(ctx))
		s.pipeline.Close()
		s.cancel()
		errs = append(errs, <-s.runErr)
		<-s.watchDone
		for i := len(s.closers) - 1; i >= 0; i-- {
			errs = append(errs, s.closers[i](ctx))
		}
		s.closeErr = stderrors.Join(errs...)
	})
	return s.closeErr
}
