package xdgportal

import (
	"context"
	"strconv"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"go2tv.app/wlcapture/frame"
	"go2tv.app/wlcapture/internal/apis"
	"go2tv.app/wlcapture/internal/convert"
	"go2tv.app/wlcapture/internal/request"
	"go2tv.app/wlcapture/internal/session"
)

const (
	interfaceName      = apis.CallBaseName + ".ScreenCast"
	createSessionName  = interfaceName + ".CreateSession"
	selectSourcesName  = interfaceName + ".SelectSources"
	startName          = interfaceName + ".Start"
	openPipeWireRemote = interfaceName + ".OpenPipeWireRemote"
)

const (
	SourceTypeMonitor = uint32(frame.SourceMonitor)
	SourceTypeWindow  = uint32(frame.SourceWindow)
	SourceTypeVirtual = uint32(frame.SourceVirtual)
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

const (
	PersistModeNone       uint32 = 0
	PersistModeRunning    uint32 = 1
	PersistModePersistent uint32 = 2
)

var ErrNoStreams = errors.New("portal started without any streams")

func getUint32Property(ctx context.Context, property string) (uint32, error) {
	value, err := apis.GetProperty(ctx, interfaceName, property)
	if err != nil {
		return 0, err
	}

	result, ok := value.(uint32)
	if !ok {
		return 0, errors.Errorf("property %s returned unexpected type %T", property, value)
	}
	return result, nil
}

func GetAvailableSourceTypes(ctx context.Context) (uint32, error) {
	return getUint32Property(ctx, "AvailableSourceTypes")
}

func GetAvailableCursorModes(ctx context.Context) (uint32, error) {
	return getUint32Property(ctx, "AvailableCursorModes")
}

func GetVersion(ctx context.Context) (uint32, error) {
	return getUint32Property(ctx, "version")
}

// Stream is one source granted by Start.
type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

// Descriptor turns the portal stream into what the capture host consumes.
// The portal id names the region when the portal sends one, because node
// ids change when a stream is recreated.
func (s Stream) Descriptor(priority frame.Priority) frame.StreamDescriptor {
	region := s.ID
	if region == "" {
		region = "node-" + strconv.FormatUint(uint64(s.NodeID), 10)
	}
	source := frame.SourceKind(s.SourceType)
	if source == 0 {
		source = frame.SourceMonitor
	}
	return frame.StreamDescriptor{
		RegionID: region,
		NodeID:   s.NodeID,
		X:        s.Position[0],
		Y:        s.Position[1],
		Width:    uint32(max(s.Size[0], 0)),
		Height:   uint32(max(s.Size[1], 0)),
		Source:   source,
		Priority: priority,
	}
}

type Session struct {
	Path dbus.ObjectPath
	// RestoreToken is set by Start when the portal granted persistence.
	RestoreToken string
}

type SelectSourcesOptions struct {
	Types        uint32
	Multiple     bool
	CursorMode   uint32
	RestoreToken string
	PersistMode  uint32
}

// call runs a portal method that answers through a Request object.
func call(ctx context.Context, method string, build func(token string) []any) (map[string]dbus.Variant, error) {
	token := session.GenerateToken()
	pending, err := request.Listen(token)
	if err != nil {
		return nil, err
	}

	var requestPath dbus.ObjectPath
	if err := apis.CallStore(ctx, &requestPath, method, build(token)...); err != nil {
		pending.Stop()
		return nil, err
	}

	results, err := pending.Wait(ctx, requestPath)
	return results, errors.Wrap(err, method)
}

func CreateSession(ctx context.Context) (*Session, error) {
	results, err := call(ctx, createSessionName, func(token string) []any {
		return []any{map[string]dbus.Variant{
			"handle_token":         convert.FromString(token),
			"session_handle_token": convert.FromString(session.GenerateToken()),
		}}
	})
	if err != nil {
		return nil, err
	}

	sessionPath, ok := convert.Lookup[string](results, "session_handle")
	if !ok {
		if p, isPath := convert.Lookup[dbus.ObjectPath](results, "session_handle"); isPath {
			sessionPath, ok = string(p), true
		}
	}
	if !ok {
		return nil, errors.New("CreateSession response missing session_handle")
	}
	return &Session{Path: dbus.ObjectPath(sessionPath)}, nil
}

func (s *Session) SelectSources(ctx context.Context, options SelectSourcesOptions) error {
	_, err := call(ctx, selectSourcesName, func(token string) []any {
		data := map[string]dbus.Variant{"handle_token": convert.FromString(token)}
		if options.Types != 0 {
			data["types"] = convert.FromUint32(options.Types)
		}
		if options.Multiple {
			data["multiple"] = convert.FromBool(options.Multiple)
		}
		if options.CursorMode != 0 {
			data["cursor_mode"] = convert.FromUint32(options.CursorMode)
		}
		if options.RestoreToken != "" {
			data["restore_token"] = convert.FromString(options.RestoreToken)
		}
		if options.PersistMode != 0 {
			data["persist_mode"] = convert.FromUint32(options.PersistMode)
		}
		return []any{s.Path, data}
	})
	return err
}

func (s *Session) Start(ctx context.Context, parentWindow string) ([]Stream, error) {
	results, err := call(ctx, startName, func(token string) []any {
		return []any{s.Path, parentWindow, map[string]dbus.Variant{"handle_token": convert.FromString(token)}}
	})
	if err != nil {
		return nil, err
	}

	if token, ok := convert.Lookup[string](results, "restore_token"); ok {
		s.RestoreToken = token
	}

	streamVariant, ok := results["streams"]
	if !ok {
		return nil, ErrNoStreams
	}
	streams := parseStreams(streamVariant.Value())
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}
	return streams, nil
}

func parseStreams(value any) []Stream {
	var rawStreams [][]any
	if rs, ok := value.([][]any); ok {
		rawStreams = rs
	} else if rs, ok := value.([]any); ok {
		rawStreams = make([][]any, len(rs))
		for i, r := range rs {
			if s, ok := r.([]any); ok {
				rawStreams[i] = s
			}
		}
	} else {
		return nil
	}

	streams := []Stream{}
	for _, streamSlice := range rawStreams {
		if len(streamSlice) < 2 {
			continue
		}

		stream := Stream{}

		nodeID, ok := streamSlice[0].(uint32)
		if ok {
			stream.NodeID = nodeID
		}

		props, ok := streamSlice[1].(map[string]dbus.Variant)
		if ok {
			if pos, ok := props["position"]; ok {
				if position, ok := convert.ToInt32Pair(pos.Value()); ok {
					stream.Position = position
				}
			}
			if size, ok := props["size"]; ok {
				if parsedSize, ok := convert.ToInt32Pair(size.Value()); ok {
					stream.Size = parsedSize
				}
			}
			if v, ok := convert.Lookup[uint32](props, "source_type"); ok {
				stream.SourceType = v
			}
			if v, ok := convert.Lookup[string](props, "mapping_id"); ok {
				stream.MappingID = v
			}
			if v, ok := convert.Lookup[string](props, "id"); ok {
				stream.ID = v
			}
		}

		streams = append(streams, stream)
	}
	return streams
}

// OpenPipeWireRemote returns a PipeWire socket fd owned by the caller.
func (s *Session) OpenPipeWireRemote(ctx context.Context) (int, error) {
	var fd dbus.UnixFD
	if err := apis.CallStore(ctx, &fd, openPipeWireRemote, s.Path, map[string]dbus.Variant{}); err != nil {
		return -1, err
	}
	return int(fd), nil
}

// Closed is closed when the compositor ends the session, for instance when
// the user revokes sharing. Call stop once the session is no longer watched.
func (s *Session) Closed() (closed <-chan struct{}, stop func(), err error) {
	return session.OnClosed(s.Path)
}

func (s *Session) Close(ctx context.Context) error {
	return session.Close(ctx, s.Path)
}
