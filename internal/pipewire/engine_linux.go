//go:build linux && cgo

package pipewire

/*
#cgo pkg-config: libpipewire-0.3
#cgo LDFLAGS: -ldl
#include <pipewire/pipewire.h>
#include <spa/param/video/format-utils.h>
#include <spa/param/buffers.h>
#include <spa/buffer/meta.h>
#include <spa/pod/iter.h>
#include <stdlib.h>
#include <string.h>
#include <errno.h>
#include <dlfcn.h>

// Function pointers for dynamic loading
static void (*d_pw_init)(int *argc, char **argv[]);
static struct pw_loop * (*d_pw_loop_new)(const struct spa_dict *props);
static void (*d_pw_loop_destroy)(struct pw_loop *loop);
static struct pw_context * (*d_pw_context_new)(struct pw_loop *main_loop, struct pw_properties *props, size_t user_data_size);
static void (*d_pw_context_destroy)(struct pw_context *context);
static struct pw_core * (*d_pw_context_connect_fd)(struct pw_context *context, int fd, struct pw_properties *properties, size_t user_data_size);
static int (*d_pw_core_disconnect)(struct pw_core *core);
static struct pw_properties * (*d_pw_properties_new)(const char *key, ...);
static struct pw_stream * (*d_pw_stream_new)(struct pw_core *core, const char *name, struct pw_properties *props);
static void (*d_pw_stream_add_listener)(struct pw_stream *stream, struct spa_hook *listener, const struct pw_stream_events *events, void *data);
static int (*d_pw_stream_connect)(struct pw_stream *stream, enum pw_direction direction, uint32_t target_id, enum pw_stream_flags flags, const struct spa_pod **params, uint32_t n_params);
static int (*d_pw_stream_update_params)(struct pw_stream *stream, const struct spa_pod **params, uint32_t n_params);
static struct pw_buffer * (*d_pw_stream_dequeue_buffer)(struct pw_stream *stream);
static int (*d_pw_stream_queue_buffer)(struct pw_stream *stream, struct pw_buffer *buffer);
static void (*d_pw_stream_destroy)(struct pw_stream *stream);

static void* pw_lib_handle = NULL;

static int load_pipewire() {
    if (pw_lib_handle != NULL) return 1;

    const char* lib_names[] = {
        "libpipewire-0.3.so.0",
        "libpipewire-0.3.so",
        NULL
    };

    for (int i = 0; lib_names[i] != NULL; i++) {
        pw_lib_handle = dlopen(lib_names[i], RTLD_NOW);
        if (pw_lib_handle) break;
    }

    if (!pw_lib_handle) return 0;

    d_pw_init = dlsym(pw_lib_handle, "pw_init");
    d_pw_loop_new = dlsym(pw_lib_handle, "pw_loop_new");
    d_pw_loop_destroy = dlsym(pw_lib_handle, "pw_loop_destroy");
    d_pw_context_new = dlsym(pw_lib_handle, "pw_context_new");
    d_pw_context_destroy = dlsym(pw_lib_handle, "pw_context_destroy");
    d_pw_context_connect_fd = dlsym(pw_lib_handle, "pw_context_connect_fd");
    d_pw_core_disconnect = dlsym(pw_lib_handle, "pw_core_disconnect");
    d_pw_properties_new = dlsym(pw_lib_handle, "pw_properties_new");
    d_pw_stream_new = dlsym(pw_lib_handle, "pw_stream_new");
    d_pw_stream_add_listener = dlsym(pw_lib_handle, "pw_stream_add_listener");
    d_pw_stream_connect = dlsym(pw_lib_handle, "pw_stream_connect");
    d_pw_stream_update_params = dlsym(pw_lib_handle, "pw_stream_update_params");
    d_pw_stream_dequeue_buffer = dlsym(pw_lib_handle, "pw_stream_dequeue_buffer");
    d_pw_stream_queue_buffer = dlsym(pw_lib_handle, "pw_stream_queue_buffer");
    d_pw_stream_destroy = dlsym(pw_lib_handle, "pw_stream_destroy");

    if (!d_pw_init || !d_pw_loop_new || !d_pw_context_connect_fd || !d_pw_stream_new ||
        !d_pw_stream_update_params || !d_pw_stream_dequeue_buffer || !d_pw_stream_queue_buffer) {
        dlclose(pw_lib_handle);
        pw_lib_handle = NULL;
        return 0;
    }

    return 1;
}

#define GO_MAX_DAMAGE 16
#define GO_CURSOR_MAX 64
#define GO_KIND_MAPPED 1
#define GO_KIND_DMABUF 2

struct go_buffer_info {
    int kind;
    void *data;
    int64_t fd;
    uint32_t offset;
    uint32_t size;
    int32_t stride;
    uint64_t modifier;

    int has_pts;
    int64_t pts;

    int has_damage;
    uint32_t n_damage;
    int32_t dx[GO_MAX_DAMAGE];
    int32_t dy[GO_MAX_DAMAGE];
    uint32_t dw[GO_MAX_DAMAGE];
    uint32_t dh[GO_MAX_DAMAGE];

    int has_cursor;
    int cursor_visible;
    int32_t cx, cy, hx, hy;
    uint32_t bitmap_format;
    uint32_t bw, bh;
    int32_t bstride;
    void *bitmap;
};

extern void on_state_changed_go(uintptr_t handle, int old, int state, char *error);
extern void on_format_go(uintptr_t handle, uint32_t format, uint32_t width, uint32_t height, int has_modifier, uint64_t modifier);
extern void on_buffer_go(uintptr_t handle, struct pw_buffer *b, struct go_buffer_info *info);
extern void on_core_error_go(uintptr_t handle, uint32_t id, int res, char *message);

struct go_stream_data {
    uintptr_t handle;
    struct pw_stream *stream;
    struct spa_hook stream_listener;
};

struct go_core_data {
    uintptr_t handle;
    struct spa_hook core_listener;
};

static void on_state_changed_c(void *userdata, enum pw_stream_state old, enum pw_stream_state state, const char *error) {
    struct go_stream_data *data = userdata;
    on_state_changed_go(data->handle, (int)old, (int)state, (char*)error);
}

static void on_param_changed_c(void *userdata, uint32_t id, const struct spa_pod *param) {
    struct go_stream_data *data = userdata;
    if (param == NULL || id != SPA_PARAM_Format) return;

    uint32_t media_type, media_subtype;
    if (spa_format_parse(param, &media_type, &media_subtype) < 0) return;
    if (media_type != SPA_MEDIA_TYPE_video || media_subtype != SPA_MEDIA_SUBTYPE_raw) return;

    struct spa_video_info_raw info;
    spa_zero(info);
    if (spa_format_video_raw_parse(param, &info) < 0) return;

    int has_modifier = spa_pod_find_prop(param, NULL, SPA_FORMAT_VIDEO_modifier) != NULL;
    on_format_go(data->handle, info.format, info.size.width, info.size.height, has_modifier, info.modifier);
}

static void fill_cursor(struct spa_buffer *buf, struct go_buffer_info *info) {
    struct spa_meta_cursor *cursor = spa_buffer_find_meta_data(buf, SPA_META_Cursor, sizeof(*cursor));
    if (cursor == NULL) return;
    info->has_cursor = 1;
    info->cursor_visible = spa_meta_cursor_is_valid(cursor);
    if (!info->cursor_visible) return;

    info->cx = cursor->position.x;
    info->cy = cursor->position.y;
    info->hx = cursor->hotspot.x;
    info->hy = cursor->hotspot.y;

    if (cursor->bitmap_offset < sizeof(struct spa_meta_cursor)) return;
    struct spa_meta_bitmap *bitmap = SPA_PTROFF(cursor, cursor->bitmap_offset, struct spa_meta_bitmap);
    if (bitmap->size.width == 0 || bitmap->size.height == 0 || bitmap->offset < sizeof(struct spa_meta_bitmap)) return;

    info->bitmap_format = bitmap->format;
    info->bw = bitmap->size.width;
    info->bh = bitmap->size.height;
    info->bstride = bitmap->stride;
    info->bitmap = SPA_PTROFF(bitmap, bitmap->offset, void);
}

static void fill_damage(struct spa_buffer *buf, struct go_buffer_info *info) {
    struct spa_meta *meta = spa_buffer_find_meta(buf, SPA_META_VideoDamage);
    if (meta == NULL) return;
    info->has_damage = 1;

    struct spa_meta_region *r;
    spa_meta_for_each(r, meta) {
        if (!spa_meta_region_is_valid(r)) break;
        if (info->n_damage == GO_MAX_DAMAGE) {
            // too many rectangles: report the whole frame
            info->n_damage = 0;
            info->has_damage = 0;
            return;
        }
        uint32_t i = info->n_damage++;
        info->dx[i] = r->region.position.x;
        info->dy[i] = r->region.position.y;
        info->dw[i] = r->region.size.width;
        info->dh[i] = r->region.size.height;
    }
}

static void on_process_c(void *userdata) {
    struct go_stream_data *data = userdata;
    if (!data->stream) return;

    struct pw_buffer *b = d_pw_stream_dequeue_buffer(data->stream);
    if (b == NULL) {
        return;
    }

    struct spa_buffer *buf = b->buffer;
    struct spa_data *d = &buf->datas[0];
    if (buf->n_datas < 1 || d->chunk == NULL || (d->chunk->flags & SPA_CHUNK_FLAG_CORRUPTED)) {
        d_pw_stream_queue_buffer(data->stream, b);
        return;
    }

    struct go_buffer_info info;
    memset(&info, 0, sizeof(info));
    info.fd = -1;

    if (d->type == SPA_DATA_DmaBuf) {
        info.kind = GO_KIND_DMABUF;
        info.fd = d->fd;
        info.size = d->maxsize;
    } else if (d->data != NULL && d->chunk->size > 0) {
        info.kind = GO_KIND_MAPPED;
        info.data = d->data;
        info.size = d->chunk->size;
    } else {
        d_pw_stream_queue_buffer(data->stream, b);
        return;
    }
    info.offset = d->chunk->offset;
    info.stride = d->chunk->stride;

    struct spa_meta_header *header = spa_buffer_find_meta_data(buf, SPA_META_Header, sizeof(*header));
    if (header != NULL) {
        if (header->flags & SPA_META_HEADER_FLAG_CORRUPTED) {
            d_pw_stream_queue_buffer(data->stream, b);
            return;
        }
        info.has_pts = 1;
        info.pts = header->pts;
    }

    fill_damage(buf, &info);
    fill_cursor(buf, &info);

    // Go queues the buffer back once the frame is released.
    on_buffer_go(data->handle, b, &info);
}

static const struct pw_stream_events stream_events = {
    PW_VERSION_STREAM_EVENTS,
    .state_changed = on_state_changed_c,
    .param_changed = on_param_changed_c,
    .process = on_process_c,
};

static void on_core_error_c(void *userdata, uint32_t id, int seq, int res, const char *message) {
    struct go_core_data *data = userdata;
    on_core_error_go(data->handle, id, res, (char*)message);
}

static const struct pw_core_events core_events = {
    PW_VERSION_CORE_EVENTS,
    .error = on_core_error_c,
};

static inline struct pw_stream * create_stream(struct pw_core *core, const char *name, struct go_stream_data *data) {
    struct pw_properties *props = d_pw_properties_new(
                PW_KEY_MEDIA_TYPE, "Video",
                PW_KEY_MEDIA_CATEGORY, "Capture",
                PW_KEY_MEDIA_ROLE, "Screen",
                NULL);

    struct pw_stream *stream = d_pw_stream_new(core, name, props);
    if (stream != NULL) {
        data->stream = stream;
        d_pw_stream_add_listener(stream, &data->stream_listener, &stream_events, data);
    }
    return stream;
}

static const struct spa_pod *build_enum_format(struct spa_pod_builder *b, const uint32_t *formats, uint32_t n_formats,
        uint32_t width, uint32_t height, uint32_t fps, int with_modifier) {
    struct spa_pod_frame f[2];

    spa_pod_builder_push_object(b, &f[0], SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat);
    spa_pod_builder_add(b,
        SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_video),
        SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
        0);

    spa_pod_builder_prop(b, SPA_FORMAT_VIDEO_format, 0);
    spa_pod_builder_push_choice(b, &f[1], SPA_CHOICE_Enum, 0);
    spa_pod_builder_id(b, formats[0]);
    for (uint32_t i = 0; i < n_formats; i++) {
        spa_pod_builder_id(b, formats[i]);
    }
    spa_pod_builder_pop(b, &f[1]);

    if (with_modifier) {
        // only linear buffers can be read back on the CPU
        spa_pod_builder_prop(b, SPA_FORMAT_VIDEO_modifier, SPA_POD_PROP_FLAG_MANDATORY | SPA_POD_PROP_FLAG_DONT_FIXATE);
        spa_pod_builder_push_choice(b, &f[1], SPA_CHOICE_Enum, 0);
        spa_pod_builder_long(b, 0);
        spa_pod_builder_long(b, 0);
        spa_pod_builder_pop(b, &f[1]);
    }

    spa_pod_builder_add(b,
        SPA_FORMAT_VIDEO_size, SPA_POD_CHOICE_RANGE_Rectangle(
            &SPA_RECTANGLE(width, height),
            &SPA_RECTANGLE(1, 1),
            &SPA_RECTANGLE(8192, 8192)),
        SPA_FORMAT_VIDEO_framerate, SPA_POD_CHOICE_RANGE_Fraction(
            &SPA_FRACTION(fps, 1),
            &SPA_FRACTION(0, 1),
            &SPA_FRACTION(1000, 1)),
        0);

    return spa_pod_builder_pop(b, &f[0]);
}

static inline int connect_stream(struct pw_stream *stream, uint32_t target_id, const uint32_t *formats, uint32_t n_formats,
        uint32_t width, uint32_t height, uint32_t fps, int zero_copy) {
    uint8_t buffer[4096];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));

    const struct spa_pod *params[2];
    uint32_t n_params = 0;
    if (zero_copy) {
        params[n_params++] = build_enum_format(&b, formats, n_formats, width, height, fps, 1);
    }
    params[n_params++] = build_enum_format(&b, formats, n_formats, width, height, fps, 0);

    return d_pw_stream_connect(stream,
        PW_DIRECTION_INPUT,
        target_id,
        PW_STREAM_FLAG_AUTOCONNECT |
        PW_STREAM_FLAG_MAP_BUFFERS,
        params, n_params);
}

#define GO_CURSOR_META_SIZE(w, h) (sizeof(struct spa_meta_cursor) + sizeof(struct spa_meta_bitmap) + (w) * (h) * 4)

static inline int configure_stream(struct pw_stream *stream, uint32_t buffers, int dmabuf, int cursor, int damage) {
    uint8_t buffer[1024];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));

    int data_types = dmabuf ? (1 << SPA_DATA_DmaBuf) : ((1 << SPA_DATA_MemPtr) | (1 << SPA_DATA_MemFd));

    const struct spa_pod *params[4];
    uint32_t n_params = 0;
    params[n_params++] = spa_pod_builder_add_object(&b,
        SPA_TYPE_OBJECT_ParamBuffers, SPA_PARAM_Buffers,
        SPA_PARAM_BUFFERS_buffers, SPA_POD_CHOICE_RANGE_Int(buffers, 1, 16),
        SPA_PARAM_BUFFERS_dataType, SPA_POD_CHOICE_FLAGS_Int(data_types));
    params[n_params++] = spa_pod_builder_add_object(&b,
        SPA_TYPE_OBJECT_ParamMeta, SPA_PARAM_Meta,
        SPA_PARAM_META_type, SPA_POD_Id(SPA_META_Header),
        SPA_PARAM_META_size, SPA_POD_Int(sizeof(struct spa_meta_header)));
    if (damage) {
        params[n_params++] = spa_pod_builder_add_object(&b,
            SPA_TYPE_OBJECT_ParamMeta, SPA_PARAM_Meta,
            SPA_PARAM_META_type, SPA_POD_Id(SPA_META_VideoDamage),
            SPA_PARAM_META_size, SPA_POD_CHOICE_RANGE_Int(
                sizeof(struct spa_meta_region) * GO_MAX_DAMAGE,
                sizeof(struct spa_meta_region) * 1,
                sizeof(struct spa_meta_region) * GO_MAX_DAMAGE));
    }
    if (cursor) {
        params[n_params++] = spa_pod_builder_add_object(&b,
            SPA_TYPE_OBJECT_ParamMeta, SPA_PARAM_Meta,
            SPA_PARAM_META_type, SPA_POD_Id(SPA_META_Cursor),
            SPA_PARAM_META_size, SPA_POD_CHOICE_RANGE_Int(
                GO_CURSOR_META_SIZE(GO_CURSOR_MAX, GO_CURSOR_MAX),
                GO_CURSOR_META_SIZE(1, 1),
                GO_CURSOR_META_SIZE(GO_CURSOR_MAX * 4, GO_CURSOR_MAX * 4)));
    }

    return d_pw_stream_update_params(stream, params, n_params);
}

// Accessors for Go
static inline void wrap_pw_init() { d_pw_init(NULL, NULL); }
static inline struct pw_loop * wrap_pw_loop_new() { return d_pw_loop_new(NULL); }
static inline void wrap_pw_loop_enter(struct pw_loop *loop) { pw_loop_enter(loop); }
static inline void wrap_pw_loop_leave(struct pw_loop *loop) { pw_loop_leave(loop); }
static inline int wrap_pw_loop_iterate(struct pw_loop *loop, int timeout_ms) { return pw_loop_iterate(loop, timeout_ms); }
static inline void wrap_pw_loop_destroy(struct pw_loop *loop) { d_pw_loop_destroy(loop); }
static inline struct pw_context * wrap_pw_context_new(struct pw_loop *loop) { return d_pw_context_new(loop, NULL, 0); }
static inline struct pw_core * wrap_pw_context_connect_fd(struct pw_context *context, int fd) { return d_pw_context_connect_fd(context, fd, NULL, 0); }
static inline void wrap_pw_core_add_listener(struct pw_core *core, struct go_core_data *data) {
    pw_core_add_listener(core, &data->core_listener, &core_events, data);
}
static inline void wrap_pw_stream_queue_buffer(struct pw_stream *stream, struct pw_buffer *b) { d_pw_stream_queue_buffer(stream, b); }
static inline void wrap_pw_stream_destroy(struct pw_stream *stream) { d_pw_stream_destroy(stream); }
static inline void wrap_pw_core_disconnect(struct pw_core *core) { d_pw_core_disconnect(core); }
static inline void wrap_pw_context_destroy(struct pw_context *context) { d_pw_context_destroy(context); }
static inline void wrap_spa_hook_remove(struct spa_hook *hook) { spa_hook_remove(hook); }

static inline int go_epipe() { return -EPIPE; }
static inline uint32_t go_id_core() { return PW_ID_CORE; }
*/
import "C"
import (
	"log/slog"
	"runtime/cgo"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"go2tv.app/wlcapture/frame"
	"go2tv.app/wlcapture/host"
)

var ErrLibraryNotLoaded = errors.New("libpipewire-0.3.so.0 could not be loaded")

var (
	libLoaded bool
	libMu     sync.Mutex
)

// IsAvailable checks if the PipeWire C library can be loaded.
func IsAvailable() bool {
	libMu.Lock()
	defer libMu.Unlock()
	if libLoaded {
		return true
	}
	if C.load_pipewire() == 1 {
		libLoaded = true
		C.wrap_pw_init()
		return true
	}
	return false
}

// Engine drives PipeWire through a loop it iterates itself, so all calls
// and callbacks stay on the capture thread that owns it.
type Engine struct {
	log *slog.Logger

	loop     *C.struct_pw_loop
	context  *C.struct_pw_context
	core     *C.struct_pw_core
	coreData *C.struct_go_core_data
	self     cgo.Handle
	sink     host.Sink

	streams map[uint32]*stream
}

type stream struct {
	id       uint32
	engine   *Engine
	handle   cgo.Handle
	data     *C.struct_go_stream_data
	req      host.StreamRequest
	conf     host.Negotiated
	live     bool
	lastPW   C.int
	format   frame.PixelFormat
	size     [2]uint32
	modifier uint64
}

var _ host.Engine = (*Engine)(nil)

func NewEngine(log *slog.Logger) (*Engine, error) {
	if !IsAvailable() {
		return nil, ErrLibraryNotLoaded
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log, streams: make(map[uint32]*stream)}, nil
}

func (e *Engine) Connect(fd int, sink host.Sink) error {
	if e.core != nil {
		return errors.New("pipewire: already connected")
	}
	e.sink = sink

	e.loop = C.wrap_pw_loop_new()
	if e.loop == nil {
		return errors.New("pipewire: failed to create loop")
	}
	C.wrap_pw_loop_enter(e.loop)

	e.context = C.wrap_pw_context_new(e.loop)
	if e.context == nil {
		e.teardown()
		return errors.New("pipewire: failed to create context")
	}

	e.core = C.wrap_pw_context_connect_fd(e.context, C.int(fd))
	if e.core == nil {
		e.teardown()
		return errors.Errorf("pipewire: failed to connect fd %d", fd)
	}

	e.self = cgo.NewHandle(e)
	e.coreData = (*C.struct_go_core_data)(C.calloc(1, C.sizeof_struct_go_core_data))
	e.coreData.handle = C.uintptr_t(e.self)
	C.wrap_pw_core_add_listener(e.core, e.coreData)
	return nil
}

func (e *Engine) CreateStream(id uint32, req host.StreamRequest) error {
	if e.core == nil {
		return errors.New("pipewire: not connected")
	}
	if _, ok := e.streams[id]; ok {
		return errors.Errorf("pipewire: stream %d exists", id)
	}

	formats := make([]C.uint32_t, 0, len(req.Formats))
	for _, f := range req.Formats {
		if v, ok := toSPA[f]; ok {
			formats = append(formats, v)
		}
	}
	if len(formats) == 0 {
		return errors.New("pipewire: no requested format is known to pipewire")
	}

	s := &stream{id: id, engine: e, req: req, live: true}
	s.handle = cgo.NewHandle(s)
	s.data = (*C.struct_go_stream_data)(C.calloc(1, C.sizeof_struct_go_stream_data))
	s.data.handle = C.uintptr_t(s.handle)

	name := C.CString(req.Name)
	defer C.free(unsafe.Pointer(name))

	if C.create_stream(e.core, name, s.data) == nil {
		s.free()
		return errors.New("pipewire: failed to create stream")
	}

	zeroCopy := C.int(0)
	for _, k := range req.BufferKinds {
		if k == frame.BufferDmaBuf {
			zeroCopy = 1
		}
	}
	res := C.connect_stream(s.data.stream, C.uint32_t(req.NodeID), &formats[0], C.uint32_t(len(formats)),
		C.uint32_t(req.Width), C.uint32_t(req.Height), C.uint32_t(req.FPS), zeroCopy)
	if res < 0 {
		s.free()
		return errors.Errorf("pipewire: failed to connect stream: %d", int(res))
	}

	e.streams[id] = s
	e.log.Debug("pipewire: stream connecting", "stream", id, "node", req.NodeID, "name", req.Name)
	return nil
}

func (e *Engine) ConfigureStream(id uint32, n host.Negotiated) error {
	s, ok := e.streams[id]
	if !ok {
		return errors.Errorf("pipewire: unknown stream %d", id)
	}
	s.conf = n
	res := C.configure_stream(s.data.stream, C.uint32_t(n.BufferCount),
		cbool(n.Kind == frame.BufferDmaBuf), cbool(n.Cursor), cbool(n.Damage))
	if res < 0 {
		return errors.Errorf("pipewire: update params: %d", int(res))
	}
	return nil
}

func (e *Engine) DestroyStream(id uint32) error {
	s, ok := e.streams[id]
	if !ok {
		return nil
	}
	delete(e.streams, id)
	s.free()
	return nil
}

func (e *Engine) Iterate(timeout time.Duration) error {
	if e.loop == nil {
		time.Sleep(timeout)
		return nil
	}
	res := C.wrap_pw_loop_iterate(e.loop, C.int(timeout.Milliseconds()))
	if res < 0 && res != -C.EINTR {
		return errors.Errorf("pipewire: loop iterate: %d", int(res))
	}
	return nil
}

func (e *Engine) Disconnect() error {
	for id, s := range e.streams {
		delete(e.streams, id)
		s.free()
	}
	e.teardown()
	return nil
}

func (e *Engine) teardown() {
	if e.coreData != nil {
		C.wrap_spa_hook_remove(&e.coreData.core_listener)
		C.free(unsafe.Pointer(e.coreData))
		e.coreData = nil
	}
	if e.core != nil {
		C.wrap_pw_core_disconnect(e.core)
		e.core = nil
	}
	if e.context != nil {
		C.wrap_pw_context_destroy(e.context)
		e.context = nil
	}
	if e.loop != nil {
		C.wrap_pw_loop_leave(e.loop)
		C.wrap_pw_loop_destroy(e.loop)
		e.loop = nil
	}
	if e.self != 0 {
		e.self.Delete()
		e.self = 0
	}
}

// free destroys the native stream. Buffers still held by consumers are not
// queued back afterwards.
func (s *stream) free() {
	s.live = false
	if s.data != nil {
		if s.data.stream != nil {
			C.wrap_pw_stream_destroy(s.data.stream)
			s.data.stream = nil
		}
		C.free(unsafe.Pointer(s.data))
		s.data = nil
	}
	if s.handle != 0 {
		s.handle.Delete()
		s.handle = 0
	}
}

func cbool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

func lookup(h C.uintptr_t) (*stream, bool) {
	if h == 0 {
		return nil, false
	}
	s, ok := cgo.Handle(h).Value().(*stream)
	return s, ok && s.live
}

//export on_state_changed_go
func on_state_changed_go(h C.uintptr_t, old, state C.int, msg *C.char) {
	s, ok := lookup(h)
	if !ok {
		return
	}
	prev := s.lastPW
	s.lastPW = state
	e := s.engine
	e.log.Debug("pipewire: stream state", "stream", s.id, "old", int(old), "state", int(state))

	switch state {
	case C.PW_STREAM_STATE_STREAMING:
		e.sink.OnStreaming(s.id)
	case C.PW_STREAM_STATE_ERROR:
		reason := "stream error"
		if msg != nil {
			reason = C.GoString(msg)
		}
		e.sink.OnStreamError(s.id, errors.New(reason))
	case C.PW_STREAM_STATE_UNCONNECTED:
		if prev == C.PW_STREAM_STATE_STREAMING || prev == C.PW_STREAM_STATE_PAUSED {
			e.sink.OnStreamError(s.id, errors.New("node disconnected"))
		}
	}
}

//export on_format_go
func on_format_go(h C.uintptr_t, spaFormat, width, height C.uint32_t, hasModifier C.int, modifier C.uint64_t) {
	s, ok := lookup(h)
	if !ok {
		return
	}
	offer := host.FormatOffer{
		Width:       uint32(width),
		Height:      uint32(height),
		BufferKinds: []frame.BufferKind{frame.BufferMapped},
	}
	if f, ok := fromSPA[spaFormat]; ok {
		offer.Formats = []frame.PixelFormat{f}
	} else {
		// not one of ours; negotiation rejects it
		offer.Formats = []frame.PixelFormat{frame.FormatUnknown}
	}
	if hasModifier != 0 {
		offer.BufferKinds = []frame.BufferKind{frame.BufferDmaBuf}
		offer.Modifiers = []uint64{uint64(modifier)}
	}
	s.format = offer.Formats[0]
	s.size = [2]uint32{offer.Width, offer.Height}
	s.modifier = uint64(modifier)
	s.engine.sink.OnFormatOffer(s.id, offer)
}

//export on_buffer_go
func on_buffer_go(h C.uintptr_t, b *C.struct_pw_buffer, info *C.struct_go_buffer_info) {
	s, ok := lookup(h)
	if !ok {
		return
	}
	pwStream := s.data.stream
	raw := host.RawBuffer{
		Stride: uint32(max(int32(info.stride), 0)),
		Release: func() {
			// the stream may be gone by the time a consumer lets go
			if s.live && s.data != nil && s.data.stream == pwStream {
				C.wrap_pw_stream_queue_buffer(pwStream, b)
			}
		},
	}

	switch info.kind {
	case C.GO_KIND_MAPPED:
		raw.Kind = frame.BufferMapped
		base := unsafe.Add(info.data, int(info.offset))
		raw.Data = unsafe.Slice((*byte)(base), int(info.size))
	case C.GO_KIND_DMABUF:
		raw.Kind = frame.BufferDmaBuf
		raw.DmaBuf = frame.DmaBuf{
			FD:       int(info.fd),
			Offset:   uint32(info.offset),
			Stride:   raw.Stride,
			Size:     uint32(info.size),
			Modifier: s.modifier,
		}
	default:
		raw.Release()
		return
	}

	if info.has_pts != 0 {
		raw.PTS = time.Duration(int64(info.pts))
	}
	if info.has_damage != 0 {
		raw.Damage = make([]frame.Region, 0, int(info.n_damage))
		for i := 0; i < int(info.n_damage); i++ {
			x, y := int32(info.dx[i]), int32(info.dy[i])
			w, hgt := uint32(info.dw[i]), uint32(info.dh[i])
			if x < 0 {
				w -= min(w, uint32(-x))
				x = 0
			}
			if y < 0 {
				hgt -= min(hgt, uint32(-y))
				y = 0
			}
			raw.Damage = append(raw.Damage, frame.Region{X: uint32(x), Y: uint32(y), Width: w, Height: hgt})
		}
	}
	if info.has_cursor != 0 {
		raw.Cursor = &host.CursorMeta{
			X:        int32(info.cx),
			Y:        int32(info.cy),
			HotspotX: int32(info.hx),
			HotspotY: int32(info.hy),
			Visible:  info.cursor_visible != 0,
		}
		if info.bitmap != nil {
			c := raw.Cursor
			c.Width, c.Height = uint32(info.bw), uint32(info.bh)
			c.Stride = uint32(max(int32(info.bstride), 0))
			if c.Stride == 0 {
				c.Stride = c.Width * 4
			}
			c.Format = fromSPA[C.uint32_t(info.bitmap_format)]
			c.Bitmap = unsafe.Slice((*byte)(info.bitmap), int(c.Stride)*int(c.Height))
		}
	}

	s.engine.sink.OnBuffer(s.id, raw)
}

//export on_core_error_go
func on_core_error_go(h C.uintptr_t, id C.uint32_t, res C.int, msg *C.char) {
	if h == 0 {
		return
	}
	e, ok := cgo.Handle(h).Value().(*Engine)
	if !ok {
		return
	}
	reason := ""
	if msg != nil {
		reason = C.GoString(msg)
	}
	e.log.Debug("pipewire: core error", "id", uint32(id), "res", int(res), "message", reason)
	if id == C.go_id_core() && res == C.go_epipe() {
		e.sink.OnDisconnect(errors.Errorf("pipewire: %s", reason))
	}
}

var toSPA = map[frame.PixelFormat]C.uint32_t{
	frame.FormatBGRx: C.SPA_VIDEO_FORMAT_BGRx,
	frame.FormatBGRA: C.SPA_VIDEO_FORMAT_BGRA,
	frame.FormatRGBx: C.SPA_VIDEO_FORMAT_RGBx,
	frame.FormatRGBA: C.SPA_VIDEO_FORMAT_RGBA,
	frame.FormatRGB:  C.SPA_VIDEO_FORMAT_RGB,
	frame.FormatBGR:  C.SPA_VIDEO_FORMAT_BGR,
	frame.FormatNV12: C.SPA_VIDEO_FORMAT_NV12,
	frame.FormatI420: C.SPA_VIDEO_FORMAT_I420,
	frame.FormatYUY2: C.SPA_VIDEO_FORMAT_YUY2,
}

var fromSPA = func() map[C.uint32_t]frame.PixelFormat {
	m := make(map[C.uint32_t]frame.PixelFormat, len(toSPA))
	for k, v := range toSPA {
		m[v] = k
	}
	return m
}()
