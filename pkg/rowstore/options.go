package rowstore

import "github.com/quietloop/rowstore/pkg/fs"

// Options collects the tunables [Open] accepts. They are applied through
// discrete With* functions rather than a struct literal, so a zero value
// always means "use the default".
type Options struct {
	logBufferSize int

	// fsys overrides the production [fs.Real] filesystem.
	fsys fs.FS
}

// OpenOption configures [Open]. Apply zero or more via the variadic option
// of the same name.
type OpenOption func(*Options)

// WithLogBufferSize sets the size of the buffered writer a log transaction
// uses to stage appends before a commit flushes and fsyncs them. The
// default is 64 MiB; pass a smaller size in tests that want to observe
// partial flush behavior, or to bound memory when entries are small and
// numerous.
func WithLogBufferSize(bytes int) OpenOption {
	return func(o *Options) {
		o.logBufferSize = bytes
	}
}

// WithFS runs the engine over fsys in place of the real filesystem. Tests
// use this to substitute a fake or fault-injecting [fs.FS] and exercise
// crash paths without touching a real disk.
func WithFS(fsys fs.FS) OpenOption {
	return func(o *Options) {
		o.fsys = fsys
	}
}

func defaultOptions() Options {
	return Options{logBufferSize: defaultLogBufferSize}
}

func applyOptions(opts []OpenOption) Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return o
}
