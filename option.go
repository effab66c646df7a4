package btreclaim

// SyncMode controls when index writes are fsynced to disk
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every maintenance commit. Uses direct I/O.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs when at least N bytes have been written since the
	// last fsync.
	// - Balances durability and performance
	// - Some data loss possible on crash (up to N bytes)
	SyncBytes

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - Maximum throughput
	// - All unflushed data lost on crash
	SyncOff
)

// Options configures index behavior.
type Options struct {
	syncMode   SyncMode
	syncBytes  uint // bytes to write before fsync when syncMode is SyncBytes
	cachePages int  // read cache capacity in pages, 0 disables caching
	logger     Logger
}

// DefaultOptions returns safe default configuration.
func DefaultOptions() Options {
	return Options{
		syncMode:   SyncEveryCommit,
		syncBytes:  1024 * 1024,
		cachePages: 1024, // 4MB of 4KB pages
		logger:     DiscardLogger{},
	}
}

// Option configures index options using the functional options pattern.
type Option func(*Options)

// WithSyncEveryCommit configures the index to fsync on every commit.
// This provides maximum durability (zero data loss) but lower throughput.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncEveryCommit() Option {
	return func(opts *Options) {
		opts.syncMode = SyncEveryCommit
	}
}

// WithSyncBytes configures the index to fsync after n written bytes.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncBytes(n uint) Option {
	return func(opts *Options) {
		opts.syncMode = SyncBytes
		opts.syncBytes = n
	}
}

// WithSyncOff disables fsync entirely.
// Only use for testing or bulk loads where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() Option {
	return func(opts *Options) {
		opts.syncMode = SyncOff
	}
}

// WithCachePages sets the read cache capacity in pages. The cache holds
// clean page images; least recently used pages are evicted. Zero disables
// the cache.
//
//goland:noinspection GoUnusedExportedFunction
func WithCachePages(n int) Option {
	return func(opts *Options) {
		opts.cachePages = n
	}
}

// WithLogger sets the logger for maintenance diagnostics. The default
// discards all output.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.logger = l
	}
}
