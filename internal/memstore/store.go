package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/memvault/internal/codec"
	"github.com/fyrsmithlabs/memvault/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	objectsDir = "objects"
	metaDir    = "meta"
	tmpDir     = "tmp"

	mimeText   = "text/plain; charset=utf-8"
	mimeJSON   = "application/json"
	mimeBinary = "application/octet-stream"
)

// Store is a content-addressed object store on local disk.
//
// Layout under root:
//
//	objects/ab/cd/<id>.<compression>   blob
//	meta/ab/<id>.cbor                  metadata record
//	tmp/                               staging for atomic commits
//
// Blobs are committed before metadata, and both are committed by linking a
// fully written temp file into place, so a reader that finds metadata always
// finds its blob. Objects are immutable and reads take no locks.
type Store struct {
	root    string
	policy  Policy
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Nil keeps the nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets OTEL metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithPolicy sets the compression policy for new blobs.
func WithPolicy(p Policy) Option {
	return func(s *Store) {
		if p != "" {
			s.policy = p
		}
	}
}

// WithClock overrides time.Now for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New opens (creating if needed) a store rooted at root.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: store root is required", ErrStorage)
	}
	s := &Store{
		root:   root,
		policy: PolicyAuto,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("memstore")

	switch s.policy {
	case PolicyAuto, PolicyZstd, PolicyLZ4, PolicyNone:
	default:
		return nil, fmt.Errorf("unknown compression policy %q", s.policy)
	}

	for _, dir := range []string{objectsDir, metaDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating %s: %w", ErrStorage, dir, err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// PutText stores UTF-8 text. Content that is valid JSON is tagged KindJSON
// when MIME is empty or a JSON type.
func (s *Store) PutText(ctx context.Context, content string, opts PutOptions) (*Object, error) {
	if opts.Type == "" {
		opts.Type = TypeOther
	}
	data := []byte(content)
	mime, kind := classifyText(data, opts.MIME)
	obj := &Object{
		MIME:      mime,
		Kind:      kind,
		LineCount: CountLines(content),
	}
	return s.put(ctx, "put_text", data, opts, obj, s.policy)
}

// PutBytes stores binary content, compressed only when opts.Compress is set.
func (s *Store) PutBytes(ctx context.Context, content []byte, opts PutOptions) (*Object, error) {
	if opts.Type == "" {
		opts.Type = TypeBinary
	}
	mime := opts.MIME
	if mime == "" {
		mime = mimeBinary
	}
	policy := s.policy
	if !opts.Compress {
		policy = PolicyNone
	}
	obj := &Object{MIME: mime, Kind: KindBytes}
	return s.put(ctx, "put_bytes", content, opts, obj, policy)
}

func (s *Store) put(ctx context.Context, op string, data []byte, opts PutOptions, obj *Object, policy Policy) (*Object, error) {
	ctx, span := startSpan(ctx, "memstore."+op, attribute.Int("memory.raw_size", len(data)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, opts.Type)
	}

	id := ComputeID(data)
	span.SetAttributes(attribute.String("memory.id", id))

	existing, err := s.readMeta(id)
	switch {
	case err == nil:
		s.metrics.RecordPut(ctx, existing, true)
		s.logger.Debug("dedup hit", append(logging.ContextFields(ctx), zap.String("memory_id", id))...)
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, s.fail(ctx, op, id, err)
	}

	stored, tag := encode(data, obj.MIME, policy)
	obj.ID = id
	obj.Type = opts.Type
	obj.Subtype = opts.Subtype
	obj.Title = opts.Title
	obj.RawSize = int64(len(data))
	obj.StoredSize = int64(len(stored))
	obj.Compression = tag
	obj.Path = s.relBlobPath(id, tag)
	obj.CreatedAt = s.now().UTC()

	if _, err := s.commit(filepath.Join(s.root, filepath.FromSlash(obj.Path)), stored, "blob-*"); err != nil {
		return nil, s.fail(ctx, op, id, fmt.Errorf("writing blob: %w", err))
	}

	record, err := codec.Marshal(obj)
	if err != nil {
		return nil, s.fail(ctx, op, id, fmt.Errorf("encoding metadata: %w", err))
	}
	created, err := s.commit(s.metaPath(id), record, "meta-*.cbor")
	if err != nil {
		return nil, s.fail(ctx, op, id, fmt.Errorf("writing metadata: %w", err))
	}
	if !created {
		// Lost a race with an identical put; the winner's record stands.
		winner, err := s.readMeta(id)
		if err != nil {
			return nil, s.fail(ctx, op, id, err)
		}
		s.metrics.RecordPut(ctx, winner, true)
		return winner, nil
	}

	s.metrics.RecordPut(ctx, obj, false)
	s.logger.Info("memory stored", append(logging.ContextFields(ctx),
		zap.String("memory_id", id),
		zap.String("type", string(obj.Type)),
		zap.String("kind", string(obj.Kind)),
		zap.Int64("raw_size", obj.RawSize),
		zap.Int64("stored_size", obj.StoredSize),
		zap.Stringer("compression", obj.Compression),
	)...)
	return obj, nil
}

// GetMetadata returns the metadata record for id.
func (s *Store) GetMetadata(ctx context.Context, id string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	obj, err := s.readMeta(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.metrics.RecordError(ctx, "get_metadata")
	}
	return obj, err
}

// Exists reports whether an object with id is committed. Malformed ids
// simply do not exist.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !ValidID(id) {
		return false, nil
	}
	_, err := os.Stat(s.metaPath(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("%w: stat %s: %w", ErrStorage, id, err)
	}
}

// GetSlice returns lines start..end (1-indexed, inclusive) joined by "\n".
// An end past the last line is clamped; a start past the last line yields
// "". When the slice reaches the final line of content that ends in a
// newline, that newline is kept, so GetSlice(id, 1, LineCount) reproduces
// the stored text exactly. The store places no cap on the span.
func (s *Store) GetSlice(ctx context.Context, id string, start, end int) (string, error) {
	if start < 1 || end < start {
		return "", fmt.Errorf("%w: lines %d-%d", ErrInvalidRange, start, end)
	}
	_, data, err := s.load(ctx, "get_slice", id)
	if err != nil {
		return "", err
	}
	s.logger.Log(logging.TraceLevel, "slice read", zap.String("memory_id", id), zap.Int("start", start), zap.Int("end", end))
	return SliceLines(string(data), start, end), nil
}

// GetBytes returns up to length bytes starting at offset. A window running
// past the end is truncated; an offset at or past the end yields no bytes.
func (s *Store) GetBytes(ctx context.Context, id string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("%w: offset=%d len=%d", ErrInvalidRange, offset, length)
	}
	_, data, err := s.load(ctx, "get_bytes", id)
	if err != nil {
		return nil, err
	}
	size := int64(len(data))
	if offset >= size {
		return []byte{}, nil
	}
	end := size
	if length < size-offset {
		end = offset + length
	}
	return data[offset:end:end], nil
}

// Get returns the whole object as a tagged result chosen from the Kind
// recorded at write time.
func (s *Store) Get(ctx context.Context, id string) (*Content, error) {
	obj, data, err := s.load(ctx, "get", id)
	if err != nil {
		return nil, err
	}
	c := &Content{Object: obj, Kind: obj.Kind}
	switch obj.Kind {
	case KindText:
		c.Text = string(data)
	case KindJSON:
		c.JSON = json.RawMessage(data)
	default:
		c.Kind = KindBytes
		c.Bytes = data
	}
	return c, nil
}

// List returns metadata records, most recent first. Records created at the
// same instant are ordered by id. A zero filter lists everything.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Object, error) {
	var objects []*Object
	root := filepath.Join(s.root, metaDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".cbor") {
			return nil
		}
		obj, err := readMetaFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable metadata record", zap.String("path", path), zap.Error(err))
			return nil
		}
		if filter.Type != "" && obj.Type != filter.Type {
			return nil
		}
		objects = append(objects, obj)
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.metrics.RecordError(ctx, "list")
		return nil, fmt.Errorf("%w: listing: %w", ErrStorage, err)
	}

	sort.Slice(objects, func(i, j int) bool {
		a, b := objects[i], objects[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return objects, nil
}

// Delete removes an object. Metadata goes first so an interrupted delete
// leaves at worst an orphan blob, never a dangling record. Nothing in the
// offload path calls Delete; it exists for external pruning.
func (s *Store) Delete(ctx context.Context, id string) error {
	obj, err := s.GetMetadata(ctx, id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s.fail(ctx, "delete", id, err)
	}
	blob := filepath.Join(s.root, filepath.FromSlash(obj.Path))
	if err := os.Remove(blob); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("orphan blob left after delete", zap.String("memory_id", id), zap.Error(err))
	}
	s.logger.Info("memory deleted", zap.String("memory_id", id))
	return nil
}

// Stats aggregates sizes and counts across all objects.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	objects, err := s.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}
	st := &Stats{ByType: make(map[string]int)}
	for i, obj := range objects {
		st.Objects++
		st.RawBytes += obj.RawSize
		st.StoredBytes += obj.StoredSize
		st.ByType[string(obj.Type)]++
		if i == 0 {
			st.Newest = obj.CreatedAt
		}
		st.Oldest = obj.CreatedAt
	}
	return st, nil
}

// load reads metadata and blob, decompresses, and verifies the content
// still hashes to id.
func (s *Store) load(ctx context.Context, op, id string) (*Object, []byte, error) {
	ctx, span := startSpan(ctx, "memstore."+op, attribute.String("memory.id", id))
	defer span.End()

	obj, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	stored, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(obj.Path)))
	if err != nil {
		return nil, nil, s.fail(ctx, op, id, fmt.Errorf("reading blob: %w", err))
	}
	data, err := decode(stored, obj.Compression, obj.RawSize)
	if err != nil {
		return nil, nil, s.fail(ctx, op, id, fmt.Errorf("%w: %w", ErrCorrupt, err))
	}
	if ComputeID(data) != id {
		return nil, nil, s.fail(ctx, op, id, ErrCorrupt)
	}
	s.metrics.RecordRead(ctx, op, time.Since(start))
	return obj, data, nil
}

func (s *Store) readMeta(id string) (*Object, error) {
	return readMetaFile(s.metaPath(id))
}

func readMetaFile(path string) (*Object, error) {
	record, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: reading metadata: %w", ErrStorage, err)
	}
	var obj Object
	if err := codec.Unmarshal(record, &obj); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata: %w", ErrStorage, err)
	}
	return &obj, nil
}

// commit writes data to a temp file, syncs it, and links it to final
// without replacing an existing file. It reports whether this call created
// final; false means an identical commit already happened.
func (s *Store) commit(final string, data []byte, pattern string) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), pattern)
	if err != nil {
		return false, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return false, fmt.Errorf("creating shard directory: %w", err)
	}

	err = os.Link(tmpPath, final)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrExist):
		return false, nil
	}

	// Filesystems without hard links fall back to stat-then-rename.
	if _, statErr := os.Stat(final); statErr == nil {
		return false, nil
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return false, fmt.Errorf("renaming into place: %w", err)
	}
	return true, nil
}

func (s *Store) fail(ctx context.Context, op, id string, err error) error {
	s.metrics.RecordError(ctx, op)
	s.logger.Error("storage operation failed", append(logging.ContextFields(ctx),
		zap.String("op", op),
		zap.String("memory_id", id),
		zap.Error(err),
	)...)
	recordSpanError(ctx, err)
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func (s *Store) relBlobPath(id string, tag CompressionTag) string {
	return objectsDir + "/" + id[0:2] + "/" + id[2:4] + "/" + id + "." + tag.String()
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.root, metaDir, id[0:2], id+".cbor")
}

// classifyText resolves MIME and Kind for PutText.
func classifyText(data []byte, mime string) (string, Kind) {
	if mime == "" {
		trimmed := strings.TrimSpace(string(data))
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(data) {
			return mimeJSON, KindJSON
		}
		return mimeText, KindText
	}
	base := strings.ToLower(mime)
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if (base == mimeJSON || strings.HasSuffix(base, "+json")) && json.Valid(data) {
		return mime, KindJSON
	}
	return mime, KindText
}

// IsBinary reports whether content should be stored with PutBytes: invalid
// UTF-8 or containing NUL bytes.
func IsBinary(data []byte) bool {
	if !utf8.Valid(data) {
		return true
	}
	for _, b := range data {
		if b == 0 {
			return true
		}
	}
	return false
}
