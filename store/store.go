// Package store implements the on-disk object store collaborator spec
// §6 describes: loose objects under objects/<xx>/<rest>, the raw
// packfile and its optional .idx sibling under objects/pack/, and the
// read-back path the packfile core falls back to on a MissingBase.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/sync/errgroup"

	"github.com/gitobjectstore/packclone/object"
	"github.com/gitobjectstore/packclone/packindex"
	zlibutil "github.com/gitobjectstore/packclone/utils/sync"
	"github.com/gitobjectstore/packclone/utils/trace"
)

// maxConcurrentLooseWrites bounds WriteLooseAll's worker pool: writing
// thousands of independent loose objects has no ordering dependency
// once the pack index has resolved them, but an unbounded fan-out
// would open one temp file per object simultaneously.
const maxConcurrentLooseWrites = 8

const (
	objectsPath = "objects"
	packPath    = "pack"
)

// Store is the on-disk object store backing a cloned repository's
// .git directory. It is built on go-billy so the same code path
// exercises an in-memory filesystem in tests and a real on-disk one
// in production, the same split the teacher's storage/filesystem
// package draws between dotgit and an injected billy.Filesystem.
type Store struct {
	fs billy.Filesystem
}

// New returns a Store rooted at dir on the local filesystem, creating
// the objects/pack directory tree if it does not already exist.
func New(dir string) (*Store, error) {
	return NewWithFS(osfs.New(dir))
}

// NewWithFS returns a Store rooted at fs, useful for tests that want
// an in-memory billy.Filesystem (go-billy/v5/memfs) instead of the
// real disk.
func NewWithFS(fs billy.Filesystem) (*Store, error) {
	s := &Store{fs: fs}
	if err := s.fs.MkdirAll(s.fs.Join(objectsPath, packPath), 0o755); err != nil {
		return nil, fmt.Errorf("store: creating objects/pack: %w", err)
	}
	return s, nil
}

// WriteLoose zlib-compresses obj's canonical loose encoding and writes
// it to objects/<sha[0:2]>/<sha[2:]>, via a temp file renamed into
// place so a reader never observes a partially written object.
func (s *Store) WriteLoose(obj *object.Object) (object.Hash, error) {
	hash, payload := obj.EncodeLoose()

	tmp, err := s.fs.TempFile(s.fs.Join(objectsPath, packPath), "tmp_obj_")
	if err != nil {
		return hash, fmt.Errorf("store: creating temp object: %w", err)
	}

	zw := zlibutil.GetZlibWriter(tmp)
	_, werr := zw.Write(payload)
	cerr := zw.Close()
	zlibutil.PutZlibWriter(zw)

	if werr != nil || cerr != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmp.Name())
		if werr != nil {
			return hash, fmt.Errorf("store: writing loose object: %w", werr)
		}
		return hash, fmt.Errorf("store: closing zlib stream: %w", cerr)
	}

	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return hash, fmt.Errorf("store: closing temp object: %w", err)
	}

	dest := s.loosePath(hash)
	if err := s.fs.MkdirAll(s.fs.Join(objectsPath, hash.String()[0:2]), 0o755); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return hash, fmt.Errorf("store: creating fanout dir: %w", err)
	}

	if err := s.fs.Rename(tmp.Name(), dest); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return hash, fmt.Errorf("store: renaming loose object into place: %w", err)
	}

	return hash, nil
}

// WriteLooseAll writes every object in objs concurrently, bounded by
// maxConcurrentLooseWrites via errgroup, the same reasoning spec §5
// applies to parsing two independent packfiles in parallel: these
// writes have no ordering dependency once the caller already resolved
// them from the pack index.
func (s *Store) WriteLooseAll(ctx context.Context, objs []*object.Object) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentLooseWrites)

	for _, obj := range objs {
		obj := obj
		group.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			_, err := s.WriteLoose(obj)
			return err
		})
	}

	return group.Wait()
}

// OpenLoose reads back the loose object with the given hash. It
// satisfies packindex.LooseResolver, so a Reader configured with
// packindex.WithLooseResolver(store.OpenLoose) can resolve a RefDelta
// whose base was never in the pack itself.
func (s *Store) OpenLoose(hash object.Hash) (*object.Object, error) {
	f, err := s.fs.Open(s.loosePath(hash))
	if err != nil {
		return nil, fmt.Errorf("store: opening loose object %s: %w", hash, err)
	}
	defer f.Close()

	zr, err := zlibutil.GetZlibReader(f)
	if err != nil {
		return nil, fmt.Errorf("store: decompressing loose object %s: %w", hash, err)
	}
	defer zlibutil.PutZlibReader(zr)

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("store: reading loose object %s: %w", hash, err)
	}

	return decodeLoose(raw)
}

// decodeLoose parses the "<kind> <len>\0<content>" loose-object
// header spec §4.2's EncodeLoose produces.
func decodeLoose(raw []byte) (*object.Object, error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return nil, fmt.Errorf("store: loose object missing header terminator")
	}

	header := raw[:nul]
	sp := bytes.IndexByte(header, ' ')
	if sp < 0 {
		return nil, fmt.Errorf("store: malformed loose object header %q", header)
	}

	kind, err := object.ParseKind(string(header[:sp]))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	content := raw[nul+1:]
	return object.New(kind, content), nil
}

// loosePath returns the fanout path objects/<xx>/<rest> for hash.
func (s *Store) loosePath(hash object.Hash) string {
	hex := hash.String()
	return s.fs.Join(objectsPath, hex[0:2], hex[2:])
}

// WritePack writes the raw packfile bytes received from the transport
// collaborator to objects/pack/pack-<packSHA>.pack.
func (s *Store) WritePack(packSHA object.Hash, raw []byte) error {
	dest := s.packBase(packSHA) + ".pack"
	return s.writeFile(dest, raw)
}

// WriteIndex writes idx's encoded v2 .idx bytes alongside the
// packfile it describes.
func (s *Store) WriteIndex(idx *packindex.MemoryIndex) error {
	dest := s.packBase(idx.PackSHA) + ".idx"
	return s.writeFile(dest, packindex.Encode(idx))
}

func (s *Store) packBase(packSHA object.Hash) string {
	return s.fs.Join(objectsPath, packPath, fmt.Sprintf("pack-%s", packSHA))
}

// writeFile writes content to dest via a temp-file-then-rename, the
// same crash-safety the teacher's dotgit.PackWriter.save uses for
// both the .pack and its .idx sibling.
func (s *Store) writeFile(dest string, content []byte) error {
	tmp, err := s.fs.TempFile(s.fs.Join(objectsPath, packPath), "tmp_pack_")
	if err != nil {
		return fmt.Errorf("store: creating temp file for %s: %w", dest, err)
	}

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmp.Name())
		return fmt.Errorf("store: writing %s: %w", dest, err)
	}

	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return fmt.Errorf("store: closing temp file for %s: %w", dest, err)
	}

	if err := s.fs.Rename(tmp.Name(), dest); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return fmt.Errorf("store: renaming into place %s: %w", dest, err)
	}

	trace.General.Printf("store: wrote %s (%d bytes)", dest, len(content))
	return nil
}

// Root returns the store's root directory, for callers (like
// cmd/packclone) that need to report where a clone landed.
func (s *Store) Root() string { return s.fs.Root() }
