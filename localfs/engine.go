// Package localfs stores docstore tables as directories of JSON files:
//
//	<root>/<table>/<keyAttr>_<canonicalKey>.json
//
// Each file holds the item's attributes, without the key attribute, as an
// indented JSON object. Writes go to a temporary file that is synced and
// renamed over the target, so readers never observe partial documents.
//
// The engine does not lock. Concurrent read-check-write sequences must be
// serialized by the caller, e.g. with docstore.Options.Locker.
package localfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/andreyvit/docstore"
	"github.com/andreyvit/docstore/fsync"
)

const backendName = "localfs"

type Options struct {
	// Fs defaults to the OS file system.
	Fs     afero.Fs
	Logger *slog.Logger
	// NoSync skips fsync of files and directories. Only for tests.
	NoSync bool
}

type Engine struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
	noSync bool
	osFs   bool
}

var _ docstore.Backend = (*Engine)(nil)

// Open creates the root directory if needed.
func Open(root string, opt Options) (*Engine, error) {
	if root == "" {
		return nil, docstore.ErrNotInitialized
	}
	if opt.Fs == nil {
		opt.Fs = afero.NewOsFs()
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	_, osFs := opt.Fs.(*afero.OsFs)
	root = filepath.Clean(root)
	if err := opt.Fs.MkdirAll(root, 0o755); err != nil {
		return nil, docstore.BackendErrf(backendName, err, "create root %s", root)
	}
	return &Engine{
		fs:     opt.Fs,
		root:   root,
		logger: opt.Logger,
		noSync: opt.NoSync,
		osFs:   osFs,
	}, nil
}

func (e *Engine) Name() string { return backendName }
func (e *Engine) Root() string { return e.root }
func (e *Engine) Close() error { return nil }

// tableDir maps a table name to its directory. Slashes in the name create
// nested directories.
func (e *Engine) tableDir(table string) (string, error) {
	segs := strings.Split(table, "/")
	parts := make([]string, 0, len(segs)+1)
	parts = append(parts, e.root)
	for _, seg := range segs {
		if strings.TrimSpace(seg) == "" {
			return "", fmt.Errorf("%w: invalid table name %q", docstore.ErrValidation, table)
		}
		parts = append(parts, escapeName(seg, ""))
	}
	return filepath.Join(parts...), nil
}

func (e *Engine) itemPath(table string, key docstore.Key) (dir, path string, err error) {
	dir, err = e.tableDir(table)
	if err != nil {
		return "", "", err
	}
	return dir, filepath.Join(dir, fileName(key)), nil
}

// readItem returns the body stored at path, or nil if the file is missing
// or unreadable as a JSON object.
func (e *Engine) readItem(ctx context.Context, path string) (docstore.Document, error) {
	raw, err := afero.ReadFile(e.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, docstore.BackendErrf(backendName, err, "read %s", path)
	}
	body, err := docstore.DecodeJSON(raw)
	if err != nil {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "localfs: ignoring corrupt document",
			slog.String("path", path), slog.Any("err", err))
		return nil, nil
	}
	return body, nil
}

func (e *Engine) Exists(ctx context.Context, table string, key docstore.Key) (bool, error) {
	doc, err := e.Get(ctx, table, key)
	return doc != nil, err
}

func (e *Engine) Get(ctx context.Context, table string, key docstore.Key) (docstore.Document, error) {
	if err := docstore.CheckContext(ctx); err != nil {
		return nil, err
	}
	_, path, err := e.itemPath(table, key)
	if err != nil {
		return nil, err
	}
	body, err := e.readItem(ctx, path)
	if body == nil || err != nil {
		return nil, err
	}
	return body.WithKey(key), nil
}

func (e *Engine) GetMany(ctx context.Context, table string, keys []docstore.Key) ([]docstore.Document, error) {
	docs := make([]docstore.Document, len(keys))
	for i, key := range keys {
		doc, err := e.Get(ctx, table, key)
		if err != nil {
			return nil, err
		}
		docs[i] = doc
	}
	return docs, nil
}

func (e *Engine) Write(ctx context.Context, table string, key docstore.Key, body docstore.Document, mode docstore.WriteMode) error {
	if err := docstore.CheckContext(ctx); err != nil {
		return err
	}
	dir, path, err := e.itemPath(table, key)
	if err != nil {
		return err
	}
	if mode != docstore.WriteUpsert {
		cur, err := e.readItem(ctx, path)
		if err != nil {
			return err
		}
		if cur != nil && mode == docstore.WriteCreate {
			return docstore.ErrAlreadyExists
		} else if cur == nil && mode == docstore.WriteReplace {
			return docstore.ErrNotFound
		}
	}

	raw, err := json.MarshalIndent(body.WithoutKey(key), "", "  ")
	if err != nil {
		return docstore.BackendErrf(backendName, err, "encode %s/%v", table, key)
	}
	raw = append(raw, '\n')

	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return docstore.BackendErrf(backendName, err, "create %s", dir)
	}
	if err := docstore.CheckContext(ctx); err != nil {
		return err
	}
	if err := e.writeAtomically(dir, path, raw); err != nil {
		return docstore.BackendErrf(backendName, err, "write %s", path)
	}
	return nil
}

func (e *Engine) writeAtomically(dir, path string, data []byte) error {
	f, err := afero.TempFile(e.fs, dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			f.Close()
			e.fs.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if !e.noSync {
		if err := fsync.File(f); err != nil {
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := e.fs.Rename(tmp, path); err != nil {
		return err
	}
	ok = true
	return e.syncDir(dir)
}

func (e *Engine) syncDir(dir string) error {
	if e.noSync || !e.osFs {
		return nil
	}
	return fsync.Dir(dir)
}

func (e *Engine) Delete(ctx context.Context, table string, key docstore.Key) (bool, error) {
	if err := docstore.CheckContext(ctx); err != nil {
		return false, err
	}
	dir, path, err := e.itemPath(table, key)
	if err != nil {
		return false, err
	}
	err = e.fs.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, docstore.BackendErrf(backendName, err, "delete %s", path)
	}
	if err := e.syncDir(dir); err != nil {
		return true, docstore.BackendErrf(backendName, err, "sync %s", dir)
	}
	e.pruneEmptyDirs(dir)
	return true, nil
}

// pruneEmptyDirs removes dir and its ancestors while they are empty,
// stopping at the engine root.
func (e *Engine) pruneEmptyDirs(dir string) {
	for dir != e.root && strings.HasPrefix(dir, e.root+string(filepath.Separator)) {
		entries, err := afero.ReadDir(e.fs, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := e.fs.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (e *Engine) Scan(ctx context.Context, table string, cursor docstore.Cursor, pageSize int) (docstore.Page, error) {
	return e.ScanFiltered(ctx, table, docstore.Cond{}, cursor, pageSize)
}

// ScanFiltered walks the table's item files in name order. The cursor is
// an index into that list of item files; corrupt files are skipped, and
// a cursor is only returned when another matching item follows the page.
func (e *Engine) ScanFiltered(ctx context.Context, table string, cond docstore.Cond, cursor docstore.Cursor, pageSize int) (docstore.Page, error) {
	if err := docstore.CheckContext(ctx); err != nil {
		return docstore.Page{}, err
	}
	dir, err := e.tableDir(table)
	if err != nil {
		return docstore.Page{}, err
	}
	files, err := e.itemFiles(dir)
	if err != nil {
		return docstore.Page{}, err
	}

	var page docstore.Page
	for i := docstore.ParseOffset(cursor); i < len(files); i++ {
		if err := docstore.CheckContext(ctx); err != nil {
			return docstore.Page{}, err
		}
		f := files[i]
		body, err := e.readItem(ctx, filepath.Join(dir, f.name))
		if err != nil {
			return docstore.Page{}, err
		}
		if body == nil {
			continue
		}
		doc := body.WithKey(f.key)
		if !cond.Eval(doc) {
			continue
		}
		if pageSize > 0 && len(page.Items) >= pageSize {
			page.Next = docstore.OffsetCursor(i)
			break
		}
		page.Items = append(page.Items, doc)
	}
	return page, nil
}

type itemFile struct {
	name string
	key  docstore.Key
}

// itemFiles lists the regular files of dir whose names decode to a key,
// in name order. Nested table directories and temp files are left out.
func (e *Engine) itemFiles(dir string) ([]itemFile, error) {
	entries, err := afero.ReadDir(e.fs, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, docstore.BackendErrf(backendName, err, "list %s", dir)
	}
	files := make([]itemFile, 0, len(entries))
	for _, fi := range entries {
		if !fi.Mode().IsRegular() {
			continue
		}
		if key, ok := parseFileName(fi.Name()); ok {
			files = append(files, itemFile{fi.Name(), key})
		}
	}
	return files, nil
}

// DropTable removes the table directory with everything in it, including
// nested tables.
func (e *Engine) DropTable(ctx context.Context, table string) error {
	if err := docstore.CheckContext(ctx); err != nil {
		return err
	}
	dir, err := e.tableDir(table)
	if err != nil {
		return err
	}
	if err := e.fs.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return docstore.BackendErrf(backendName, err, "drop %s", dir)
	}
	e.pruneEmptyDirs(filepath.Dir(dir))
	return nil
}
