package cas

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	ublcid "ubl-gate/cid"
	"ubl-gate/ublerr"
)

// FileCAS is a sharded-directory filesystem CAS. Objects are written with
// O_EXCL so a concurrent writer racing on the same CID either wins cleanly
// or loses cleanly; an existing file is accepted only if its bytes already
// match (Put is idempotent), otherwise ErrImmutable is returned.
type FileCAS struct {
	root string
}

// NewFile opens (creating if necessary) a FileCAS rooted at dir.
func NewFile(dir string) (*FileCAS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ublerr.Wrap(ublerr.KindInternal, "CAS.FILE_INIT", "failed to create CAS root directory", err)
	}
	return &FileCAS{root: dir}, nil
}

func (f *FileCAS) pathFor(id ublcid.CID) string {
	s := id.String()
	shard := "xx"
	if len(s) >= 5 {
		shard = s[3:5] // first two hex chars after the "b3:" prefix
	}
	return filepath.Join(f.root, shard, s)
}

func (f *FileCAS) Put(_ context.Context, data []byte) (ublcid.CID, error) {
	id := ublcid.Of(data)
	path := f.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", ublerr.Wrap(ublerr.KindInternal, "CAS.FILE_WRITE", "failed to create shard directory", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			existing, readErr := os.ReadFile(path)
			if readErr != nil {
				return "", ublerr.Wrap(ublerr.KindInternal, "CAS.FILE_READ", "failed to read existing object", readErr)
			}
			if !bytes.Equal(existing, data) {
				return "", ErrImmutable
			}
			return id, nil
		}
		return "", ublerr.Wrap(ublerr.KindInternal, "CAS.FILE_WRITE", "failed to create object file", err)
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		return "", ublerr.Wrap(ublerr.KindInternal, "CAS.FILE_WRITE", "failed to write object bytes", err)
	}
	return id, nil
}

func (f *FileCAS) Get(_ context.Context, id ublcid.CID) ([]byte, error) {
	path := f.pathFor(id)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, ublerr.Wrap(ublerr.KindInternal, "CAS.FILE_READ", "failed to open object file", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, ublerr.Wrap(ublerr.KindInternal, "CAS.FILE_READ", "failed to read object file", err)
	}
	if !ublcid.Verify(id, data) {
		return nil, ErrCIDMismatch
	}
	return data, nil
}

func (f *FileCAS) Has(_ context.Context, id ublcid.CID) bool {
	_, err := os.Stat(f.pathFor(id))
	return err == nil
}

// ErrImmutable is returned when a write targets an existing CID whose
// stored bytes differ from the bytes being written — which cannot happen
// for correctly content-addressed data and indicates either a hash
// collision or storage corruption.
var ErrImmutable = ublerr.New(ublerr.KindIntegrity, "CAS.IMMUTABLE_VIOLATION", "existing object does not match bytes for this CID")
