// Package testfile drops generated payloads with checksum sidecars into the
// inbox, for exercising the pipelines end to end.
package testfile

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calvinalkan/bkupman/internal/fs"
	"github.com/calvinalkan/bkupman/internal/ledger"
	"github.com/calvinalkan/bkupman/internal/naming"
	"github.com/calvinalkan/bkupman/internal/workpool"
)

const filePerm = 0o644

// Options configures [Generate].
type Options struct {
	FS      fs.FS
	Workers int

	Size   uint64
	Count  int
	Random bool

	// Now stamps the file names. Defaults to time.Now.
	Now func() time.Time

	// Seed returns the xorshift64 start state per file. Defaults to a
	// random non-zero seed.
	Seed func(i int) uint64

	Logger *zap.Logger
}

// Created is one generated file.
type Created struct {
	Name string
	MD5  string
}

// Failure is one file that could not be generated.
type Failure struct {
	Name string
	Err  error
}

// Result lists generated files in index order.
type Result struct {
	Created  []Created
	Failures []Failure
}

// Name returns the inbox name of file i stamped at t:
// testfile-{i:05}_{YYYYMMDDhhmmss}.bin.
func Name(i int, t time.Time) string {
	return fmt.Sprintf("testfile-%05d_%s.bin", i, t.Format("20060102150405"))
}

// Generate writes Count files of Size bytes into the inbox, each with an MD5
// sidecar written after its payload. The ledger lock is held throughout so an
// inbox run never sees a half-generated batch.
func Generate(ctx context.Context, store *ledger.Store, opts Options) (Result, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = store.FS()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	seed := opts.Seed
	if seed == nil {
		seed = func(int) uint64 { return rand.Uint64() | 1 }
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	logger = logger.With(zap.String("run_id", uuid.NewString()), zap.String("pipeline", "test-file"))

	var result Result

	err := store.WithLocked(func(*ledger.Ledger) (bool, error) {
		stamp := now()

		units := make([]unit, opts.Count)
		for i := range units {
			units[i] = unit{name: Name(i, stamp), seed: seed(i)}
		}

		g := generator{fs: fsys, dir: store.Layout().Inbox(), size: opts.Size, random: opts.Random, logger: logger}

		for i, o := range workpool.Run(ctx, opts.Workers, units, g.create) {
			if o.Err != nil {
				result.Failures = append(result.Failures, Failure{Name: units[i].name, Err: o.Err})

				continue
			}

			result.Created = append(result.Created, Created{Name: units[i].name, MD5: o.Value})
		}

		return false, nil
	})

	return result, err
}

type unit struct {
	name string
	seed uint64
}

type generator struct {
	fs     fs.FS
	dir    string
	size   uint64
	random bool
	logger *zap.Logger
}

// create writes one payload and returns its MD5 hex.
func (g generator) create(_ context.Context, u unit) (string, error) {
	g.logger.Info("creating", zap.String("file", u.name), zap.Uint64("size", g.size), zap.Bool("random", g.random))

	var src io.Reader = zeroReader{}
	if g.random {
		src = NewXorshift(u.seed)
	}

	h := md5.New()
	path := filepath.Join(g.dir, u.name)

	if err := g.fs.WriteFileAtomic(path, io.TeeReader(io.LimitReader(src, int64(g.size)), h), filePerm); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	sidecar := filepath.Join(g.dir, naming.SidecarName(u.name))

	if err := g.fs.WriteFileAtomic(sidecar, strings.NewReader(sum), filePerm); err != nil {
		return "", fmt.Errorf("writing %s: %w", sidecar, err)
	}

	return sum, nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)

	return len(p), nil
}

// Xorshift is an endless reader of xorshift64 output, eight little-endian
// bytes per step.
type Xorshift struct {
	state uint64
	buf   [8]byte
	off   int
}

// NewXorshift starts at seed. A zero seed would only ever yield zeros and is
// replaced by 1.
func NewXorshift(seed uint64) *Xorshift {
	if seed == 0 {
		seed = 1
	}

	return &Xorshift{state: seed, off: 8}
}

func (x *Xorshift) Read(p []byte) (int, error) {
	n := 0

	for n < len(p) {
		if x.off == 8 {
			x.state ^= x.state << 13
			x.state ^= x.state >> 7
			x.state ^= x.state << 17
			binary.LittleEndian.PutUint64(x.buf[:], x.state)
			x.off = 0
		}

		c := copy(p[n:], x.buf[x.off:])
		n += c
		x.off += c
	}

	return n, nil
}
