// Command thinpoold runs the thin-provisioning pool daemon: it owns one
// pool's metadata store, data device, and copy engine, and answers
// constructor/message/status requests over a Unix control socket
// (spec.md §4.7, §6.3, §7.4).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/spin-stack/thinpool/internal/cleanup"
	"github.com/spin-stack/thinpool/internal/control"
	"github.com/spin-stack/thinpool/internal/pool"
	"github.com/spin-stack/thinpool/internal/registry"
	"github.com/spin-stack/thinpool/internal/thin"
	"github.com/spin-stack/thinpool/pkg/bio"
	"github.com/spin-stack/thinpool/pkg/copyengine"
	"github.com/spin-stack/thinpool/pkg/metadata/boltstore"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

const (
	defaultSocket = "/run/thinpool/thinpoold.sock"
)

// loopbackSubmitter is the stand-in I/O submitter (spec.md §1's "out of
// scope... I/O submitter"): it has no real block device to hand a
// remapped bio to, so it just completes it successfully once remapped.
// A real deployment replaces this with an adapter onto the host's block
// layer.
type loopbackSubmitter struct{}

func (loopbackSubmitter) Submit(ctx context.Context, b *bio.Bio) {
	b.Complete(nil)
}

func main() {
	app := &cli.App{
		Name:    "thinpoold",
		Usage:   "thin-provisioning pool daemon",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "socket", Value: defaultSocket, Usage: "control socket path", EnvVars: []string{"THINPOOLD_SOCKET"}},
			&cli.StringFlag{Name: "metadata-dev", Required: true, Usage: "path to the metadata database"},
			&cli.StringFlag{Name: "data-dev", Required: true, Usage: "path to the data device backing file"},
			&cli.Uint64Flag{Name: "data-blocks", Required: true, Usage: "declared data device size, in data blocks"},
			&cli.UintFlag{Name: "sectors-per-block", Value: 128, Usage: "sectors per data block (power of two, [128, 2^21])"},
			&cli.Uint64Flag{Name: "low-water-data", Usage: "free-data-blocks threshold for the low-water event"},
			&cli.Uint64Flag{Name: "low-water-metadata", Usage: "free-metadata-blocks threshold for the low-water event"},
			&cli.BoolFlag{Name: "skip-block-zeroing", Usage: "skip zero-filling freshly provisioned blocks"},
			&cli.IntFlag{Name: "copy-workers", Value: 4, Usage: "worker pool size for the copy engine"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := log.SetLevel(cliCtx.String("log-level")); err != nil {
		return err
	}

	socket := cliCtx.String("socket")
	metadataDev := cliCtx.String("metadata-dev")
	dataDev := cliCtx.String("data-dev")
	dataBlocks := cliCtx.Uint64("data-blocks")
	sectorsPerBlock := uint32(cliCtx.Uint("sectors-per-block"))

	if err := os.MkdirAll(filepath.Dir(socket), 0o700); err != nil {
		return fmt.Errorf("thinpoold: create socket directory: %w", err)
	}
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("thinpoold: remove existing socket: %w", err)
	}

	dataFile, err := openSizedDataFile(dataDev, int64(dataBlocks)*int64(sectorsPerBlock)*512)
	if err != nil {
		return err
	}
	defer dataFile.Close()

	store, err := boltstore.Open(ctx, metadataDev, dataDev, dataBlocks)
	if err != nil {
		return fmt.Errorf("thinpoold: open metadata store: %w", err)
	}
	defer store.Close()

	engine := copyengine.NewFileEngine(cliCtx.Int("copy-workers"))
	defer engine.Close()

	var opts []pool.Opt
	if v := cliCtx.Uint64("low-water-data"); v > 0 {
		opts = append(opts, pool.WithLowWaterData(v))
	}
	if v := cliCtx.Uint64("low-water-metadata"); v > 0 {
		opts = append(opts, pool.WithLowWaterMetadata(v))
	}
	if cliCtx.Bool("skip-block-zeroing") {
		opts = append(opts, pool.WithSkipBlockZeroing())
	}

	reg := registry.New()
	handle, err := reg.GetOrCreate(ctx, metadataDev, func(ctx context.Context, id string) (*pool.Pool, error) {
		return pool.New(ctx, store, engine, loopbackSubmitter{}, dataFile, sectorsPerBlock, opts...)
	})
	if err != nil {
		return fmt.Errorf("thinpoold: create pool: %w", err)
	}
	defer handle.Release(ctx)

	srv := &daemon{
		registry:        reg,
		binding:         metadataDev,
		pool:            handle.Pool(),
		metaDev:         metadataDev,
		dataDev:         dataDev,
		sectorsPerBlock: sectorsPerBlock,
		thins:           make(map[uint32]*thin.Thin),
	}

	ln, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("thinpoold: listen on %s: %w", socket, err)
	}
	defer ln.Close()

	log.G(ctx).WithField("socket", socket).WithField("metadata_dev", metadataDev).WithField("data_dev", dataDev).Info("thinpoold: listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- control.Serve(ctx, ln, srv.handle) }()

	select {
	case sig := <-sigCh:
		log.G(ctx).WithField("signal", sig).Info("thinpoold: shutting down")
		cancel()
		cleanup.Do(ctx, func(cctx context.Context) {
			if err := srv.pool.Close(cctx); err != nil {
				log.G(ctx).WithField("error", err).Warn("thinpoold: pool close")
			}
		})
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("thinpoold: control server: %w", err)
		}
	}
	return nil
}

// openSizedDataFile opens (creating if necessary) the data device backing
// file and grows it to at least size bytes. A sparse file stands in for a
// real block device in this out-of-scope collaborator (spec.md §1).
func openSizedDataFile(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("thinpoold: open data device %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("thinpoold: size data device %s: %w", path, err)
		}
	}
	return f, nil
}

// daemon dispatches control requests against a single bound pool. Every
// thin.Thin it hands out holds its own registry.Handle onto that same pool
// binding, so bind/unbind bookkeeping goes through the same reference-count
// path a multi-pool deployment would use (internal/registry).
type daemon struct {
	registry        *registry.Registry
	binding         string
	pool            *pool.Pool
	metaDev         string
	dataDev         string
	sectorsPerBlock uint32

	mu    sync.Mutex
	thins map[uint32]*thin.Thin
}

func (d *daemon) alreadyRegistered(ctx context.Context, id string) (*pool.Pool, error) {
	return nil, fmt.Errorf("thinpoold: pool binding %q is not registered", id)
}

func (d *daemon) thinFor(ctx context.Context, id uint32) (*thin.Thin, error) {
	d.mu.Lock()
	if t, ok := d.thins[id]; ok {
		d.mu.Unlock()
		return t, nil
	}
	d.mu.Unlock()

	handle, err := d.registry.GetOrCreate(ctx, d.binding, d.alreadyRegistered)
	if err != nil {
		return nil, err
	}
	t := thin.New(id, handle)

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.thins[id]; ok {
		handle.Release(ctx)
		return existing, nil
	}
	d.thins[id] = t
	return t, nil
}

func (d *daemon) handle(ctx context.Context, req control.Request) (string, error) {
	switch req.Op {
	case "message":
		return "", thin.Dispatch(ctx, d.pool, req.Msg, req.Args)
	case "pool_info":
		return d.pool.InfoLine(ctx)
	case "pool_table":
		return d.pool.TableLine(d.metaDev, d.dataDev), nil
	case "bind":
		id, declared, err := parseBindArgs(req.Args)
		if err != nil {
			return "", err
		}
		t, err := d.thinFor(ctx, id)
		if err != nil {
			return "", err
		}
		return "", t.Bind(ctx, declared)
	case "unbind":
		id, err := parseDeviceIDArg(req.Args)
		if err != nil {
			return "", err
		}
		t, err := d.thinFor(ctx, id)
		if err != nil {
			return "", err
		}
		return "", t.Unbind(ctx)
	case "thin_info":
		id, err := parseDeviceIDArg(req.Args)
		if err != nil {
			return "", err
		}
		t, err := d.thinFor(ctx, id)
		if err != nil {
			return "", err
		}
		return t.InfoLine(ctx, d.sectorsPerBlock)
	case "thin_table":
		id, err := parseDeviceIDArg(req.Args)
		if err != nil {
			return "", err
		}
		t, err := d.thinFor(ctx, id)
		if err != nil {
			return "", err
		}
		return t.TableLine(d.metaDev), nil
	default:
		return "", fmt.Errorf("thinpoold: unrecognized op %q", req.Op)
	}
}

func parseDeviceIDArg(args []string) (uint32, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("thinpoold: missing device id argument")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("thinpoold: parse device id %q: %w", args[0], err)
	}
	return uint32(id), nil
}

func parseBindArgs(args []string) (id uint32, declaredDataBlocks uint64, err error) {
	id, err = parseDeviceIDArg(args)
	if err != nil {
		return 0, 0, err
	}
	if len(args) < 2 {
		return 0, 0, fmt.Errorf("thinpoold: missing declared-data-blocks argument")
	}
	declaredDataBlocks, err = strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("thinpoold: parse declared data blocks %q: %w", args[1], err)
	}
	return id, declaredDataBlocks, nil
}
