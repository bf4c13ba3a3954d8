package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/datma-health/go-tiledb/tiledb"
)

var cli struct {
	Show struct {
		URI string `arg:"" help:"Fragment directory URI (local path, file://, az://, s3:// or gs://)."`
	} `cmd:"" help:"Decode and print a fragment's bookkeeping manifest."`

	Ls struct {
		URI string `arg:"" help:"Directory URI to list."`
	} `cmd:"" help:"List directories and files under a storage URI."`
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := kong.Parse(&cli,
		kong.Name("tiledb"),
		kong.Description("Inspect TileDB fragment storage."),
		kong.UsageOnError(),
	)

	switch ctx.Command() {
	case "show <uri>":
		err = show(logger, cli.Show.URI)
	case "ls <uri>":
		err = ls(logger, cli.Ls.URI)
	default:
		err = fmt.Errorf("unknown command %q", ctx.Command())
	}
	if err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func resolveFS(logger *zap.Logger, uri string) (tiledb.StorageFS, error) {
	cfg := tiledb.Config{Logger: logger}
	if err := cfg.Init(uri); err != nil {
		return nil, err
	}
	return cfg.FS(), nil
}

func ls(logger *zap.Logger, uri string) error {
	fs, err := resolveFS(logger, uri)
	if err != nil {
		return err
	}
	dirs, err := fs.GetDirs(uri)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		fmt.Println(tiledb.Slashify(d))
	}
	files, err := fs.GetFiles(uri)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Println(f)
	}
	return nil
}

// show decodes the manifest without the array schema: the section framing is
// self-describing apart from the coordinate type, so coordinate payloads
// print as raw sizes and the offset vectors in full.
func show(logger *zap.Logger, uri string) error {
	fs, err := resolveFS(logger, uri)
	if err != nil {
		return err
	}
	path := tiledb.AppendPaths(tiledb.Unslashify(uri), tiledb.BookKeepingFilename)
	size, err := fs.FileSize(path)
	if err != nil {
		return err
	}
	buf, err := tiledb.NewCompressedStorageBuffer(fs, path, 10*1024*1024, true, tiledb.CompressionGzip, 0)
	if err != nil {
		return err
	}
	fmt.Printf("manifest: %s (%d compressed bytes)\n", path, size)

	readInt64 := func() (int64, error) {
		var b [8]byte
		if err := buf.ReadBuffer(b[:]); err != nil {
			return 0, err
		}
		return int64(binary.LittleEndian.Uint64(b[:])), nil
	}
	skip := func(n int64) error {
		return buf.ReadBuffer(make([]byte, n))
	}

	domainLen, err := readInt64()
	if err != nil {
		return err
	}
	if err := skip(domainLen); err != nil {
		return err
	}
	fmt.Printf("non-empty domain: %d bytes\n", domainLen)

	mbrNum, err := readInt64()
	if err != nil {
		return err
	}
	if err := skip(mbrNum * domainLen); err != nil {
		return err
	}
	fmt.Printf("mbrs: %d\n", mbrNum)

	bcNum, err := readInt64()
	if err != nil {
		return err
	}
	if err := skip(bcNum * domainLen); err != nil {
		return err
	}
	fmt.Printf("bounding coordinates: %d\n", bcNum)

	// The remainder is count-prefixed int64 vectors (tile offsets, variable
	// offsets, variable sizes) terminated by the last-tile cell count: a
	// count whose payload is missing is that final scalar.
	stream := 0
	for {
		n, err := readInt64()
		if err != nil {
			if errors.Is(err, tiledb.ErrShortRead) {
				return nil
			}
			return err
		}
		vals := make([]int64, 0, n)
		short := false
		for i := int64(0); i < n; i++ {
			v, verr := readInt64()
			if verr != nil {
				short = true
				break
			}
			vals = append(vals, v)
		}
		if short {
			fmt.Printf("last-tile cell count: %d\n", n)
			return nil
		}
		fmt.Printf("stream %d: %d tile entries %v\n", stream, n, vals)
		stream++
	}
}
