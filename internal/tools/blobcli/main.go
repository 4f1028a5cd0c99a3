// Command blobcli reads and writes raw ciphertext blobs against a single
// registered backend. It bypasses capabilities entirely and is meant for
// operators checking a rotation member.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/pflag"

	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/registry"

	_ "xdao.co/capvault/storage/grpcblob"
	_ "xdao.co/capvault/storage/ipfs"
	_ "xdao.co/capvault/storage/localfs"
	_ "xdao.co/capvault/storage/publisher"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "put":
		return cmdPut(ctx, args[1:], out, errOut)
	case "get":
		return cmdGet(ctx, args[1:], out, errOut)
	case "backends":
		printBackends(out)
		return 0
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "blobcli: raw blob access to one storage backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  blobcli put --backend <name> [--opt k=v ...] <file>")
	fmt.Fprintln(w, "  blobcli get --backend <name> [--opt k=v ...] --ref <ref> [--out <file>]")
	fmt.Fprintln(w, "  blobcli backends")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  blobcli put --backend localfs --opt dir=/var/lib/capvault/blobs sealed.bin")
	fmt.Fprintln(w, "  blobcli get --backend grpc --opt target=127.0.0.1:7777 --ref <cid>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - blobs are stored as given; nothing is encrypted or certified")
	fmt.Fprintln(w, "  - get checks CID refs against the returned bytes")
}

type commonFlags struct {
	backend string
	opts    map[string]string
}

func (c *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&c.backend, "backend", "localfs", "Backend name")
	fs.StringToStringVar(&c.opts, "opt", nil, "Backend option key=value (repeatable)")
}

func (c *commonFlags) open() (storage.Backend, func() error, error) {
	return registry.Open(c.backend, registry.UsageCLI, c.opts)
}

func printBackends(w io.Writer) {
	for _, b := range registry.List(registry.UsageCLI) {
		if b.Description == "" {
			_, _ = fmt.Fprintf(w, "%s\n", b.Name)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", b.Name, b.Description)
	}
}

func cmdPut(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("put", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.add(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: blobcli put [common flags] <file>")
		return 2
	}

	p := fs.Arg(0)
	b, err := os.ReadFile(p)
	if err != nil {
		fmt.Fprintf(errOut, "read %s: %v\n", filepath.Base(p), err)
		return 1
	}
	be, closeFn, err := common.open()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if closeFn != nil {
		defer closeFn()
	}
	ref, err := be.Put(ctx, b)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	_, _ = fmt.Fprintln(out, ref)
	return 0
}

func cmdGet(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("get", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.add(fs)

	var ref, outPath string
	fs.StringVar(&ref, "ref", "", "Blob ref to fetch")
	fs.StringVar(&outPath, "out", "", "Output file (optional; default stdout)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if ref == "" || fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: blobcli get [common flags] --ref <ref> [--out <file>]")
		return 2
	}

	be, closeFn, err := common.open()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if closeFn != nil {
		defer closeFn()
	}

	b, err := be.Get(ctx, ref)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if _, matches, ok := cidutil.VerifyRef(ref, b); ok && !matches {
		fmt.Fprintln(errOut, storage.ErrRefMismatch)
		return 1
	}

	if outPath == "" {
		_, _ = out.Write(b)
		return 0
	}
	if err := os.WriteFile(outPath, b, 0o600); err != nil {
		fmt.Fprintf(errOut, "write %s: %v\n", outPath, err)
		return 1
	}
	return 0
}
