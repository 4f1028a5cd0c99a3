package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"xdao.co/capvault/config"
	"xdao.co/capvault/decrypt"
	"xdao.co/capvault/keys"
	"xdao.co/capvault/model"
	"xdao.co/capvault/storage/registry"
	"xdao.co/capvault/vault"

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
	case "init":
		return cmdInit(args[1:], out, errOut)
	case "keygen":
		return cmdKeygen(args[1:], out, errOut)
	case "keys":
		return cmdKeys(args[1:], out, errOut)
	case "backends":
		return cmdBackends(out)
	case "containers":
		return cmdContainers(ctx, args[1:], out, errOut)
	case "create":
		return cmdCreate(ctx, args[1:], out, errOut)
	case "grant", "revoke":
		return cmdMembership(ctx, args[0], args[1:], out, errOut)
	case "store":
		return cmdStore(ctx, args[1:], out, errOut)
	case "open":
		return cmdOpen(ctx, args[1:], out, errOut)
	case "export":
		return cmdExport(ctx, args[1:], out, errOut)
	case "restore":
		return cmdRestore(ctx, args[1:], out, errOut)
	case "pending":
		return cmdPending(args[1:], out, errOut)
	case "recertify":
		return cmdRecertify(ctx, args[1:], out, errOut)
	case "logout":
		return cmdLogout(args[1:], out, errOut)
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
	fmt.Fprintln(w, "capvault: capability-gated encrypted blob vault")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  capvault init [--force]")
	fmt.Fprintln(w, "  capvault keygen --name <name> [--seed-hex <64hex>] [--from <name>] [--force]")
	fmt.Fprintln(w, "  capvault keys")
	fmt.Fprintln(w, "  capvault backends")
	fmt.Fprintln(w, "  capvault containers")
	fmt.Fprintln(w, "  capvault create --name <name>")
	fmt.Fprintln(w, "  capvault grant --container <id> --member <address>")
	fmt.Fprintln(w, "  capvault revoke --container <id> --member <address>")
	fmt.Fprintln(w, "  capvault store --container <id> <file>")
	fmt.Fprintln(w, "  capvault open --container <id> [--out <dir>]")
	fmt.Fprintln(w, "  capvault export --container <id> --out <file.tar>")
	fmt.Fprintln(w, "  capvault restore --container <id> <file.tar>")
	fmt.Fprintln(w, "  capvault pending")
	fmt.Fprintln(w, "  capvault recertify --container <id> --backend <id> --blob <ref> [--confirm]")
	fmt.Fprintln(w, "  capvault logout")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Common flags:")
	fmt.Fprintln(w, "  --config <file>   config file (default ~/.xdao/capvault/config.yaml)")
	fmt.Fprintln(w, "  --home <dir>      state directory (overrides config and CAPVAULT_HOME)")
	fmt.Fprintln(w, "  --identity <name> key name to act as")
	fmt.Fprintln(w, "  -v, --verbose     debug logging")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - local mode keeps ledger state in <home>/ledger.json and runs key servers in-process")
	fmt.Fprintln(w, "  - open exits 1 if any blob could not be decrypted; the others are still written")
	fmt.Fprintln(w, "  - a store whose certification outcome is unknown is listed by 'pending'")
}

type globals struct {
	configPath string
	home       string
	identity   string
	verbose    bool
}

func newFlagSet(name string, errOut io.Writer) (*pflag.FlagSet, *globals) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(errOut)
	g := &globals{}
	fs.StringVar(&g.configPath, "config", "", "Config file")
	fs.StringVar(&g.home, "home", "", "State directory")
	fs.StringVar(&g.identity, "identity", "", "Key name to act as")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "Debug logging")
	return fs, g
}

func (g *globals) config() (config.Config, error) {
	return config.Load(g.configPath, func(c *config.Config) {
		if g.home != "" {
			c.Home = g.home
		}
		if g.identity != "" {
			c.Identity = g.identity
		}
	})
}

func (g *globals) logger(errOut io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
}

// open loads config and the identity key and opens a local-mode client.
func (g *globals) open(errOut io.Writer) (*vault.Local, int) {
	cfg, err := g.config()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return nil, 2
	}
	ks, err := keys.CreateKeyStore(cfg.KeyDir())
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return nil, 1
	}
	signer, err := ks.Signer(cfg.Identity)
	if err != nil {
		fmt.Fprintf(errOut, "load identity %q: %v (run 'capvault keygen --name %s')\n", cfg.Identity, err, cfg.Identity)
		return nil, 1
	}
	l, err := vault.OpenLocal(vault.LocalOptions{Config: cfg, Signer: signer, Logger: g.logger(errOut)})
	if err != nil {
		fmt.Fprintf(errOut, "open vault: %v\n", err)
		return nil, 1
	}
	return l, 0
}

func closeVault(l *vault.Local, errOut io.Writer, code int) int {
	if err := l.Close(); err != nil {
		fmt.Fprintf(errOut, "close: %v\n", err)
		if code == 0 {
			return 1
		}
	}
	return code
}

func describe(err error) string {
	if code := model.CodeOf(err); code != "" {
		return fmt.Sprintf("%s [%s %s]", err, model.KindOf(err), code)
	}
	return err.Error()
}

func cmdInit(args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("init", errOut)
	var force bool
	fs.BoolVar(&force, "force", false, "Overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path := g.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(errOut, "%s exists (use --force to overwrite)\n", path)
		return 1
	}
	cfg := config.Default()
	if g.home != "" {
		cfg.Home = g.home
	}
	if g.identity != "" {
		cfg.Identity = g.identity
	}
	if err := cfg.Save(path); err != nil {
		fmt.Fprintf(errOut, "write config: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Wrote %s\n", path)
	return 0
}

func cmdKeygen(args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("keygen", errOut)
	var name, seedHex, from string
	var force bool
	fs.StringVar(&name, "name", "", "Key name")
	fs.StringVar(&seedHex, "seed-hex", "", "Optional ed25519 seed as 64 hex chars")
	fs.StringVar(&from, "from", "", "Derive the new key from this existing key")
	fs.BoolVar(&force, "force", false, "Overwrite an existing key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(errOut, "missing --name")
		return 2
	}
	if err := keys.CheckKeyName(name); err != nil {
		fmt.Fprintf(errOut, "invalid --name: %v\n", err)
		return 2
	}
	if seedHex != "" && from != "" {
		fmt.Fprintln(errOut, "conflicting flags: --seed-hex cannot be combined with --from")
		return 2
	}
	cfg, err := g.config()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	ks, err := keys.CreateKeyStore(cfg.KeyDir())
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}

	var address, path string
	if from != "" {
		address, path, err = ks.Derive(from, name, force)
	} else {
		var seed []byte
		if seedHex != "" {
			if seed, err = keys.ParseSeedHex(seedHex); err != nil {
				fmt.Fprintf(errOut, "invalid --seed-hex: %v\n", err)
				return 2
			}
		} else {
			seed = make([]byte, ed25519.SeedSize)
			if _, err := rand.Read(seed); err != nil {
				fmt.Fprintf(errOut, "rand: %v\n", err)
				return 1
			}
		}
		address, path, err = ks.Create(name, seed, force)
	}
	if err != nil {
		fmt.Fprintf(errOut, "write key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Address: %s\n", address)
	fmt.Fprintf(out, "Stored at: %s\n", path)
	return 0
}

func cmdKeys(args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("keys", errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := g.config()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	ks, err := keys.CreateKeyStore(cfg.KeyDir())
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	entries, err := ks.List()
	if err != nil {
		fmt.Fprintf(errOut, "list keys: %v\n", err)
		return 1
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\t%s\n", e.Name, e.Address)
	}
	return 0
}

func cmdBackends(out io.Writer) int {
	for _, b := range registry.List(registry.UsageCLI) {
		if b.Description == "" {
			_, _ = fmt.Fprintf(out, "%s\n", b.Name)
			continue
		}
		_, _ = fmt.Fprintf(out, "%s\t%s\n", b.Name, b.Description)
	}
	return 0
}

func cmdContainers(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("containers", errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	l, code := g.open(errOut)
	if l == nil {
		return code
	}
	entries, err := l.List(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "list: %s\n", describe(err))
		return closeVault(l, errOut, 1)
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\t%s\t%s\t%d blobs\t%d members\n",
			e.Container.ID, e.Capability.Kind, e.Container.Name, e.Container.ContentCount, e.Container.MemberCount)
	}
	return closeVault(l, errOut, 0)
}

func cmdCreate(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("create", errOut)
	var name string
	fs.StringVar(&name, "name", "", "Container name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(errOut, "missing --name")
		return 2
	}
	l, code := g.open(errOut)
	if l == nil {
		return code
	}
	owner, err := l.CreateContainer(ctx, name)
	if err != nil {
		fmt.Fprintf(errOut, "create: %s\n", describe(err))
		return closeVault(l, errOut, 1)
	}
	fmt.Fprintf(out, "Container: %s\n", owner.ContainerID)
	fmt.Fprintf(out, "Owner capability: %s\n", owner.ID)
	return closeVault(l, errOut, 0)
}

func cmdMembership(ctx context.Context, verb string, args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet(verb, errOut)
	var container, member string
	fs.StringVar(&container, "container", "", "Container id")
	fs.StringVar(&member, "member", "", "Member address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if container == "" || member == "" {
		fmt.Fprintf(errOut, "usage: capvault %s --container <id> --member <address>\n", verb)
		return 2
	}
	l, code := g.open(errOut)
	if l == nil {
		return code
	}
	if verb == "grant" {
		memberCap, err := l.Grant(ctx, container, member)
		if err != nil {
			fmt.Fprintf(errOut, "grant: %s\n", describe(err))
			return closeVault(l, errOut, 1)
		}
		fmt.Fprintf(out, "Member capability: %s\n", memberCap.ID)
		return closeVault(l, errOut, 0)
	}
	if err := l.Revoke(ctx, container, member); err != nil {
		fmt.Fprintf(errOut, "revoke: %s\n", describe(err))
		return closeVault(l, errOut, 1)
	}
	fmt.Fprintf(out, "Revoked %s\n", member)
	return closeVault(l, errOut, 0)
}

func cmdStore(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("store", errOut)
	var container string
	fs.StringVar(&container, "container", "", "Container id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if container == "" || fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: capvault store --container <id> <file>")
		return 2
	}
	b, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "read %s: %v\n", filepath.Base(fs.Arg(0)), err)
		return 1
	}
	l, code := g.open(errOut)
	if l == nil {
		return code
	}
	res, err := l.Store(ctx, container, b)
	for _, a := range res.Upload.Attempts {
		if a.Err != nil {
			fmt.Fprintf(errOut, "attempt %d on %s failed: %v\n", a.RetryCount+1, a.BackendID, a.Err)
		}
	}
	if err != nil {
		fmt.Fprintf(errOut, "store: %s\n", describe(err))
		if res.Upload.Locator.BlobRef != "" {
			fmt.Fprintf(errOut, "uploaded as %s; see 'capvault pending'\n", res.Upload.Locator)
		}
		return closeVault(l, errOut, 1)
	}
	fmt.Fprintf(out, "Content id: %s\n", res.ContentID)
	fmt.Fprintf(out, "Stored: %s (retries: %d)\n", res.Upload.Locator, res.Upload.RetryCount)
	fmt.Fprintf(out, "Certified: %s\n", res.Receipt.Digest)
	return closeVault(l, errOut, 0)
}

func cmdExport(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("export", errOut)
	var container, outPath string
	fs.StringVar(&container, "container", "", "Container id")
	fs.StringVar(&outPath, "out", "", "Bundle file to write")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if container == "" || outPath == "" || fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: capvault export --container <id> --out <file.tar>")
		return 2
	}
	l, code := g.open(errOut)
	if l == nil {
		return code
	}
	f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		fmt.Fprintf(errOut, "export: %v\n", err)
		return closeVault(l, errOut, 1)
	}
	n, err := l.Export(ctx, container, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(outPath)
		fmt.Fprintf(errOut, "export: %s\n", describe(err))
		return closeVault(l, errOut, 1)
	}
	fmt.Fprintf(out, "Exported %d blob(s) to %s\n", n, outPath)
	return closeVault(l, errOut, 0)
}

func cmdRestore(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("restore", errOut)
	var container string
	fs.StringVar(&container, "container", "", "Container id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if container == "" || fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: capvault restore --container <id> <file.tar>")
		return 2
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "restore: %v\n", err)
		return 1
	}
	defer f.Close()
	l, code := g.open(errOut)
	if l == nil {
		return code
	}
	results, err := l.Restore(ctx, container, f)
	for _, r := range results {
		state := "already listed"
		if r.Certified {
			state = "certified"
		}
		fmt.Fprintf(out, "%s -> %s (%s)\n", r.SourceRef, r.Upload.Locator, state)
	}
	if err != nil {
		fmt.Fprintf(errOut, "restore: %s\n", describe(err))
		return closeVault(l, errOut, 1)
	}
	return closeVault(l, errOut, 0)
}

func cmdOpen(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("open", errOut)
	var container, outDir string
	fs.StringVar(&container, "container", "", "Container id")
	fs.StringVar(&outDir, "out", "", "Write decrypted blobs to this directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if container == "" {
		fmt.Fprintln(errOut, "usage: capvault open --container <id> [--out <dir>]")
		return 2
	}
	l, code := g.open(errOut)
	if l == nil {
		return code
	}
	results, openErr := l.Open(ctx, container)
	if openErr != nil && len(results) == 0 {
		fmt.Fprintf(errOut, "open: %s\n", describe(openErr))
		return closeVault(l, errOut, 1)
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o700); err != nil {
			fmt.Fprintf(errOut, "mkdir: %v\n", err)
			return closeVault(l, errOut, 1)
		}
	}

	refs := make([]string, 0, len(results))
	for ref := range results {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	failed := 0
	for _, ref := range refs {
		r := results[ref]
		if r.Err != nil {
			failed++
			fmt.Fprintf(out, "%s\tFAILED\t%s\n", ref, r.Describe())
			continue
		}
		fmt.Fprintf(out, "%s\tOK\t%s\t%d bytes\n", ref, r.ContentID, len(r.Plaintext))
		if outDir != "" {
			p := filepath.Join(outDir, r.ContentID.String())
			if err := os.WriteFile(p, r.Plaintext, 0o600); err != nil {
				fmt.Fprintf(errOut, "write %s: %v\n", p, err)
				failed++
			}
		}
	}
	fmt.Fprintf(errOut, "%s\n", summarize(decrypt.Counts(results)))
	if openErr != nil {
		fmt.Fprintf(errOut, "open: stopped early: %s\n", describe(openErr))
		return closeVault(l, errOut, 1)
	}
	if failed > 0 {
		return closeVault(l, errOut, 1)
	}
	return closeVault(l, errOut, 0)
}

func summarize(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for k := range counts {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func cmdPending(args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("pending", errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	l, code := g.open(errOut)
	if l == nil {
		return code
	}
	pending, err := l.Pending()
	if err != nil {
		fmt.Fprintf(errOut, "pending: %s\n", describe(err))
		return closeVault(l, errOut, 1)
	}
	now := time.Now()
	for _, p := range pending {
		fmt.Fprintf(out, "%s\t%s/%s\t%s ago\n", p.ContainerID, p.BackendID, p.BlobRef, p.Age(now).Round(time.Second))
	}
	return closeVault(l, errOut, 0)
}

func cmdRecertify(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("recertify", errOut)
	var container, backend, blob string
	var confirm bool
	fs.StringVar(&container, "container", "", "Container id")
	fs.StringVar(&backend, "backend", "", "Backend id the blob was stored on")
	fs.StringVar(&blob, "blob", "", "Blob ref")
	fs.BoolVar(&confirm, "confirm", false, "Resubmit even if the blob is not listed; may duplicate the entry")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if container == "" || blob == "" {
		fmt.Fprintln(errOut, "usage: capvault recertify --container <id> --backend <id> --blob <ref> [--confirm]")
		return 2
	}
	l, code := g.open(errOut)
	if l == nil {
		return code
	}
	r, err := l.Recertify(ctx, container, model.StorageLocator{BackendID: backend, BlobRef: blob}, confirm)
	if err != nil {
		fmt.Fprintf(errOut, "recertify: %s\n", describe(err))
		if model.IsKind(err, model.CertificationConflict) && !confirm {
			fmt.Fprintln(errOut, "re-run with --confirm to resubmit")
		}
		return closeVault(l, errOut, 1)
	}
	if r.AlreadyCertified {
		fmt.Fprintln(out, "Already certified")
	} else {
		fmt.Fprintf(out, "Certified: %s\n", r.Digest)
	}
	return closeVault(l, errOut, 0)
}

func cmdLogout(args []string, out io.Writer, errOut io.Writer) int {
	fs, g := newFlagSet("logout", errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	l, code := g.open(errOut)
	if l == nil {
		return code
	}
	if err := l.Logout(); err != nil {
		fmt.Fprintf(errOut, "logout: %s\n", describe(err))
		return closeVault(l, errOut, 1)
	}
	fmt.Fprintln(out, "Session cleared")
	return closeVault(l, errOut, 0)
}
