// Command packclone clones a remote Git repository's objects over the
// smart-HTTP transport: it discovers the remote's refs, fetches a
// packfile for them, resolves every entry through the packindex
// reader, and materializes the result as loose objects plus the
// original pack and its index under <dir>/objects.
//
// It is the orchestration entry point spec §1 calls an external
// collaborator concern; the packfile subsystem itself (delta, object,
// pack, packindex) does all the hard work once the bytes arrive here.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gitobjectstore/packclone/config"
	"github.com/gitobjectstore/packclone/object"
	"github.com/gitobjectstore/packclone/packindex"
	"github.com/gitobjectstore/packclone/store"
	"github.com/gitobjectstore/packclone/transport"
	"github.com/gitobjectstore/packclone/utils/trace"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "packclone:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("packclone", flag.ContinueOnError)
	remoteName := fs.String("remote", config.DefaultRemoteName, "name to register for the cloned remote")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall clone timeout")
	verbose := fs.Bool("v", false, "trace HTTP and general clone progress")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 2 {
		return fmt.Errorf("usage: packclone [flags] <url> <dir>")
	}
	repoURL, dir := fs.Arg(0), fs.Arg(1)

	if *verbose {
		trace.SetTarget(trace.General | trace.HTTP)
	}

	opts := &config.CloneOptions{URL: repoURL, RemoteName: *remoteName}
	if err := opts.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	return clone(ctx, opts, dir)
}

// clone drives the end-to-end flow: discover refs, fetch the
// packfile, resolve it into a PackIndex + Reader, write every
// resolved object to the on-disk store, and record the remote in
// .git/config.
func clone(ctx context.Context, opts *config.CloneOptions, dir string) error {
	st, err := store.New(dir)
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}

	client := transport.NewClient()

	refs, _, err := client.DiscoverRefs(ctx, opts.URL)
	if err != nil {
		return fmt.Errorf("discovering refs: %w", err)
	}
	if len(refs) == 0 {
		return errors.New("remote repository has no refs to clone")
	}

	wants := wantedHashes(refs)

	body, err := client.FetchPack(ctx, opts.URL, wants)
	if err != nil {
		return fmt.Errorf("fetching pack: %w", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading pack stream: %w", err)
	}

	reader, err := packindex.NewReader(raw, packindex.WithLooseResolver(st.OpenLoose))
	if err != nil {
		return fmt.Errorf("resolving pack: %w", err)
	}

	if err := st.WritePack(reader.PackSHA(), raw); err != nil {
		return fmt.Errorf("writing packfile: %w", err)
	}
	if err := st.WriteIndex(reader.Index()); err != nil {
		return fmt.Errorf("writing pack index: %w", err)
	}

	objs := make([]*object.Object, 0, reader.Index().Len())
	for i := 0; i < reader.Index().Len(); i++ {
		entry := reader.Index().EntryAt(i)
		obj, err := reader.GetByOffset(entry.Offset)
		if err != nil {
			return fmt.Errorf("resolving object %s: %w", entry.Hash, err)
		}
		objs = append(objs, obj)
	}
	if err := st.WriteLooseAll(ctx, objs); err != nil {
		return fmt.Errorf("writing loose objects: %w", err)
	}

	repoCfg := config.New()
	repoCfg.AddRemote(opts.RemoteName, opts.URL)
	if err := writeConfig(dir, repoCfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	trace.General.Printf("packclone: cloned %d refs, %d objects into %s", len(refs), len(objs), dir)
	return nil
}

// wantedHashes returns the distinct set of object hashes referenced
// by refs, the "want" list for the upload-pack dialog.
func wantedHashes(refs []transport.Ref) []string {
	seen := make(map[string]bool, len(refs))
	wants := make([]string, 0, len(refs))
	for _, r := range refs {
		if seen[r.Hash] {
			continue
		}
		seen[r.Hash] = true
		wants = append(wants, r.Hash)
	}
	return wants
}

func writeConfig(dir string, repoCfg *config.Repository) error {
	path := filepath.Join(dir, "config")
	return os.WriteFile(path, config.Encode(repoCfg), 0o644)
}
