// Package config reads and writes a minimal .git/config: the [core]
// section and one or more [remote "name"] subsections, enough for a
// clone to record where it came from and how to fetch again.
package config

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/go-git/gcfg"
)

// Core mirrors the .git/config [core] section this module cares
// about; the teacher's own config.Config.Core carries many more
// fields (CRLF handling, file mode, repo format version) that are out
// of scope for a packfile-focused clone.
type Core struct {
	// Bare marks a repository with no working tree.
	Bare bool
	// RepositoryFormatVersion is always 0 for the object formats this
	// module supports.
	RepositoryFormatVersion int
}

// Remote mirrors one [remote "name"] subsection.
type Remote struct {
	Name  string
	URLs  []string
	Fetch []string
}

// Repository is the decoded form of a .git/config file.
type Repository struct {
	Core    Core
	Remotes map[string]*Remote
}

// New returns an empty Repository with Core defaults and no remotes.
func New() *Repository {
	return &Repository{Remotes: map[string]*Remote{}}
}

// Decode parses r as a git-config INI file into a Repository. It
// follows the teacher's plumbing/format/config.Decoder shape: gcfg
// drives the low-level INI grammar, and a callback classifies each
// (section, subsection, key) triple, since gcfg's own struct-tag
// decoding cannot express "zero or more remote subsections with
// unknown names".
func Decode(r io.Reader) (*Repository, error) {
	repo := New()

	cb := func(section, subsection, key, value string, _ bool) error {
		switch section {
		case "core":
			return repo.Core.set(key, value)
		case "remote":
			rem, ok := repo.Remotes[subsection]
			if !ok {
				rem = &Remote{Name: subsection}
				repo.Remotes[subsection] = rem
			}
			return rem.set(key, value)
		}
		return nil
	}

	if err := gcfg.ReadWithCallback(r, cb); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	return repo, nil
}

func (c *Core) set(key, value string) error {
	switch key {
	case "bare":
		c.Bare = value == "true"
	case "repositoryformatversion":
		_, err := fmt.Sscanf(value, "%d", &c.RepositoryFormatVersion)
		return err
	}
	return nil
}

func (r *Remote) set(key, value string) error {
	switch key {
	case "url":
		r.URLs = append(r.URLs, value)
	case "fetch":
		r.Fetch = append(r.Fetch, value)
	}
	return nil
}

// AddRemote registers (or overwrites) a remote with the default
// refspec, the same default spec.RemoteConfig.Validate falls back to
// in the teacher.
func (repo *Repository) AddRemote(name, url string) *Remote {
	rem := &Remote{
		Name:  name,
		URLs:  []string{url},
		Fetch: []string{fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", name)},
	}
	if repo.Remotes == nil {
		repo.Remotes = map[string]*Remote{}
	}
	repo.Remotes[name] = rem
	return rem
}

// Encode serializes repo back to .git/config's INI text form. Section
// and remote order is sorted for determinism, since gcfg's decode
// path does not preserve one.
func Encode(repo *Repository) []byte {
	var buf bytes.Buffer

	fmt.Fprintln(&buf, "[core]")
	fmt.Fprintf(&buf, "\tbare = %t\n", repo.Core.Bare)
	fmt.Fprintf(&buf, "\trepositoryformatversion = %d\n", repo.Core.RepositoryFormatVersion)

	names := make([]string, 0, len(repo.Remotes))
	for name := range repo.Remotes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rem := repo.Remotes[name]
		fmt.Fprintf(&buf, "[remote %q]\n", rem.Name)
		for _, u := range rem.URLs {
			fmt.Fprintf(&buf, "\turl = %s\n", u)
		}
		for _, f := range rem.Fetch {
			fmt.Fprintf(&buf, "\tfetch = %s\n", f)
		}
	}

	return buf.Bytes()
}
