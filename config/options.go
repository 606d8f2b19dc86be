package config

import (
	"errors"

	"dario.cat/mergo"
)

// ErrMissingURL is returned by Validate when CloneOptions.URL is empty.
var ErrMissingURL = errors.New("config: clone options missing URL")

// DefaultRemoteName is the remote a clone registers when the caller
// does not name one, matching git's own default.
const DefaultRemoteName = "origin"

// DefaultReferenceName is the ref a clone checks out when the caller
// does not name one.
const DefaultReferenceName = "HEAD"

// CloneOptions configures a clone operation, mirroring the shape of
// the teacher's (legacy) RepositoryCloneOptions: a URL, a remote name,
// which ref to follow, and how much history to fetch.
type CloneOptions struct {
	// URL is the (possibly remote) repository URL to clone from.
	URL string
	// RemoteName is the name of the remote to register; defaults to
	// "origin".
	RemoteName string
	// ReferenceName is the ref the clone resolves and checks out;
	// defaults to "HEAD".
	ReferenceName string
	// SingleBranch restricts the fetch to ReferenceName alone.
	SingleBranch bool
	// Depth limits the fetch to the given number of commits; 0 means
	// unbounded (spec's Non-goals exclude shallow clone itself, but
	// the field is still accepted and simply ignored downstream until
	// that subsystem exists).
	Depth int
}

// DefaultCloneOptions returns the zero-value defaults CloneOptions
// merges onto a user-supplied struct.
func DefaultCloneOptions() CloneOptions {
	return CloneOptions{
		RemoteName:    DefaultRemoteName,
		ReferenceName: DefaultReferenceName,
	}
}

// Validate first checks the fields that must be caller-supplied (URL),
// then fills any zero-valued field of o from DefaultCloneOptions via
// mergo, the teacher's own struct-merge dependency. mergo.Merge never
// overwrites a field o already set — it only fills zero values — so a
// caller-supplied RemoteName of "upstream" survives untouched.
func (o *CloneOptions) Validate() error {
	if o.URL == "" {
		return ErrMissingURL
	}

	if err := mergo.Merge(o, DefaultCloneOptions()); err != nil {
		return err
	}

	return nil
}
