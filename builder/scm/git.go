package scm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"

	"buildops/shared/model"
)

const remoteName = git.DefaultRemoteName

// Git pulls git repositories with go-git.
type Git struct{}

func NewGit() *Git {
	return &Git{}
}

func (g *Git) auth(repo model.Repository) (transport.AuthMethod, error) {
	if repo.PrivateKey != "" {
		user := repo.Username
		if user == "" {
			user = "git"
		}
		keys, err := gitssh.NewPublicKeys(user, []byte(repo.PrivateKey), repo.Password)
		if err != nil {
			return nil, fmt.Errorf("load private key: %w", err)
		}
		return keys, nil
	}
	if repo.Username != "" || repo.Password != "" {
		return &http.BasicAuth{Username: repo.Username, Password: repo.Password}, nil
	}
	return nil, nil
}

// ListRefs returns the short branch and tag names the remote advertises.
func (g *Git) ListRefs(ctx context.Context, repo model.Repository) (branches, tags []string, err error) {
	auth, err := g.auth(repo)
	if err != nil {
		return nil, nil, err
	}
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: remoteName,
		URLs: []string{repo.URL},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("list refs of %s: %w", repo.URL, err)
	}
	seen := make(map[plumbing.ReferenceName]bool)
	for _, ref := range refs {
		name := ref.Name()
		if seen[name] {
			continue
		}
		seen[name] = true
		switch {
		case name.IsBranch():
			branches = append(branches, name.Short())
		case name.IsTag():
			tags = append(tags, name.Short())
		}
	}
	return branches, tags, nil
}

// Resolve turns the selectors of ref into the concrete branch and tag names
// the remote advertises. The branch resolves first; a tag selector is only
// looked at once the branch matched.
func (g *Git) Resolve(ctx context.Context, repo model.Repository, ref Ref) (Ref, error) {
	branches, tags, err := g.ListRefs(ctx, repo)
	if err != nil {
		return Ref{}, err
	}
	branch := FuzzyMatch(branches, ref.Branch)
	if branch == "" {
		return Ref{}, &ResolveError{Kind: "branch", Selector: ref.Branch}
	}
	resolved := Ref{Branch: branch}
	if ref.Tag != "" {
		resolved.Tag = FuzzyMatch(tags, ref.Tag)
		if resolved.Tag == "" {
			return Ref{}, &ResolveError{Kind: "tag", Selector: ref.Tag}
		}
	}
	return resolved, nil
}

// Pull resolves ref against the remote and brings dir to it: clone when dir
// holds no repository, otherwise fetch, check out the branch and hard reset
// it to the remote head. A resolved tag is then checked out detached.
func (g *Git) Pull(ctx context.Context, repo model.Repository, dir string, ref Ref, out io.Writer) (string, error) {
	resolved, err := g.Resolve(ctx, repo, ref)
	if err != nil {
		return "", err
	}
	if resolved.Tag != "" {
		fmt.Fprintf(out, "repository [%s] [%s] clone pull from %s %s\n", ref.Branch, ref.Tag, resolved.Branch, resolved.Tag)
	} else {
		fmt.Fprintf(out, "repository [%s] clone pull from %s\n", ref.Branch, resolved.Branch)
	}
	return g.checkout(ctx, repo, dir, resolved.Branch, resolved.Tag, out)
}

func (g *Git) checkout(ctx context.Context, repo model.Repository, dir, branch, tag string, out io.Writer) (string, error) {
	auth, err := g.auth(repo)
	if err != nil {
		return "", err
	}

	r, err := git.PlainOpen(dir)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		// leftovers of an interrupted clone
		if err := os.RemoveAll(dir); err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return "", err
		}
		fmt.Fprintf(out, "clone %s into %s\n", repo.URL, dir)
		r, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:           repo.URL,
			Auth:          auth,
			RemoteName:    remoteName,
			ReferenceName: plumbing.NewBranchReferenceName(branch),
			Tags:          git.AllTags,
			Progress:      out,
		})
		if err != nil {
			return "", fmt.Errorf("clone %s: %w", repo.URL, err)
		}
	case err != nil:
		return "", fmt.Errorf("open %s: %w", dir, err)
	}

	err = r.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       auth,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remoteName))},
		Tags:       git.AllTags,
		Force:      true,
		Progress:   out,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("fetch %s: %w", repo.URL, err)
	}

	remoteRef, err := r.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		return "", fmt.Errorf("remote branch %s: %w", branch, err)
	}
	wt, err := r.Worktree()
	if err != nil {
		return "", err
	}
	local := plumbing.NewBranchReferenceName(branch)
	opts := &git.CheckoutOptions{Branch: local, Force: true}
	if _, err := r.Reference(local, false); err != nil {
		opts.Hash = remoteRef.Hash()
		opts.Create = true
	}
	if err := wt.Checkout(opts); err != nil {
		return "", fmt.Errorf("checkout %s: %w", branch, err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return "", fmt.Errorf("reset %s: %w", branch, err)
	}
	head := remoteRef.Hash()

	if tag != "" {
		h, err := tagCommit(r, tag)
		if err != nil {
			return "", err
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: h, Force: true}); err != nil {
			return "", fmt.Errorf("checkout tag %s: %w", tag, err)
		}
		head = h
		return fmt.Sprintf("checkout %s tag %s at %s", branch, tag, head.String()[:8]), nil
	}
	return fmt.Sprintf("checkout %s at %s", branch, head.String()[:8]), nil
}

// tagCommit peels annotated tags down to the commit they point at.
func tagCommit(r *git.Repository, tag string) (plumbing.Hash, error) {
	ref, err := r.Tag(tag)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("tag %s: %w", tag, err)
	}
	if obj, err := r.TagObject(ref.Hash()); err == nil {
		c, err := obj.Commit()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("tag %s: %w", tag, err)
		}
		return c.Hash, nil
	}
	return ref.Hash(), nil
}
