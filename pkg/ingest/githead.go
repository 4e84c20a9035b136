package ingest

import (
	"context"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/quarryhq/quarry/pkg/types"
)

// HeadResolver resolves a branch to its head commit on the remote
type HeadResolver interface {
	ResolveHead(ctx context.Context, repoURL, branch string) (*types.SourceRef, error)
}

// GitHeadResolver resolves branch heads over the git wire protocol
type GitHeadResolver struct{}

// NewGitHeadResolver creates a remote head resolver
func NewGitHeadResolver() *GitHeadResolver {
	return &GitHeadResolver{}
}

// ResolveHead lists the remote's refs to find the branch head, then fetches
// just that commit through a shallow in-memory clone to recover its message.
// Nothing touches disk.
func (r *GitHeadResolver) ResolveHead(ctx context.Context, repoURL, branch string) (*types.SourceRef, error) {
	remote := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})

	refs, err := remote.ListContext(ctx, &gogit.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list remote refs: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	var head plumbing.Hash
	for _, ref := range refs {
		if ref.Name() == branchRef {
			head = ref.Hash()
			break
		}
	}
	if head.IsZero() {
		return nil, fmt.Errorf("branch %q not found on remote", branch)
	}

	repo, err := gogit.CloneContext(ctx, memory.NewStorage(), nil, &gogit.CloneOptions{
		URL:           repoURL,
		ReferenceName: branchRef,
		SingleBranch:  true,
		Depth:         1,
		NoCheckout:    true,
	})
	if err != nil {
		// The hash alone is still a usable source pointer.
		return &types.SourceRef{CommitHash: head.String()}, nil
	}

	commit, err := repo.CommitObject(head)
	if err != nil {
		return &types.SourceRef{CommitHash: head.String()}, nil
	}

	return &types.SourceRef{
		CommitHash:    head.String(),
		CommitMessage: commit.Message,
	}, nil
}
