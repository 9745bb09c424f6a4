// Package gh submits an assembled patch as a pull request. It is the only
// component that touches the GitHub API; the pipeline core hands it
// PatchEntries and a RunReport and never calls GitHub itself.
package gh

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/go-github/v63/github"

	"github.com/dredger-dev/dredger/internal/dispatch"
	"github.com/dredger-dev/dredger/internal/patch"
)

type NoChangesError struct{}

func (e NoChangesError) Error() string {
	return "no patch entries to submit"
}

// SubmitOptions names the branch and PR the patch lands on.
type SubmitOptions struct {
	BaseBranch string
	HeadBranch string
	Title      string
}

type Submitter interface {
	SetWarningBuffer(writer io.Writer)
	SetInfoBuffer(writer io.Writer)
	SubmitPatch(entries []patch.PatchEntry, report *dispatch.RunReport, opts SubmitOptions) (string, error)
}

type GHClient struct {
	ctx           context.Context
	owner         string
	repo          string
	client        *github.Client
	warningBuffer io.Writer
	infoBuffer    io.Writer
}

func NewClient(owner, repo, token string) Submitter {
	client := github.NewClient(nil).WithAuthToken(token)
	return &GHClient{
		ctx:           context.Background(),
		owner:         owner,
		repo:          repo,
		client:        client,
		warningBuffer: io.Discard,
		infoBuffer:    io.Discard,
	}
}

func (gh *GHClient) SetWarningBuffer(writer io.Writer) {
	gh.warningBuffer = writer
}

func (gh *GHClient) SetInfoBuffer(writer io.Writer) {
	gh.infoBuffer = writer
}

// SubmitPatch creates a branch off the base, uploads every entry's
// modified content through the contents API, and opens a PR whose body
// carries the run summary. Returns the PR's HTML URL.
func (gh *GHClient) SubmitPatch(entries []patch.PatchEntry, report *dispatch.RunReport, opts SubmitOptions) (string, error) {
	if len(entries) == 0 {
		return "", NoChangesError{}
	}
	if opts.HeadBranch == "" {
		opts.HeadBranch = fmt.Sprintf("dredger/docs-%d", time.Now().Unix())
	}
	if opts.Title == "" {
		opts.Title = "Add generated documentation comments"
	}

	if report.Failed+report.Cancelled > 0 {
		_, _ = fmt.Fprintf(gh.warningBuffer, "Submitting partial patch: %d failed, %d cancelled chunks\n",
			report.Failed, report.Cancelled)
	}

	baseSHA, err := gh.baseSHA(opts.BaseBranch)
	if err != nil {
		return "", fmt.Errorf("resolving base branch: %w", err)
	}
	if err := gh.createBranch(opts.HeadBranch, baseSHA); err != nil {
		return "", fmt.Errorf("creating branch: %w", err)
	}
	for _, entry := range entries {
		if err := gh.uploadEntry(entry, opts.HeadBranch); err != nil {
			return "", fmt.Errorf("uploading %s: %w", entry.Path, err)
		}
		_, _ = fmt.Fprintf(gh.infoBuffer, "Uploaded %s\n", entry.Path)
	}
	return gh.openPR(report, opts)
}

func (gh *GHClient) baseSHA(base string) (string, error) {
	ref, res, err := gh.client.Git.GetRef(gh.ctx, gh.owner, gh.repo, "heads/"+base)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = res.Body.Close()
	}()
	return ref.Object.GetSHA(), nil
}

func (gh *GHClient) createBranch(branch, sha string) error {
	newRef := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}
	_, res, err := gh.client.Git.CreateRef(gh.ctx, gh.owner, gh.repo, newRef)
	if err != nil {
		return err
	}
	defer func() {
		_ = res.Body.Close()
	}()
	return nil
}

func (gh *GHClient) uploadEntry(entry patch.PatchEntry, branch string) error {
	// The file exists on the base branch, so its blob SHA is required for
	// the update call.
	fileContent, _, res, err := gh.client.Repositories.GetContents(
		gh.ctx, gh.owner, gh.repo, entry.Path,
		&github.RepositoryContentGetOptions{Ref: branch},
	)
	if err != nil {
		return err
	}
	defer func() {
		_ = res.Body.Close()
	}()

	options := &github.RepositoryContentFileOptions{
		Message: github.String(fmt.Sprintf("docs: document %s", entry.Path)),
		Content: []byte(entry.Modified),
		Branch:  github.String(branch),
		SHA:     fileContent.SHA,
	}
	_, updateRes, err := gh.client.Repositories.UpdateFile(gh.ctx, gh.owner, gh.repo, entry.Path, options)
	if err != nil {
		return err
	}
	defer func() {
		_ = updateRes.Body.Close()
	}()
	return nil
}

func (gh *GHClient) openPR(report *dispatch.RunReport, opts SubmitOptions) (string, error) {
	body := "Automated documentation pass.\n\n```\n" + report.Summary() + "```\n"
	newPR := &github.NewPullRequest{
		Title: github.String(opts.Title),
		Head:  github.String(opts.HeadBranch),
		Base:  github.String(opts.BaseBranch),
		Body:  github.String(body),
	}
	pr, res, err := gh.client.PullRequests.Create(gh.ctx, gh.owner, gh.repo, newPR)
	if err != nil {
		return "", fmt.Errorf("creating PR: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	return pr.GetHTMLURL(), nil
}
