// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github-pr-tracker/internal/model"
)

const (
	// maxRetries is the number of attempts made for one API call.
	maxRetries = 3
	perPage    = 100

	defaultMaxRateLimitWait = 15 * time.Minute
)

// Client is a wrapper around the go-github client.
type Client struct {
	gh     *github.Client
	logger *slog.Logger

	newBackOff       func() backoff.BackOff
	maxRateLimitWait time.Duration
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:               github.NewClient(tc),
		logger:           logger,
		newBackOff:       defaultBackOff,
		maxRateLimitWait: defaultMaxRateLimitWait,
	}
}

// SetBaseURL points the client at another API root, such as a GitHub Enterprise
// server at https://ghe.example.com/api/v3/.
func (c *Client) SetBaseURL(baseURL string) error {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("parse GitHub base URL: %w", err)
	}
	c.gh.BaseURL = u
	return nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// GetRepository fetches repository details and translates them to our internal model.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*model.Repository, error) {
	var repo *github.Repository
	err := c.withRetry(ctx, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		repo, resp, err = c.gh.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return toInternalRepository(repo), nil
}

// ListPullRequests fetches every pull request updated at or after since, newest first.
// It handles API pagination transparently and stops at the first page that
// reaches past since.
func (c *Client) ListPullRequests(ctx context.Context, owner, name string, since time.Time) ([]model.PRSnapshot, error) {
	var all []model.PRSnapshot

	opts := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		c.logger.Debug("Fetching pull requests page", "owner", owner, "repo", name, "page", opts.Page)

		var (
			prs  []*github.PullRequest
			resp *github.Response
		)
		err := c.withRetry(ctx, func() (*github.Response, error) {
			var err error
			prs, resp, err = c.gh.PullRequests.List(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, pr := range prs {
			if pr.GetUpdatedAt().Time.Before(since) {
				return all, nil
			}
			all = append(all, toPRSnapshot(pr))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// ListCheckRuns fetches every check run reported for a commit.
func (c *Client) ListCheckRuns(ctx context.Context, owner, name, ref string) ([]model.CheckRunSnapshot, error) {
	var all []model.CheckRunSnapshot

	opts := &github.ListCheckRunsOptions{
		Filter:      github.String("latest"),
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		c.logger.Debug("Fetching check runs page", "owner", owner, "repo", name, "ref", ref, "page", opts.Page)

		var (
			res  *github.ListCheckRunsResults
			resp *github.Response
		)
		err := c.withRetry(ctx, func() (*github.Response, error) {
			var err error
			res, resp, err = c.gh.Checks.ListCheckRunsForRef(ctx, owner, name, ref, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, run := range res.CheckRuns {
			all = append(all, toCheckRunSnapshot(run))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// withRetry runs call up to maxRetries times. Primary and secondary rate limits
// are waited out before the next attempt; 5xx responses and network errors are
// retried with backoff. Anything else fails immediately.
func (c *Client) withRetry(ctx context.Context, call func() (*github.Response, error)) error {
	attempt := 0
	op := func() error {
		attempt++
		_, err := call()
		if err == nil {
			return nil
		}

		if wait, limited := rateLimitWait(err); limited {
			if wait > c.maxRateLimitWait {
				return backoff.Permanent(err)
			}
			c.logger.Warn("GitHub rate limit hit, waiting for reset", "attempt", attempt, "wait", wait)
			if wait > 0 {
				timer := time.NewTimer(wait)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return err
		}

		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("GitHub request failed, retrying", "attempt", attempt, "error", err)
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), maxRetries-1), ctx)
	return backoff.Retry(op, b)
}

func rateLimitWait(err error) (time.Duration, bool) {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return time.Until(rateErr.Rate.Reset.Time), true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return abuseErr.GetRetryAfter(), true
	}
	return 0, false
}

func isRetryable(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		return ghErr.Response != nil && ghErr.Response.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// toInternalRepository translates a github.Repository object to our internal model.Repository.
func toInternalRepository(r *github.Repository) *model.Repository {
	return &model.Repository{
		GithubRepoID:  r.GetID(),
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		URL:           r.GetHTMLURL(),
		DefaultBranch: r.GetDefaultBranch(),
	}
}

// toPRSnapshot translates a github.PullRequest. The list endpoint omits the merged
// flag, so a merge timestamp also counts as merged.
func toPRSnapshot(pr *github.PullRequest) model.PRSnapshot {
	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}
	assignees := make([]string, 0, len(pr.Assignees))
	for _, a := range pr.Assignees {
		assignees = append(assignees, a.GetLogin())
	}

	return model.PRSnapshot{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		Author:    pr.GetUser().GetLogin(),
		State:     pr.GetState(),
		Merged:    pr.GetMerged() || pr.MergedAt != nil,
		Draft:     pr.GetDraft(),
		HeadRef:   pr.GetHead().GetRef(),
		BaseRef:   pr.GetBase().GetRef(),
		HeadSHA:   pr.GetHead().GetSHA(),
		BaseSHA:   pr.GetBase().GetSHA(),
		URL:       pr.GetHTMLURL(),
		Body:      pr.GetBody(),
		Labels:    labels,
		Assignees: assignees,
		Milestone: pr.GetMilestone().GetTitle(),
		CreatedAt: pr.GetCreatedAt().Time,
		UpdatedAt: pr.GetUpdatedAt().Time,
		ClosedAt:  toTimePtr(pr.ClosedAt),
		MergedAt:  toTimePtr(pr.MergedAt),
		Raw: map[string]any{
			model.RawGithubID: pr.GetID(),
			"node_id":         pr.GetNodeID(),
		},
	}
}

func toCheckRunSnapshot(run *github.CheckRun) model.CheckRunSnapshot {
	return model.CheckRunSnapshot{
		ExternalID:    run.GetID(),
		Name:          run.GetName(),
		CheckSuiteID:  run.GetCheckSuite().GetID(),
		HeadSHA:       run.GetHeadSHA(),
		Status:        run.GetStatus(),
		Conclusion:    run.Conclusion,
		DetailsURL:    run.GetDetailsURL(),
		HTMLURL:       run.GetHTMLURL(),
		OutputTitle:   run.GetOutput().GetTitle(),
		OutputSummary: run.GetOutput().GetSummary(),
		OutputText:    run.GetOutput().GetText(),
		StartedAt:     toTimePtr(run.StartedAt),
		CompletedAt:   toTimePtr(run.CompletedAt),
		Raw: map[string]any{
			model.RawGithubID: run.GetID(),
			"app":             run.GetApp().GetSlug(),
		},
	}
}

func toTimePtr(ts *github.Timestamp) *time.Time {
	if ts == nil {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}
