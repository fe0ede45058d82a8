// Package jules adapts the Jules REST API (v1alpha) to the provider
// contract: create a session, poll it to a terminal state under the call
// deadline, page through its activities, and render a deterministic
// markdown report.
package jules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/openpersona/agent-runner/internal/domain"
	"github.com/openpersona/agent-runner/internal/provider"
)

// DefaultBaseURL is the Jules REST API base (v1alpha)
const DefaultBaseURL = "https://jules.googleapis.com/v1alpha"

const activityPageSize = 200

var sourcePattern = regexp.MustCompile(`^sources/[A-Za-z0-9_/\-]+$`)

// Provider implements provider.Provider against the Jules API
type Provider struct {
	client *http.Client
}

// New creates a Jules provider
func New() *Provider {
	return &Provider{client: &http.Client{Timeout: 60 * time.Second}}
}

// Name returns the registry name
func (p *Provider) Name() string {
	return "jules"
}

// Preflight validates credentials and source configuration before any run
// directory exists.
func (p *Provider) Preflight(persona domain.Persona, s provider.ResolvedSettings) []provider.Issue {
	var issues []provider.Issue

	if s.APIKey == "" {
		issues = append(issues, provider.Issue{
			Level:   "ERROR",
			Message: "Missing Jules API key.",
			Fix:     `export JULES_API_KEY="..."`,
		})
	}
	switch {
	case s.Source == "":
		issues = append(issues, provider.Issue{
			Level:   "ERROR",
			Message: "Missing Jules source (expected format sources/{id}).",
			Fix:     `export JULES_SOURCE="sources/123"`,
		})
	case !sourcePattern.MatchString(s.Source):
		issues = append(issues, provider.Issue{
			Level:   "ERROR",
			Message: fmt.Sprintf("Invalid Jules source format: %q (expected sources/{id}).", s.Source),
			Fix:     `Set JULES_SOURCE like: sources/123`,
		})
	}
	if resolveBranch(s.Branch) == "" {
		issues = append(issues, provider.Issue{
			Level:   "ERROR",
			Message: "Could not determine starting branch (set a persona override, JULES_STARTING_BRANCH, or run inside a git repo).",
			Fix:     `export JULES_STARTING_BRANCH="main"`,
		})
	}
	return issues
}

// Execute creates a Jules session for the persona and polls it until it
// completes, fails, or the deadline expires.
func (p *Provider) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	s := req.Settings
	if s.APIKey == "" {
		return nil, domain.Errorf(domain.KindProviderFailure, "missing Jules API key")
	}
	if s.Source == "" || !sourcePattern.MatchString(s.Source) {
		return nil, domain.Errorf(domain.KindProviderFailure, "missing or invalid Jules source %q", s.Source)
	}
	branch := resolveBranch(s.Branch)
	if branch == "" {
		return nil, domain.Errorf(domain.KindProviderFailure, "could not determine starting branch")
	}

	baseURL := strings.TrimRight(s.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	composed := fmt.Sprintf("%s\n\n----\nLOCAL CONTEXT (from agent-runner)\n----\n%s\n",
		strings.TrimSpace(req.Persona.Prompt), strings.TrimSpace(req.Context.Text()))

	sessionName, err := p.createSession(ctx, baseURL, s, composed, branch)
	if err != nil {
		return nil, err
	}

	session, err := p.pollSession(ctx, baseURL, s, sessionName)
	if err != nil {
		return nil, err
	}

	activities, err := p.listActivities(ctx, baseURL, s, sessionName)
	if err != nil {
		return nil, err
	}

	return &provider.Result{
		Content: RenderMarkdown(session, activities),
		RawMeta: map[string]string{"session": sessionName, "state": session.State},
	}, nil
}

// Session is the subset of the Jules session resource the adapter reads
type Session struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	URL     string `json:"url,omitempty"`
	Outputs []struct {
		PullRequest struct {
			URL string `json:"url"`
		} `json:"pullRequest"`
	} `json:"outputs,omitempty"`
}

// Activity is one session activity entry
type Activity struct {
	ID         string `json:"id,omitempty"`
	CreateTime string `json:"createTime,omitempty"`

	AgentMessaged *struct {
		AgentMessage string `json:"agentMessage"`
	} `json:"agentMessaged,omitempty"`

	ProgressUpdated *struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"progressUpdated,omitempty"`

	SessionFailed *struct {
		Reason string `json:"reason"`
	} `json:"sessionFailed,omitempty"`

	Artifacts []struct {
		ChangeSet struct {
			GitPatch struct {
				UnidiffPatch string `json:"unidiffPatch"`
			} `json:"gitPatch"`
		} `json:"changeSet"`
	} `json:"artifacts,omitempty"`
}

func (p *Provider) createSession(ctx context.Context, baseURL string, s provider.ResolvedSettings, prompt, branch string) (string, error) {
	body := map[string]interface{}{
		"prompt": prompt,
		"sourceContext": map[string]interface{}{
			"source":            s.Source,
			"githubRepoContext": map[string]string{"startingBranch": branch},
		},
		"requirePlanApproval": false,
		"automationMode":      "AUTOMATION_MODE_UNSPECIFIED",
	}

	var created Session
	if err := p.call(ctx, http.MethodPost, baseURL+"/sessions", s.APIKey, body, &created); err != nil {
		return "", err
	}
	if created.Name == "" {
		return "", domain.Errorf(domain.KindProviderFailure, "unexpected create session response: no name")
	}
	return created.Name, nil
}

// pollSession polls until the session reaches COMPLETED or FAILED. The
// context deadline is the only timeout; on expiry the poll loop stops and
// the context error propagates so the dispatcher records a Timeout.
func (p *Provider) pollSession(ctx context.Context, baseURL string, s provider.ResolvedSettings, sessionName string) (*Session, error) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var session Session
		if err := p.call(ctx, http.MethodGet, baseURL+"/"+sessionName, s.APIKey, nil, &session); err != nil {
			return nil, err
		}
		switch session.State {
		case "COMPLETED", "FAILED":
			return &session, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Provider) listActivities(ctx context.Context, baseURL string, s provider.ResolvedSettings, sessionName string) ([]Activity, error) {
	var out []Activity
	pageToken := ""

	for {
		u := fmt.Sprintf("%s/%s/activities?pageSize=%d", baseURL, sessionName, activityPageSize)
		if pageToken != "" {
			u += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var page struct {
			Activities    []Activity `json:"activities"`
			NextPageToken string     `json:"nextPageToken"`
		}
		if err := p.call(ctx, http.MethodGet, u, s.APIKey, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Activities...)
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	// Deterministic ordering regardless of API paging.
	sortActivities(out)
	return out, nil
}

func sortActivities(activities []Activity) {
	for i := 1; i < len(activities); i++ {
		for j := i; j > 0 && activityLess(activities[j], activities[j-1]); j-- {
			activities[j], activities[j-1] = activities[j-1], activities[j]
		}
	}
}

func activityLess(a, b Activity) bool {
	if a.CreateTime != b.CreateTime {
		return a.CreateTime < b.CreateTime
	}
	return a.ID < b.ID
}

// call issues one JSON request. Backend failures surface as provider
// failures; a cancelled or expired context surfaces as the context error.
func (p *Provider) call(ctx context.Context, method, u, apiKey string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("x-goog-api-key", apiKey)
	req.Header.Set("content-type", "application/json; charset=utf-8")
	req.Header.Set("accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.WrapErr(domain.KindProviderFailure, err, "jules API request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.WrapErr(domain.KindProviderFailure, err, "reading jules API response")
	}
	if resp.StatusCode >= 400 {
		return domain.Errorf(domain.KindProviderFailure, "jules API HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.WrapErr(domain.KindProviderFailure, err, "decoding jules API response")
	}
	return nil
}

// resolveBranch returns the configured branch, auto-detecting from git when
// the value is empty or the sentinel "auto".
func resolveBranch(configured string) string {
	v := strings.TrimSpace(configured)
	if v != "" && !strings.EqualFold(v, "auto") {
		return v
	}
	return autoDetectBranch()
}

// autoDetectBranch prefers the current branch, falling back to the default
// remote branch when HEAD is detached.
func autoDetectBranch() string {
	if name, err := runGit("rev-parse", "--abbrev-ref", "HEAD"); err == nil && name != "HEAD" && name != "" {
		return name
	}
	if ref, err := runGit("symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil && ref != "" {
		if i := strings.Index(ref, "/"); i >= 0 {
			return ref[i+1:]
		}
		return ref
	}
	return ""
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
