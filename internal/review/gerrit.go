// Package review talks to a Gerrit-style review server and turns a
// proposal's latest build result into a posted verification verdict.
package review

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// cacheTTL mirrors gerrit.py's CACHE_CHANGES: a branch's open-change list
// is refreshed at most once per five minutes.
const cacheTTL = 5 * time.Minute

// RevisionInfo is the subset of a Gerrit revision object this client reads.
type RevisionInfo struct {
	Number int `json:"_number"`
}

// Change is the subset of a Gerrit change object this client reads and
// writes back through review composition.
type Change struct {
	ChangeID        string                  `json:"change_id"`
	Number          int                     `json:"_number"`
	Project         string                  `json:"project"`
	Branch          string                  `json:"branch"`
	Subject         string                  `json:"subject"`
	UnresolvedCommentCount int              `json:"unresolved_comment_count"`
	Status          string                  `json:"status"`
	Updated         string                  `json:"updated"`
	WorkInProgress  bool                    `json:"work_in_progress"`
	CurrentRevision string                  `json:"current_revision"`
	Revisions       map[string]RevisionInfo `json:"revisions"`
	Labels          map[string]LabelInfo    `json:"labels"`
}

// LabelInfo is a Gerrit label's current vote breakdown, keyed by voter
// description ("approved", "rejected", ...) in the raw API response.
type LabelInfo struct {
	Approved map[string]any `json:"approved"`
	Rejected map[string]any `json:"rejected"`
}

// Score reports the label's current tri-state vote as "+1", "-1" or "".
func (l LabelInfo) Score() string {
	switch {
	case l.Approved != nil:
		return "+1"
	case l.Rejected != nil:
		return "-1"
	default:
		return ""
	}
}

// ReviewInput is the body of a POST .../review call.
type ReviewInput struct {
	Message               string            `json:"message"`
	Tag                   string            `json:"tag"`
	Labels                map[string]string `json:"labels"`
	Notify                string            `json:"notify"`
	OmitDuplicateComments bool              `json:"omit_duplicate_comments"`
}

// Client is one authenticated session against a Gerrit-style REST API.
type Client struct {
	BaseURL string // e.g. "https://review.example.org/"
	Project string
	User    string
	Pass    string
	HasAuth bool

	HTTP *http.Client

	mu    sync.Mutex
	cache map[string]branchCache
}

type branchCache struct {
	fetched time.Time
	last    string // latest "updated" timestamp seen, for incremental since: queries
	changes map[string]Change
}

// NewClient builds a Client. user/pass empty means auth is unset: listing
// still works, PostReview becomes a no-op (matches config.Auth()'s
// both-or-neither contract).
func NewClient(baseURL, project, user, pass string) *Client {
	hasAuth := user != "" && pass != ""
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/") + "/",
		Project: project,
		User:    user,
		Pass:    pass,
		HasAuth: hasAuth,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		cache:   map[string]branchCache{},
	}
}

func extractJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gerrit: %s: %s", resp.Status, string(body))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	body = bytes.TrimPrefix(body, []byte(")]}'"))
	return json.Unmarshal(body, out)
}

func (c *Client) get(path string, query url.Values, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	return extractJSON(resp, out)
}

// ListOpenChanges returns every open change for branch, merging with
// whatever this Client has already cached for it; changes the server now
// reports as no longer open are evicted from that cache.
// Refetches at most once per cacheTTL, using a since: query against the
// latest "updated" timestamp already seen to keep pages small.
func (c *Client) ListOpenChanges(branch string) (map[string]Change, error) {
	c.mu.Lock()
	entry, ok := c.cache[branch]
	if ok && time.Since(entry.fetched) < cacheTTL {
		c.mu.Unlock()
		return entry.changes, nil
	}
	c.mu.Unlock()

	if !ok {
		entry = branchCache{changes: map[string]Change{}}
	}

	query := fmt.Sprintf(`project:"%s" branch:"%s"`, c.Project, branch)
	if entry.last != "" {
		query += fmt.Sprintf(` since:"%s"`, entry.last)
	} else {
		query += " is:open"
	}

	before := ""
	for {
		q := query
		if before != "" {
			q += fmt.Sprintf(` before:"%s"`, before)
		}
		values := url.Values{}
		values.Set("q", q)
		values.Set("pp", "0")
		values["o"] = []string{"CURRENT_REVISION", "SKIP_MERGEABLE", "LABELS"}

		var page []Change
		if err := c.get("changes/", values, &page); err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, ch := range page {
			if ch.Status == "NEW" {
				entry.changes[ch.ChangeID] = ch
				if ch.Updated > entry.last {
					entry.last = ch.Updated
				}
			} else {
				delete(entry.changes, ch.ChangeID)
			}
		}

		// Gerrit signals pagination via "_more_changes" on the last element
		// of the page; the typed Change above doesn't carry it, so page
		// length is the simpler stop condition. No page size is sent with
		// the query; a page of fewer than 500 results ends the walk.
		if len(page) < 500 {
			break
		}
		before = page[len(page)-1].Updated
	}

	entry.fetched = time.Now()
	c.mu.Lock()
	c.cache[branch] = entry
	c.mu.Unlock()
	return entry.changes, nil
}

// GetChange returns one cached change by its Gerrit change-id.
func (c *Client) GetChange(branch, cid string) (Change, bool) {
	changes, err := c.ListOpenChanges(branch)
	if err != nil {
		return Change{}, false
	}
	ch, ok := changes[cid]
	return ch, ok
}

// PostReview posts a verdict against a change's current revision. A no-op
// returning nil when auth isn't configured, matching config[AUTH] is None.
func (c *Client) PostReview(ch Change, input ReviewInput) error {
	if !c.HasAuth {
		return nil
	}
	body, err := json.Marshal(input)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%sa/changes/%s/revisions/%s/review", c.BaseURL, url.PathEscape(ch.ChangeID), url.PathEscape(ch.CurrentRevision))
	req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.User, c.Pass)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	var out any
	return extractJSON(resp, &out)
}
