package webhook

import (
	"fmt"
	"strings"

	"github.com/schaermu/gitdelta/internal/store"
)

// PushEvent is the part of a GitHub push delivery the server acts on.
type PushEvent struct {
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
		SSHURL   string `json:"ssh_url"`
		GitURL   string `json:"git_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}

// Target returns the commit the ref was pushed to. A deleted ref has no
// target and yields the zero revision.
func (e *PushEvent) Target() (store.Revision, error) {
	if e.Deleted {
		return store.ZeroRevision, nil
	}
	rev, err := store.ParseRevision(e.After)
	if err != nil {
		return store.ZeroRevision, fmt.Errorf("invalid after commit: %w", err)
	}
	return rev, nil
}

// Concerns reports whether the delivery was sent for the repository at url.
// Deliveries that name no repository URL at all are accepted.
func (e *PushEvent) Concerns(url string) bool {
	candidates := []string{e.Repository.CloneURL, e.Repository.SSHURL, e.Repository.GitURL, e.Repository.HTMLURL}

	want := repositoryKey(url)
	named := false
	for _, c := range candidates {
		if c == "" {
			continue
		}
		named = true
		if repositoryKey(c) == want {
			return true
		}
	}
	return !named
}

// repositoryKey reduces the different spellings of a repository URL
// (https, ssh, scp-like, with or without .git) to host/owner/name.
func repositoryKey(url string) string {
	key := strings.TrimSpace(url)
	for _, scheme := range []string{"https://", "http://", "ssh://", "git://"} {
		if strings.HasPrefix(strings.ToLower(key), scheme) {
			key = key[len(scheme):]
			break
		}
	}
	host := key
	if slash := strings.Index(key, "/"); slash >= 0 {
		host = key[:slash]
	}
	if at := strings.LastIndex(host, "@"); at >= 0 {
		key = key[at+1:]
	}
	// scp-like "host:owner/name"; a port is dropped as well
	if colon := strings.Index(key, ":"); colon >= 0 {
		rest := key[colon+1:]
		if slash := strings.Index(rest, "/"); slash >= 0 && isDigits(rest[:slash]) {
			rest = rest[slash+1:]
		}
		key = key[:colon] + "/" + rest
	}
	key = strings.TrimSuffix(key, "/")
	key = strings.TrimSuffix(key, ".git")
	return strings.ToLower(key)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
