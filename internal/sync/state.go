package sync

import (
	"fmt"
	"strings"
	gosync "sync"
	"text/template"

	"github.com/google/uuid"

	"github.com/schaermu/resourcesyncd/internal/bundle"
)

// Target identifies the synchronized repository and branch
type Target struct {
	Repository string // owner/name
	Branch     string
}

// Ref returns the fully qualified ref of the target branch
func (t Target) Ref() string {
	return "refs/heads/" + t.Branch
}

// Name returns the repository name without its owner
func (t Target) Name() string {
	if i := strings.LastIndex(t.Repository, "/"); i >= 0 {
		return t.Repository[i+1:]
	}
	return t.Repository
}

// Credentials holds the webhook listener settings
type Credentials struct {
	Port   int
	Secret string
}

// NoticeData is the data the update notice template is rendered with
type NoticeData struct {
	Repository string
	Branch     string
	Version    string
}

// State is the process-wide synchronization record shared by the webhook
// listener and the client message handler. The content version is the
// only field that changes after construction.
type State struct {
	Target      Target
	Credentials Credentials
	BundleDir   string
	BundleID    uuid.UUID

	notice *template.Template

	mu      gosync.Mutex
	version string
}

// NewState creates the shared state. noticeText is parsed as a
// text/template executed with NoticeData.
func NewState(target Target, creds Credentials, noticeText, bundleDir string, bundleID uuid.UUID, version string) (*State, error) {
	tmpl, err := template.New("update_message").Option("missingkey=error").Parse(noticeText)
	if err != nil {
		return nil, fmt.Errorf("failed to parse update message: %w", err)
	}

	return &State{
		Target:      target,
		Credentials: creds,
		BundleDir:   bundleDir,
		BundleID:    bundleID,
		notice:      tmpl,
		version:     version,
	}, nil
}

// Version returns the current content version
func (s *State) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// CompareAndSwap replaces the current version with next unless they are
// equal. It reports the previous version and whether a swap happened; of
// several callers racing with the same next value exactly one swaps.
func (s *State) CompareAndSwap(next string) (prev string, swapped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev = s.version
	if prev == next {
		return prev, false
	}
	s.version = next
	return prev, true
}

// Descriptor returns the bundle as currently offered to clients
func (s *State) Descriptor() bundle.Descriptor {
	return bundle.Descriptor{
		Dir:     s.BundleDir,
		Version: s.Version(),
		ID:      s.BundleID,
	}
}

// Notice renders the update notice for version
func (s *State) Notice(version string) (string, error) {
	var b strings.Builder
	err := s.notice.Execute(&b, NoticeData{
		Repository: s.Target.Repository,
		Branch:     s.Target.Branch,
		Version:    version,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render update message: %w", err)
	}
	return b.String(), nil
}
