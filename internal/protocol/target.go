package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DefaultWorkflowID is used when a workflow target omits its workflow file.
const DefaultWorkflowID = "compute.yml"

type TargetKind string

const (
	KindWorkflow TargetKind = "workflow"
	KindWorker   TargetKind = "worker"
)

// Target is a dispatch destination: a CI workflow run or an HTTP worker.
type Target interface {
	Kind() TargetKind
	String() string
}

// WorkflowTarget is a workflow_dispatch-able workflow in a repository.
// An empty Ref resolves to the repository default branch at dispatch time.
type WorkflowTarget struct {
	Owner      string `json:"owner" yaml:"owner"`
	Repo       string `json:"repo" yaml:"repo"`
	WorkflowID string `json:"workflowId" yaml:"workflowId"`
	Ref        string `json:"ref,omitempty" yaml:"ref,omitempty"`
}

func (t WorkflowTarget) Kind() TargetKind { return KindWorkflow }

func (t WorkflowTarget) String() string {
	s := t.Owner + "/" + t.Repo + ":" + t.WorkflowID
	if t.Ref != "" {
		s += "@" + t.Ref
	}
	return s
}

func (t WorkflowTarget) validate() error {
	if t.Owner == "" || t.Repo == "" {
		return fmt.Errorf("workflow target requires owner and repo")
	}
	if t.WorkflowID == "" {
		return fmt.Errorf("workflow target %s/%s requires workflowId", t.Owner, t.Repo)
	}
	return nil
}

// WorkerTarget is an HTTP endpoint exposing POST / and GET /manifest.json.
type WorkerTarget struct {
	URL string
}

func (t WorkerTarget) Kind() TargetKind { return KindWorker }

func (t WorkerTarget) String() string { return t.URL }

// MarshalJSON encodes a worker as its bare URL string.
func (t WorkerTarget) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.URL)
}

// ParseTarget parses the string form of a target:
//
//	https://worker.example.com          -> WorkerTarget
//	owner/repo[:workflow.yml][@ref]     -> WorkflowTarget
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("target is empty")
	}

	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid worker url %q", s)
		}
		return WorkerTarget{URL: strings.TrimRight(s, "/")}, nil
	}

	t := WorkflowTarget{WorkflowID: DefaultWorkflowID}
	if rest, ref, ok := strings.Cut(s, "@"); ok {
		if ref == "" {
			return nil, fmt.Errorf("invalid target %q: empty ref", s)
		}
		s, t.Ref = rest, ref
	}
	if rest, wf, ok := strings.Cut(s, ":"); ok {
		if wf == "" {
			return nil, fmt.Errorf("invalid target %q: empty workflow id", s)
		}
		s, t.WorkflowID = rest, wf
	}
	owner, repo, ok := strings.Cut(s, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("invalid target %q: expected owner/repo", s)
	}
	t.Owner, t.Repo = owner, repo
	return t, nil
}

// UnmarshalTarget decodes either the string form or the workflow object form.
func UnmarshalTarget(raw json.RawMessage) (Target, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("target is missing")
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode target: %w", err)
		}
		return ParseTarget(s)
	}

	var wf WorkflowTarget
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow target: %w", err)
	}
	if wf.WorkflowID == "" {
		wf.WorkflowID = DefaultWorkflowID
	}
	if err := wf.validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// SameTarget reports whether two targets address the same plugin.
// Workflow refs are ignored; owner and repo compare case-insensitively.
func SameTarget(a, b Target) bool {
	switch at := a.(type) {
	case WorkflowTarget:
		bt, ok := b.(WorkflowTarget)
		return ok && strings.EqualFold(at.Owner, bt.Owner) &&
			strings.EqualFold(at.Repo, bt.Repo) && at.WorkflowID == bt.WorkflowID
	case WorkerTarget:
		bt, ok := b.(WorkerTarget)
		return ok && at.URL == bt.URL
	default:
		return false
	}
}
