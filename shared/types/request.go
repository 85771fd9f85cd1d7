package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// APIVersion is the only protocol version this engine serves.
const APIVersion = "v0"

type Kind string

const (
	KindStatus      Kind = "status"
	KindLog         Kind = "log"
	KindGraph       Kind = "graph"
	KindShowCommit  Kind = "show_commit"
	KindDiffSummary Kind = "diff_summary"
	KindDiffContent Kind = "diff_content"
	KindBlame       Kind = "blame"
	KindBranches    Kind = "branches"
	KindTags        Kind = "tags"
	KindRemotes     Kind = "remotes"
)

// Limit identifies which configured maximum a bounded parameter is checked against.
type Limit int

const (
	LimitPageSize Limit = iota
	LimitWindowSize
	LimitBytes
	LimitHunks
)

// Bound is one size-limited parameter of a request.
type Bound struct {
	Name  string
	Value int
	Limit Limit
}

// Params is implemented by every query's parameter struct.
type Params interface {
	Kind() Kind
	Repo() string
	// SetRepo replaces repo_path with its canonical form before dispatch.
	SetRepo(path string)
	Bounds() []Bound
}

type Request struct {
	Version string  `json:"version"`
	ID      string  `json:"id"`
	Payload Payload `json:"payload"`
}

// NewRequest wraps params in a request envelope for the current version.
func NewRequest(id string, params Params) (Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Request{}, fmt.Errorf("encoding %s params: %w", params.Kind(), err)
	}
	return Request{
		Version: APIVersion,
		ID:      id,
		Payload: Payload{Kind: params.Kind(), Params: raw},
	}, nil
}

// Payload is the externally tagged union {"<kind>": {...params}}.
// Params stays raw until the engine has matched Kind to a handler.
type Payload struct {
	Kind   Kind
	Params json.RawMessage
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Kind == "" {
		return []byte("null"), nil
	}
	params := p.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return json.Marshal(map[Kind]json.RawMessage{p.Kind: params})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = Payload{}
		return nil
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("payload must be an object keyed by operation kind: %w", err)
	}
	if len(tagged) != 1 {
		keys := make([]string, 0, len(tagged))
		for k := range tagged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Errorf("payload must name exactly one operation, got %v", keys)
	}
	for k, v := range tagged {
		p.Kind = Kind(k)
		p.Params = v
	}
	return nil
}

// DecodeParams returns the typed params for kind, or false when the kind
// is not a known query.
func DecodeParams(kind Kind, raw json.RawMessage) (Params, bool, error) {
	var params Params
	switch kind {
	case KindStatus:
		params = &StatusParams{}
	case KindLog:
		params = &LogParams{}
	case KindGraph:
		params = &GraphParams{}
	case KindShowCommit:
		params = &ShowCommitParams{}
	case KindDiffSummary:
		params = &DiffSummaryParams{}
	case KindDiffContent:
		params = &DiffContentParams{}
	case KindBlame:
		params = &BlameParams{}
	case KindBranches:
		params = &BranchesParams{}
	case KindTags:
		params = &TagsParams{}
	case KindRemotes:
		params = &RemotesParams{}
	default:
		return nil, false, nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(params); err != nil {
		return nil, true, err
	}
	return params, true, nil
}

type StatusParams struct {
	RepoPath string `json:"repo_path"`
}

func (p *StatusParams) Kind() Kind          { return KindStatus }
func (p *StatusParams) Repo() string        { return p.RepoPath }
func (p *StatusParams) SetRepo(path string) { p.RepoPath = path }
func (p *StatusParams) Bounds() []Bound     { return nil }

type LogParams struct {
	RepoPath      string `json:"repo_path"`
	PageSize      int    `json:"page_size"`
	Cursor        string `json:"cursor,omitempty"`
	RevisionRange string `json:"revision_range,omitempty"`
}

func (p *LogParams) Kind() Kind          { return KindLog }
func (p *LogParams) Repo() string        { return p.RepoPath }
func (p *LogParams) SetRepo(path string) { p.RepoPath = path }
func (p *LogParams) Bounds() []Bound {
	return []Bound{{Name: "page_size", Value: p.PageSize, Limit: LimitPageSize}}
}

type GraphParams struct {
	RepoPath      string `json:"repo_path"`
	WindowSize    int    `json:"window_size"`
	Cursor        string `json:"cursor,omitempty"`
	RevisionRange string `json:"revision_range,omitempty"`
}

func (p *GraphParams) Kind() Kind          { return KindGraph }
func (p *GraphParams) Repo() string        { return p.RepoPath }
func (p *GraphParams) SetRepo(path string) { p.RepoPath = path }
func (p *GraphParams) Bounds() []Bound {
	return []Bound{{Name: "window_size", Value: p.WindowSize, Limit: LimitWindowSize}}
}

type ShowCommitParams struct {
	RepoPath string `json:"repo_path"`
	CommitID string `json:"commit_id"`
}

func (p *ShowCommitParams) Kind() Kind          { return KindShowCommit }
func (p *ShowCommitParams) Repo() string        { return p.RepoPath }
func (p *ShowCommitParams) SetRepo(path string) { p.RepoPath = path }
func (p *ShowCommitParams) Bounds() []Bound     { return nil }

// DiffSummaryParams compares From (default HEAD) with To; an empty To
// means the working tree.
type DiffSummaryParams struct {
	RepoPath string `json:"repo_path"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	MaxBytes int    `json:"max_bytes"`
	MaxHunks int    `json:"max_hunks"`
	Cursor   string `json:"cursor,omitempty"`
}

func (p *DiffSummaryParams) Kind() Kind          { return KindDiffSummary }
func (p *DiffSummaryParams) Repo() string        { return p.RepoPath }
func (p *DiffSummaryParams) SetRepo(path string) { p.RepoPath = path }
func (p *DiffSummaryParams) Bounds() []Bound {
	return []Bound{
		{Name: "max_bytes", Value: p.MaxBytes, Limit: LimitBytes},
		{Name: "max_hunks", Value: p.MaxHunks, Limit: LimitHunks},
	}
}

type DiffContentParams struct {
	RepoPath string `json:"repo_path"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Path     string `json:"path,omitempty"`
	MaxBytes int    `json:"max_bytes"`
	MaxHunks int    `json:"max_hunks"`
	Cursor   string `json:"cursor,omitempty"`
}

func (p *DiffContentParams) Kind() Kind          { return KindDiffContent }
func (p *DiffContentParams) Repo() string        { return p.RepoPath }
func (p *DiffContentParams) SetRepo(path string) { p.RepoPath = path }
func (p *DiffContentParams) Bounds() []Bound {
	return []Bound{
		{Name: "max_bytes", Value: p.MaxBytes, Limit: LimitBytes},
		{Name: "max_hunks", Value: p.MaxHunks, Limit: LimitHunks},
	}
}

type BlameParams struct {
	RepoPath   string `json:"repo_path"`
	Path       string `json:"path"`
	Revision   string `json:"revision,omitempty"`
	WindowSize int    `json:"window_size"`
	Cursor     string `json:"cursor,omitempty"`
}

func (p *BlameParams) Kind() Kind          { return KindBlame }
func (p *BlameParams) Repo() string        { return p.RepoPath }
func (p *BlameParams) SetRepo(path string) { p.RepoPath = path }
func (p *BlameParams) Bounds() []Bound {
	return []Bound{{Name: "window_size", Value: p.WindowSize, Limit: LimitWindowSize}}
}

type BranchesParams struct {
	RepoPath string `json:"repo_path"`
}

func (p *BranchesParams) Kind() Kind          { return KindBranches }
func (p *BranchesParams) Repo() string        { return p.RepoPath }
func (p *BranchesParams) SetRepo(path string) { p.RepoPath = path }
func (p *BranchesParams) Bounds() []Bound     { return nil }

type TagsParams struct {
	RepoPath string `json:"repo_path"`
}

func (p *TagsParams) Kind() Kind          { return KindTags }
func (p *TagsParams) Repo() string        { return p.RepoPath }
func (p *TagsParams) SetRepo(path string) { p.RepoPath = path }
func (p *TagsParams) Bounds() []Bound     { return nil }

type RemotesParams struct {
	RepoPath string `json:"repo_path"`
}

func (p *RemotesParams) Kind() Kind          { return KindRemotes }
func (p *RemotesParams) Repo() string        { return p.RepoPath }
func (p *RemotesParams) SetRepo(path string) { p.RepoPath = path }
func (p *RemotesParams) Bounds() []Bound     { return nil }

// CancelSignal asks the engine to stop request ID. Unknown ids are ignored.
type CancelSignal struct {
	ID string `json:"id"`
}

// Inbound is one frame read by a transport: a request or a cancel signal.
type Inbound struct {
	Request *Request
	Cancel  *CancelSignal
}

func (in Inbound) MarshalJSON() ([]byte, error) {
	if in.Cancel != nil {
		return json.Marshal(struct {
			Cancel *CancelSignal `json:"cancel"`
		}{in.Cancel})
	}
	return json.Marshal(in.Request)
}

func (in *Inbound) UnmarshalJSON(data []byte) error {
	var probe struct {
		Cancel *CancelSignal `json:"cancel"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Cancel != nil {
		in.Cancel = probe.Cancel
		return nil
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	in.Request = &req
	return nil
}
