package types

// StatusView is the result of a status query.
type StatusView struct {
	Branch  string        `json:"branch,omitempty"`
	Head    string        `json:"head,omitempty"`
	Workdir WorkdirStatus `json:"workdir"`
	Index   IndexStatus   `json:"index"`
}

type WorkdirStatus struct {
	Modified  []string     `json:"modified"`
	Added     []string     `json:"added"`
	Deleted   []string     `json:"deleted"`
	Renamed   []RenamePair `json:"renamed"`
	Untracked []string     `json:"untracked"`
}

type RenamePair struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type IndexStatus struct {
	Staged []string `json:"staged"`
}

type CommitSummary struct {
	ID          string   `json:"id"`
	Message     string   `json:"message"`
	AuthorName  string   `json:"author_name"`
	AuthorEmail string   `json:"author_email"`
	Time        int64    `json:"time"`
	Parents     []string `json:"parents"`
}

type CommitListPage struct {
	Commits    []CommitSummary `json:"commits"`
	NextCursor string          `json:"next_cursor,omitempty"`
	HasMore    bool            `json:"has_more"`
}

type LaneType string

const (
	LaneCommit LaneType = "commit"
	LaneMerge  LaneType = "merge"
	LaneBranch LaneType = "branch"
	LaneEmpty  LaneType = "empty"
)

type GraphLane struct {
	Index    int      `json:"index"`
	LaneType LaneType `json:"lane_type"`
}

type CommitGraphNode struct {
	CommitSummary
	Lanes []GraphLane `json:"lanes"`
}

type CommitGraphWindow struct {
	Commits    []CommitGraphNode `json:"commits"`
	NextCursor string            `json:"next_cursor,omitempty"`
	HasMore    bool              `json:"has_more"`
}

type CommitDetails struct {
	CommitSummary
	FullMessage  string       `json:"full_message"`
	ChangedFiles []FileChange `json:"changed_files"`
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

type FileChange struct {
	Path       string     `json:"path"`
	ChangeType ChangeType `json:"change_type"`
	Additions  int        `json:"additions"`
	Deletions  int        `json:"deletions"`
	OldPath    string     `json:"old_path,omitempty"`
	Binary     bool       `json:"binary,omitempty"`
}

type DiffSummary struct {
	FilesChanged int          `json:"files_changed"`
	Additions    int          `json:"additions"`
	Deletions    int          `json:"deletions"`
	Changes      []FileChange `json:"changes"`
	NextCursor   string       `json:"next_cursor,omitempty"`
	HasMore      bool         `json:"has_more"`
}

type DiffChunk struct {
	Path    string     `json:"path"`
	OldPath string     `json:"old_path,omitempty"`
	Binary  bool       `json:"binary,omitempty"`
	Hunks   []DiffHunk `json:"hunks"`
}

type Range struct {
	Start int `json:"start"`
	Count int `json:"count"`
}

type DiffHunk struct {
	OldRange Range      `json:"old_range"`
	NewRange Range      `json:"new_range"`
	Header   string     `json:"header"`
	Lines    []DiffLine `json:"lines"`
}

type DiffLineType string

const (
	LineContext  DiffLineType = "context"
	LineAddition DiffLineType = "addition"
	LineDeletion DiffLineType = "deletion"
)

type DiffLine struct {
	LineType DiffLineType `json:"line_type"`
	OldLine  *int         `json:"old_line"`
	NewLine  *int         `json:"new_line"`
	Content  string       `json:"content"`
}

type BlameChunk struct {
	Path  string      `json:"path"`
	Lines []BlameLine `json:"lines"`
}

type BlameLine struct {
	LineNumber  int    `json:"line_number"`
	CommitID    string `json:"commit_id"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
	Content     string `json:"content"`
}

type BranchInfo struct {
	Name     string `json:"name"`
	CommitID string `json:"commit_id"`
	IsRemote bool   `json:"is_remote"`
}

type BranchList struct {
	Local   []BranchInfo `json:"local"`
	Remote  []BranchInfo `json:"remote"`
	Current string       `json:"current,omitempty"`
}

type TagInfo struct {
	Name     string `json:"name"`
	CommitID string `json:"commit_id"`
	Message  string `json:"message,omitempty"`
}

type TagList struct {
	Tags []TagInfo `json:"tags"`
}

type RemoteInfo struct {
	Name          string   `json:"name"`
	URL           string   `json:"url"`
	FetchRefspecs []string `json:"fetch_refspecs"`
	PushRefspecs  []string `json:"push_refspecs"`
}

type RemoteList struct {
	Remotes []RemoteInfo `json:"remotes"`
}

// PendingInfo describes one in-flight request for introspection endpoints.
type PendingInfo struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	State     string `json:"state"`
	StartedAt int64  `json:"started_at"`
	AgeMillis int64  `json:"age_ms"`
}
