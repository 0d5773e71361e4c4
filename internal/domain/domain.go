package domain

type Execution struct {
	ID          string        `json:"id"`
	LoopID      string        `json:"loop_id"`
	ProjectID   string        `json:"project_id"`
	Status      string        `json:"status" enum:"active,paused,aborted,completed,failed"`
	Phases      []PhaseRecord `json:"phases,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
	CompletedAt *string       `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether no further transitions are allowed.
func (e Execution) Terminal() bool {
	return e.Status == "aborted" || e.Status == "completed" || e.Status == "failed"
}

type PhaseRecord struct {
	ExecutionID string        `json:"execution_id"`
	Name        string        `json:"name"`
	Index       int           `json:"index"`
	Status      string        `json:"status" enum:"pending,in_progress,completed,skipped"`
	Skills      []SkillRecord `json:"skills,omitempty"`
	Gate        *Gate         `json:"gate,omitempty"`
	StartedAt   *string       `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string       `json:"completed_at,omitempty" format:"date-time"`
}

type SkillRecord struct {
	ExecutionID string  `json:"execution_id"`
	SkillID     string  `json:"skill_id"`
	Phase       string  `json:"phase"`
	Required    bool    `json:"required"`
	Parallel    bool    `json:"parallel"`
	Status      string  `json:"status" enum:"pending,completed"`
	ResultJSON  *string `json:"result_json,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Gate struct {
	ExecutionID string  `json:"execution_id"`
	ID          string  `json:"id"`
	Phase       string  `json:"phase"`
	Approval    string  `json:"approval" enum:"human,auto"`
	Enabled     bool    `json:"enabled"`
	Status      string  `json:"status" enum:"pending,approved,rejected"`
	Approver    *string `json:"approver,omitempty"`
	Feedback    *string `json:"feedback,omitempty"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
}

// Guarantee is a declared invariant bound to a skill, phase or gate.
// Check names the predicate the engine evaluates against the deliverable
// store; guarantees are tagged data, not behavior.
type Guarantee struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Check       string `json:"check" enum:"deliverable-exists,deliverable-nonempty,deliverable-min-lines"`
	Deliverable string `json:"deliverable"`
	MinLines    int    `json:"min_lines,omitempty"`
	Required    bool   `json:"required"`
	Source      string `json:"source,omitempty"`
}

type DeliverableEntry struct {
	ExecutionID    string               `json:"execution_id"`
	Name           string               `json:"name"`
	CurrentVersion int                  `json:"current_version"`
	Versions       []DeliverableVersion `json:"versions,omitempty"`
}

type DeliverableVersion struct {
	ExecutionID string  `json:"execution_id"`
	Name        string  `json:"name"`
	Version     int     `json:"version"`
	Phase       string  `json:"phase"`
	Category    string  `json:"category,omitempty"`
	Path        string  `json:"path"`
	Hash        string  `json:"hash"`
	SizeBytes   int64   `json:"size_bytes"`
	LineCount   int     `json:"line_count"`
	Author      *string `json:"author,omitempty"`
	ChangeNote  *string `json:"change_note,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Checkpoint is the single resumable record per execution, overwritten
// in place on every save.
type Checkpoint struct {
	ExecutionID string `json:"execution_id"`
	Phase       string `json:"phase"`
	SkillID     string `json:"skill_id,omitempty"`
	DataJSON    string `json:"data_json"`
	SavedAt     string `json:"saved_at" format:"date-time"`
}

type Reservation struct {
	ID             string `json:"id"`
	CollaboratorID string `json:"collaborator_id"`
	AgentSetID     string `json:"agent_set_id,omitempty"`
	ExecutionID    string `json:"execution_id,omitempty"`
	Type           string `json:"type"`
	Target         string `json:"target"`
	Exclusive      bool   `json:"exclusive"`
	Reason         string `json:"reason,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	ExpiresAt      string `json:"expires_at" format:"date-time"`
}

type MergeRequest struct {
	ID             string  `json:"id"`
	CollaboratorID string  `json:"collaborator_id"`
	AgentSetID     string  `json:"agent_set_id"`
	ModuleID       string  `json:"module_id"`
	Status         string  `json:"status" enum:"pending,checking,ready,merged,rejected"`
	ConflictJSON   *string `json:"conflict_json,omitempty"`
	Reason         *string `json:"reason,omitempty"`
	RequestedAt    string  `json:"requested_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

func (m MergeRequest) Terminal() bool {
	return m.Status == "merged" || m.Status == "rejected"
}

// AgentState is the per-agent progress record reported by running agents.
type AgentState struct {
	ID            string `json:"id"`
	ExecutionID   string `json:"execution_id,omitempty"`
	Scope         string `json:"scope,omitempty"`
	WorktreePath  string `json:"worktree_path,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Status        string `json:"status" enum:"spawning,running,waiting-gate,completed,failed"`
	Phase         string `json:"phase,omitempty"`
	Progress      string `json:"progress,omitempty"`
	HeartbeatAt   string `json:"heartbeat_at" format:"date-time"`
	FilesModified int    `json:"files_modified"`
	Commits       int    `json:"commits"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}
