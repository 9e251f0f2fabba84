package domain

import "time"

type APIErrorBody struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is expected without an
// operator action.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

const WaitRateLimited = "rate_limited"

type QueueItemStatus string

const (
	QueueItemPending    QueueItemStatus = "pending"
	QueueItemProcessing QueueItemStatus = "processing"
	QueueItemCompleted  QueueItemStatus = "completed"
	QueueItemFailed     QueueItemStatus = "failed"
	QueueItemExpired    QueueItemStatus = "expired"
)

type WorkKind string

const (
	WorkExecuteNode WorkKind = "execute_node"
	WorkPollStatus  WorkKind = "poll_status"
	// WorkReplayCallbacks re-applies deliveries that arrived before the
	// submit response was recorded.
	WorkReplayCallbacks WorkKind = "replay_callbacks"
)

type Port struct {
	Node string `json:"node"`
	Port string `json:"port,omitempty"`
}

type Edge struct {
	ID   string `json:"id,omitempty"`
	From Port   `json:"from"`
	To   Port   `json:"to"`
}

type Node struct {
	ID    string                 `json:"id"`
	Type  string                 `json:"type"`
	Title string                 `json:"title,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

type Workflow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Graph     Graph     `json:"graph"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Execution struct {
	ID               string                            `json:"id"`
	UserID           string                            `json:"userId"`
	WorkflowID       string                            `json:"workflowId,omitempty"`
	BatchID          string                            `json:"batchId"`
	Status           ExecutionStatus                   `json:"status"`
	TotalIterations  int                               `json:"totalIterations"`
	CurrentIteration int                               `json:"currentIteration"`
	Graph            Graph                             `json:"graph"`
	Order            []string                          `json:"order"`
	Inputs           map[string]map[string]interface{} `json:"inputs,omitempty"`
	Outputs          map[string]string                 `json:"outputs,omitempty"`
	PartialOutput    string                            `json:"partialOutput,omitempty"`
	Error            string                            `json:"error,omitempty"`
	CreatedAt        time.Time                         `json:"createdAt"`
	StartedAt        *time.Time                        `json:"startedAt,omitempty"`
	CompletedAt      *time.Time                        `json:"completedAt,omitempty"`
}

type Task struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"executionId"`
	NodeID      string     `json:"nodeId"`
	NodeType    string     `json:"nodeType"`
	Sequence    int        `json:"sequence"`
	Status      TaskStatus `json:"status"`
	Provider    string     `json:"provider,omitempty"`
	ExternalID  string     `json:"externalId,omitempty"`
	ResultRef   string     `json:"resultRef,omitempty"`
	Error       string     `json:"error,omitempty"`
	Waiting     string     `json:"waiting,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type FlowExecution struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"executionId"`
	EntryNodeID string          `json:"entryNodeId"`
	Priority    int             `json:"priority"`
	Status      ExecutionStatus `json:"status"`
	NodeIDs     []string        `json:"nodeIds"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

type AdmissionSlot struct {
	ID             string
	Provider       string
	CredentialHash string
	TaskKey        string
	TaskID         string
	ExecutionID    string
	AcquiredAt     time.Time
	ExpiresAt      time.Time
}

type QueueItem struct {
	ID             string
	Provider       string
	CredentialHash string
	TaskID         string
	ExecutionID    string
	NodeID         string
	NodeType       string
	Input          map[string]interface{}
	Priority       int
	Status         QueueItemStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type WorkItem struct {
	ID          string
	Kind        WorkKind
	TaskID      string
	ExecutionID string
	Payload     map[string]interface{}
	RunAt       time.Time
	Attempts    int
}

// WebhookOutcomeUnknownTask marks a delivery whose external id matched no
// task when it arrived.
const WebhookOutcomeUnknownTask = "unknown_task"

type WebhookEvent struct {
	ID         string
	Source     string
	ExternalID string
	Query      string
	Body       []byte
	ReceivedAt time.Time
	Outcome    string
}

// ProviderPair identifies one admission scope.
type ProviderPair struct {
	Provider       string
	CredentialHash string
}

type ExecuteRequest struct {
	WorkflowID  string                            `json:"workflowId,omitempty"`
	Graph       *Graph                            `json:"graph,omitempty"`
	RepeatCount int                               `json:"repeatCount,omitempty"`
	Inputs      map[string]map[string]interface{} `json:"inputs,omitempty"`
	APIKeys     map[string]string                 `json:"apiKeys,omitempty"`
}

type ExecuteResponse struct {
	ExecutionID  string          `json:"executionId"`
	ExecutionIDs []string        `json:"executionIds"`
	Status       ExecutionStatus `json:"status"`
	NodeCount    int             `json:"nodeCount"`
	Cost         int64           `json:"cost"`
}

type ExecutionStatusView struct {
	Execution
	Tasks []Task          `json:"tasks"`
	Flows []FlowExecution `json:"flows,omitempty"`
}

type CancelRequest struct {
	ID           string `json:"id"`
	CancelQueued bool   `json:"cancelQueued"`
}

type NodeControlRequest struct {
	ExecutionID string `json:"executionId"`
	TaskID      string `json:"taskId"`
}

type SaveWorkflowRequest struct {
	Name  string `json:"name"`
	Graph Graph  `json:"graph"`
}
