package chaoscore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ChaosCore REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Action is a ledger entry as returned by the API.
type Action struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
	Status      string         `json:"status"`
	Attestation string         `json:"attestation,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Outcome is the recorded result of a completed action.
type Outcome struct {
	ActionID          string         `json:"action_id"`
	Success           bool           `json:"success"`
	ImpactScore       float64        `json:"impact_score"`
	Results           map[string]any `json:"results,omitempty"`
	VerificationProof string         `json:"verification_proof,omitempty"`
	RecordedAt        time.Time      `json:"recorded_at"`
}

// OnChainRecord is the anchoring receipt cached by the ledger.
type OnChainRecord struct {
	ActionID  string    `json:"action_id"`
	TxRef     string    `json:"tx_ref"`
	BlockRef  string    `json:"block_ref"`
	Timestamp time.Time `json:"timestamp"`
	DataHash  string    `json:"data_hash"`
	Verifiers []string  `json:"verifiers"`
}

// ActionSnapshot is the full view of an action.
type ActionSnapshot struct {
	Action    Action         `json:"action"`
	Verifiers []string       `json:"verifiers"`
	Outcome   *Outcome       `json:"outcome,omitempty"`
	OnChain   *OnChainRecord `json:"on_chain,omitempty"`
}

// ActionSubmission is the payload required to log a new action.
type ActionSubmission struct {
	AgentID     string         `json:"agent_id"`
	ActionType  string         `json:"action_type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// OutcomeSubmission records the result of a verified action.
type OutcomeSubmission struct {
	Success           bool           `json:"success"`
	ImpactScore       float64        `json:"impact_score"`
	Results           map[string]any `json:"results,omitempty"`
	VerificationProof string         `json:"verification_proof,omitempty"`
}

// Distribution is the result of a reward payout.
type Distribution struct {
	ActionID string             `json:"action_id"`
	Ref      string             `json:"ref"`
	Rewards  map[string]float64 `json:"rewards,omitempty"`
}

// ReputationScore is a computed reputation snapshot.
type ReputationScore struct {
	AgentID string  `json:"agent_id"`
	Overall float64 `json:"overall"`
	Components struct {
		ActionQuality float64 `json:"action_quality"`
		Verification  float64 `json:"verification"`
		Consistency   float64 `json:"consistency"`
	} `json:"components"`
	ComputedAt time.Time `json:"computed_at"`
}

// Ranking is one entry of the leaderboard.
type Ranking struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// Studio is a workspace that owns a task graph.
type Studio struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TaskSubmission describes a task to add to a studio.
type TaskSubmission struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Inputs               map[string]any `json:"inputs,omitempty"`
	Dependencies         []string       `json:"dependencies,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	TimeoutSeconds       float64        `json:"timeout_seconds,omitempty"`
}

// TaskResult is attached to a task once it reaches a terminal state.
type TaskResult struct {
	TaskID    string         `json:"task_id"`
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Task is a node of a studio task graph.
type Task struct {
	ID                   string         `json:"id"`
	StudioID             string         `json:"studio_id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Inputs               map[string]any `json:"inputs,omitempty"`
	Dependencies         []string       `json:"dependencies"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Status               string         `json:"status"`
	AssignedAgentID      string         `json:"assigned_agent_id,omitempty"`
	Result               *TaskResult    `json:"result,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chaoscore api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chaoscore api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChaosCore API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// LogAction records a new pending action and returns its identifier.
func (c *Client) LogAction(ctx context.Context, submission ActionSubmission) (string, error) {
	var out struct {
		ActionID string `json:"action_id"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/actions", nil, submission, &out); err != nil {
		return "", err
	}
	return out.ActionID, nil
}

// GetAction fetches the full snapshot of an action.
func (c *Client) GetAction(ctx context.Context, actionID string) (ActionSnapshot, error) {
	var snap ActionSnapshot
	err := c.send(ctx, http.MethodGet, actionPath(actionID), nil, nil, &snap)
	return snap, err
}

// VerifyAction adds verifierID to the action's verifier set.
func (c *Client) VerifyAction(ctx context.Context, actionID, verifierID string) (ActionSnapshot, error) {
	var snap ActionSnapshot
	err := c.send(ctx, http.MethodPost, actionPath(actionID, "verify"), nil, map[string]string{"verifier_id": verifierID}, &snap)
	return snap, err
}

// AnchorAction submits the action's data hash to the anchor gateway.
func (c *Client) AnchorAction(ctx context.Context, actionID string) (OnChainRecord, error) {
	var rec OnChainRecord
	err := c.send(ctx, http.MethodPost, actionPath(actionID, "anchor"), nil, nil, &rec)
	return rec, err
}

// RecordOutcome completes a verified action.
func (c *Client) RecordOutcome(ctx context.Context, actionID string, outcome OutcomeSubmission) (Outcome, error) {
	var out Outcome
	err := c.send(ctx, http.MethodPost, actionPath(actionID, "outcome"), nil, outcome, &out)
	return out, err
}

// DisputeAction moves the action into the disputed state.
func (c *Client) DisputeAction(ctx context.Context, actionID, reason string) (ActionSnapshot, error) {
	var snap ActionSnapshot
	err := c.send(ctx, http.MethodPost, actionPath(actionID, "dispute"), nil, map[string]string{"reason": reason}, &snap)
	return snap, err
}

// RejectAction rejects a pending action.
func (c *Client) RejectAction(ctx context.Context, actionID, reason string) (ActionSnapshot, error) {
	var snap ActionSnapshot
	err := c.send(ctx, http.MethodPost, actionPath(actionID, "reject"), nil, map[string]string{"reason": reason}, &snap)
	return snap, err
}

// ComputeRewards previews the reward split of a completed action.
func (c *Client) ComputeRewards(ctx context.Context, actionID string) (map[string]float64, error) {
	var out struct {
		Rewards map[string]float64 `json:"rewards"`
	}
	if err := c.send(ctx, http.MethodGet, actionPath(actionID, "rewards"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Rewards, nil
}

// DistributeRewards pays out the rewards of a completed action.
func (c *Client) DistributeRewards(ctx context.Context, actionID string) (Distribution, error) {
	var out Distribution
	err := c.send(ctx, http.MethodPost, actionPath(actionID, "rewards"), nil, nil, &out)
	return out, err
}

// GetReputation returns the latest stored score of an agent.
func (c *Client) GetReputation(ctx context.Context, agentID string) (ReputationScore, error) {
	var score ReputationScore
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+agentID+"/reputation", nil, nil, &score)
	return score, err
}

// ComputeReputation recomputes and stores the agent's score.
func (c *Client) ComputeReputation(ctx context.Context, agentID string) (ReputationScore, error) {
	var score ReputationScore
	err := c.send(ctx, http.MethodPost, "/api/v1/agents/"+agentID+"/reputation", nil, nil, &score)
	return score, err
}

// TopAgents returns the leaderboard for category. An empty category ranks by
// the overall score.
func (c *Client) TopAgents(ctx context.Context, limit int, category string) ([]Ranking, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if category != "" {
		query.Set("category", category)
	}
	var out struct {
		Agents []Ranking `json:"agents"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/reputation/top", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// CreateStudio creates a new studio with an empty task graph.
func (c *Client) CreateStudio(ctx context.Context, name, description string, metadata map[string]any) (Studio, error) {
	var st Studio
	err := c.send(ctx, http.MethodPost, "/api/v1/studios", nil, map[string]any{
		"name":        name,
		"description": description,
		"metadata":    metadata,
	}, &st)
	return st, err
}

// AddTask adds a task to the studio's graph.
func (c *Client) AddTask(ctx context.Context, studioID string, submission TaskSubmission) (Task, error) {
	var task Task
	err := c.send(ctx, http.MethodPost, studioPath(studioID, "tasks"), nil, submission, &task)
	return task, err
}

// NextTask returns the first ready task the agent can take. ok is false when
// nothing is ready.
func (c *Client) NextTask(ctx context.Context, studioID, agentID string, capabilities ...string) (task Task, ok bool, err error) {
	query := url.Values{"agent_id": {agentID}}
	if len(capabilities) > 0 {
		query.Set("capabilities", strings.Join(capabilities, ","))
	}
	var out *Task
	if err := c.send(ctx, http.MethodGet, studioPath(studioID, "next-task"), query, nil, &out); err != nil {
		return Task{}, false, err
	}
	if out == nil {
		return Task{}, false, nil
	}
	return *out, true, nil
}

// AssignTask assigns a pending task to agentID.
func (c *Client) AssignTask(ctx context.Context, studioID, taskID, agentID string) (Task, error) {
	return c.transition(ctx, studioID, taskID, "assign", map[string]any{"agent_id": agentID})
}

// StartTask starts an assigned task.
func (c *Client) StartTask(ctx context.Context, studioID, taskID, agentID string) (Task, error) {
	return c.transition(ctx, studioID, taskID, "start", map[string]any{"agent_id": agentID})
}

// CompleteTask completes a running task with outputs.
func (c *Client) CompleteTask(ctx context.Context, studioID, taskID, agentID string, outputs map[string]any) (Task, error) {
	return c.transition(ctx, studioID, taskID, "complete", map[string]any{"agent_id": agentID, "outputs": outputs})
}

// FailTask fails a running task.
func (c *Client) FailTask(ctx context.Context, studioID, taskID, agentID, reason string) (Task, error) {
	return c.transition(ctx, studioID, taskID, "fail", map[string]any{"agent_id": agentID, "reason": reason})
}

// CancelTask cancels a task that has not finished.
func (c *Client) CancelTask(ctx context.Context, studioID, taskID string) (Task, error) {
	return c.transition(ctx, studioID, taskID, "cancel", nil)
}

func (c *Client) transition(ctx context.Context, studioID, taskID, op string, payload map[string]any) (Task, error) {
	var task Task
	err := c.send(ctx, http.MethodPost, studioPath(studioID, "tasks", taskID, op), nil, payload, &task)
	return task, err
}

func actionPath(actionID string, parts ...string) string {
	return joinPath("/api/v1/actions", actionID, parts...)
}

func studioPath(studioID string, parts ...string) string {
	return joinPath("/api/v1/studios", studioID, parts...)
}

func joinPath(prefix, id string, parts ...string) string {
	segments := append([]string{prefix, id}, parts...)
	return strings.Join(segments, "/")
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
