package flowclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nineking424/nificdc-sub004/internal/pathutil"
)

// Revision is the engine's optimistic-concurrency token. Every mutation
// must carry the revision of the state it read.
type Revision struct {
	ClientID string
	Version  int64
}

// Position places a component on the flow canvas.
type Position struct {
	X float64
	Y float64
}

// ProcessGroup is a container of processors and connections.
type ProcessGroup struct {
	ID           string
	ParentID     string
	Name         string
	Revision     Revision
	RunningCount int
	StoppedCount int
}

// Processor is a single flow component.
type Processor struct {
	ID               string
	GroupID          string
	Name             string
	Type             string
	State            string
	Revision         Revision
	Properties       map[string]string
	ValidationErrors []string
}

// ProcessorSpec describes a processor to create.
type ProcessorSpec struct {
	Name                        string
	Type                        string
	Position                    *Position
	Properties                  map[string]string
	SchedulingPeriod            string
	AutoTerminatedRelationships []string
}

// Connection links two components inside a group.
type Connection struct {
	ID            string
	SourceID      string
	DestinationID string
	Revision      Revision
}

// ConnectionSpec describes a connection to create. Source and destination
// types default to PROCESSOR.
type ConnectionSpec struct {
	SourceID                      string
	SourceType                    string
	DestinationID                 string
	DestinationType               string
	Relationships                 []string
	BackPressureObjectThreshold   int64
	BackPressureDataSizeThreshold string
}

// FlowStatus aggregates a process group's live counters.
type FlowStatus struct {
	ID                string
	Name              string
	ActiveThreadCount int
	FlowFilesQueued   int64
	BytesQueued       int64
	FlowFilesIn       int64
	BytesIn           int64
	FlowFilesOut      int64
	BytesOut          int64
}

// SystemDiagnostics is the engine's JVM and host snapshot.
type SystemDiagnostics struct {
	AvailableProcessors  int
	ProcessorLoadAverage float64
	TotalThreads         int
	UsedHeap             string
	MaxHeap              string
	HeapUtilization      string
	Uptime               string
}

// Run states accepted by the run-status endpoint.
const (
	StateRunning = "RUNNING"
	StateStopped = "STOPPED"
)

// SystemDiagnostics fetches the engine's diagnostics snapshot.
func (c *Client) SystemDiagnostics(ctx context.Context) (*SystemDiagnostics, error) {
	out, err := c.request(ctx, http.MethodGet, "/system-diagnostics", nil, nil)
	if err != nil {
		return nil, err
	}
	return &SystemDiagnostics{
		AvailableProcessors:  int(intAt(out, "systemDiagnostics.aggregateSnapshot.availableProcessors")),
		ProcessorLoadAverage: floatAt(out, "systemDiagnostics.aggregateSnapshot.processorLoadAverage"),
		TotalThreads:         int(intAt(out, "systemDiagnostics.aggregateSnapshot.totalThreads")),
		UsedHeap:             stringAt(out, "systemDiagnostics.aggregateSnapshot.usedHeap"),
		MaxHeap:              stringAt(out, "systemDiagnostics.aggregateSnapshot.maxHeap"),
		HeapUtilization:      stringAt(out, "systemDiagnostics.aggregateSnapshot.heapUtilization"),
		Uptime:               stringAt(out, "systemDiagnostics.aggregateSnapshot.uptime"),
	}, nil
}

// RootProcessGroupID resolves the id of the root canvas group.
func (c *Client) RootProcessGroupID(ctx context.Context) (string, error) {
	out, err := c.request(ctx, http.MethodGet, "/flow/process-groups/root", nil, nil)
	if err != nil {
		return "", err
	}
	id := stringAt(out, "processGroupFlow.id")
	if id == "" {
		return "", fmt.Errorf("engine response is missing the root group id")
	}
	return id, nil
}

// GetProcessGroup fetches a process group by id.
func (c *Client) GetProcessGroup(ctx context.Context, id string) (*ProcessGroup, error) {
	out, err := c.request(ctx, http.MethodGet, "/process-groups/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	return parseProcessGroup(out), nil
}

// CreateProcessGroup creates a child group under the given parent.
func (c *Client) CreateProcessGroup(ctx context.Context, parentID, name string) (*ProcessGroup, error) {
	payload := map[string]interface{}{
		"revision":  map[string]interface{}{"version": 0},
		"component": map[string]interface{}{"name": name},
	}
	out, err := c.request(ctx, http.MethodPost,
		"/process-groups/"+url.PathEscape(parentID)+"/process-groups", nil, payload)
	if err != nil {
		return nil, err
	}
	return parseProcessGroup(out), nil
}

// DeleteProcessGroup removes a group. The current revision is fetched
// first because deletes must carry it as a query parameter.
func (c *Client) DeleteProcessGroup(ctx context.Context, id string) error {
	pg, err := c.GetProcessGroup(ctx, id)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, http.MethodDelete,
		"/process-groups/"+url.PathEscape(id), revisionQuery(pg.Revision), nil)
	return err
}

// GetProcessor fetches a processor by id.
func (c *Client) GetProcessor(ctx context.Context, id string) (*Processor, error) {
	out, err := c.request(ctx, http.MethodGet, "/processors/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	return parseProcessor(out), nil
}

// CreateProcessor creates a processor inside a group.
func (c *Client) CreateProcessor(ctx context.Context, groupID string, spec ProcessorSpec) (*Processor, error) {
	if spec.Type == "" {
		return nil, &ValidationError{Field: "type", Message: "processor type is required"}
	}

	component := map[string]interface{}{
		"name": spec.Name,
		"type": spec.Type,
	}
	if spec.Position != nil {
		component["position"] = map[string]interface{}{"x": spec.Position.X, "y": spec.Position.Y}
	}
	config := map[string]interface{}{}
	if len(spec.Properties) > 0 {
		config["properties"] = spec.Properties
	}
	if spec.SchedulingPeriod != "" {
		config["schedulingPeriod"] = spec.SchedulingPeriod
	}
	if len(spec.AutoTerminatedRelationships) > 0 {
		config["autoTerminatedRelationships"] = spec.AutoTerminatedRelationships
	}
	if len(config) > 0 {
		component["config"] = config
	}

	payload := map[string]interface{}{
		"revision":  map[string]interface{}{"version": 0},
		"component": component,
	}
	out, err := c.request(ctx, http.MethodPost,
		"/process-groups/"+url.PathEscape(groupID)+"/processors", nil, payload)
	if err != nil {
		return nil, err
	}
	return parseProcessor(out), nil
}

// UpdateProcessorProperties replaces the given properties on a processor,
// reading the current revision first.
func (c *Client) UpdateProcessorProperties(ctx context.Context, id string, props map[string]string) (*Processor, error) {
	p, err := c.GetProcessor(ctx, id)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"revision": revisionPayload(p.Revision),
		"component": map[string]interface{}{
			"id":     id,
			"config": map[string]interface{}{"properties": props},
		},
	}
	out, err := c.request(ctx, http.MethodPut, "/processors/"+url.PathEscape(id), nil, payload)
	if err != nil {
		return nil, err
	}
	return parseProcessor(out), nil
}

// DeleteProcessor removes a processor, carrying its current revision.
func (c *Client) DeleteProcessor(ctx context.Context, id string) error {
	p, err := c.GetProcessor(ctx, id)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, http.MethodDelete,
		"/processors/"+url.PathEscape(id), revisionQuery(p.Revision), nil)
	return err
}

// StartProcessor schedules a processor to run.
func (c *Client) StartProcessor(ctx context.Context, id string) error {
	return c.setRunState(ctx, id, StateRunning)
}

// StopProcessor unschedules a processor.
func (c *Client) StopProcessor(ctx context.Context, id string) error {
	return c.setRunState(ctx, id, StateStopped)
}

func (c *Client) setRunState(ctx context.Context, id, state string) error {
	p, err := c.GetProcessor(ctx, id)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"revision": revisionPayload(p.Revision),
		"state":    state,
	}
	_, err = c.request(ctx, http.MethodPut,
		"/processors/"+url.PathEscape(id)+"/run-status", nil, payload)
	return err
}

// CreateConnection links two components inside a group.
func (c *Client) CreateConnection(ctx context.Context, groupID string, spec ConnectionSpec) (*Connection, error) {
	if spec.SourceID == "" || spec.DestinationID == "" {
		return nil, &ValidationError{Field: "connection", Message: "source and destination ids are required"}
	}

	component := map[string]interface{}{
		"source": map[string]interface{}{
			"id":      spec.SourceID,
			"type":    orDefault(spec.SourceType, "PROCESSOR"),
			"groupId": groupID,
		},
		"destination": map[string]interface{}{
			"id":      spec.DestinationID,
			"type":    orDefault(spec.DestinationType, "PROCESSOR"),
			"groupId": groupID,
		},
	}
	if len(spec.Relationships) > 0 {
		component["selectedRelationships"] = spec.Relationships
	}
	if spec.BackPressureObjectThreshold > 0 {
		component["backPressureObjectThreshold"] = spec.BackPressureObjectThreshold
	}
	if spec.BackPressureDataSizeThreshold != "" {
		component["backPressureDataSizeThreshold"] = spec.BackPressureDataSizeThreshold
	}

	payload := map[string]interface{}{
		"revision":  map[string]interface{}{"version": 0},
		"component": component,
	}
	out, err := c.request(ctx, http.MethodPost,
		"/process-groups/"+url.PathEscape(groupID)+"/connections", nil, payload)
	if err != nil {
		return nil, err
	}
	return &Connection{
		ID:            stringAt(out, "id"),
		SourceID:      stringAt(out, "component.source.id"),
		DestinationID: stringAt(out, "component.destination.id"),
		Revision:      parseRevision(out),
	}, nil
}

// FlowStatus fetches the live counters for a process group.
func (c *Client) FlowStatus(ctx context.Context, groupID string) (*FlowStatus, error) {
	out, err := c.request(ctx, http.MethodGet,
		"/flow/process-groups/"+url.PathEscape(groupID)+"/status", nil, nil)
	if err != nil {
		return nil, err
	}
	return &FlowStatus{
		ID:                stringAt(out, "processGroupStatus.id"),
		Name:              stringAt(out, "processGroupStatus.name"),
		ActiveThreadCount: int(intAt(out, "processGroupStatus.aggregateSnapshot.activeThreadCount")),
		FlowFilesQueued:   intAt(out, "processGroupStatus.aggregateSnapshot.flowFilesQueued"),
		BytesQueued:       intAt(out, "processGroupStatus.aggregateSnapshot.bytesQueued"),
		FlowFilesIn:       intAt(out, "processGroupStatus.aggregateSnapshot.flowFilesIn"),
		BytesIn:           intAt(out, "processGroupStatus.aggregateSnapshot.bytesIn"),
		FlowFilesOut:      intAt(out, "processGroupStatus.aggregateSnapshot.flowFilesOut"),
		BytesOut:          intAt(out, "processGroupStatus.aggregateSnapshot.bytesOut"),
	}, nil
}

func parseProcessGroup(entity map[string]interface{}) *ProcessGroup {
	return &ProcessGroup{
		ID:           stringAt(entity, "id"),
		ParentID:     stringAt(entity, "component.parentGroupId"),
		Name:         stringAt(entity, "component.name"),
		Revision:     parseRevision(entity),
		RunningCount: int(intAt(entity, "runningCount")),
		StoppedCount: int(intAt(entity, "stoppedCount")),
	}
}

func parseProcessor(entity map[string]interface{}) *Processor {
	return &Processor{
		ID:               stringAt(entity, "id"),
		GroupID:          stringAt(entity, "component.parentGroupId"),
		Name:             stringAt(entity, "component.name"),
		Type:             stringAt(entity, "component.type"),
		State:            stringAt(entity, "component.state"),
		Revision:         parseRevision(entity),
		Properties:       stringMapAt(entity, "component.config.properties"),
		ValidationErrors: stringsAt(entity, "component.validationErrors"),
	}
}

func parseRevision(entity map[string]interface{}) Revision {
	return Revision{
		ClientID: stringAt(entity, "revision.clientId"),
		Version:  intAt(entity, "revision.version"),
	}
}

func revisionPayload(r Revision) map[string]interface{} {
	payload := map[string]interface{}{"version": r.Version}
	if r.ClientID != "" {
		payload["clientId"] = r.ClientID
	}
	return payload
}

func revisionQuery(r Revision) url.Values {
	q := url.Values{}
	q.Set("version", strconv.FormatInt(r.Version, 10))
	if r.ClientID != "" {
		q.Set("clientId", r.ClientID)
	}
	return q
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Response field extraction over the engine's nested entity maps.

func stringAt(obj map[string]interface{}, path string) string {
	v, ok := pathutil.Get(obj, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func intAt(obj map[string]interface{}, path string) int64 {
	v, ok := pathutil.Get(obj, path)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

func floatAt(obj map[string]interface{}, path string) float64 {
	v, ok := pathutil.Get(obj, path)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func stringMapAt(obj map[string]interface{}, path string) map[string]string {
	v, ok := pathutil.Get(obj, path)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func stringsAt(obj map[string]interface{}, path string) []string {
	v, ok := pathutil.Get(obj, path)
	if !ok {
		return nil
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
