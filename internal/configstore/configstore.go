// Package configstore implements the Configuration Store: the
// single authoritative, durable, per-project Configuration record with
// atomic read-modify-write mutation and change-event publication.
package configstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/eventbus"
	"github.com/daloraclehub/dalcore/internal/identity"
	"github.com/daloraclehub/dalcore/internal/store"
)

// Status is a Configuration's lifecycle stage.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusConfigured Status = "configured"
	StatusDeploying  Status = "deploying"
	StatusDeployed   Status = "deployed"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// forward lists the legal transitions; the only back-edge is failed->configured.
var forward = map[Status][]Status{
	StatusDraft:      {StatusConfigured},
	StatusConfigured: {StatusDeploying},
	StatusDeploying:  {StatusDeployed, StatusFailed},
	StatusDeployed:   {StatusActive, StatusFailed},
	StatusActive:     {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusConfigured},
	StatusCompleted:  {},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range forward[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DatasetRole is the role a dataset plays within a Configuration.
type DatasetRole string

const (
	DatasetRoleTraining  DatasetRole = "training"
	DatasetRoleUnlabeled DatasetRole = "unlabeled"
	DatasetRoleTest      DatasetRole = "test"
)

// Dataset describes one entry in Configuration.Datasets.
type Dataset struct {
	Role     DatasetRole `json:"role"`
	Format   string      `json:"format"`
	Location string      `json:"location"`
}

// Workflow describes one entry in Configuration.Workflows.
type Workflow struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CWL         string `json:"cwl"` // workflow description content (CWL document text)
}

// Model describes one entry in Configuration.Models.
type Model struct {
	Algorithm      string         `json:"algorithm"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
	InitialWeights string         `json:"initial_weights,omitempty"`
}

// ContentIdentifiers holds the bundle/metadata/workflow CIDs once published.
type ContentIdentifiers struct {
	Bundle   string `json:"bundle,omitempty"`
	Metadata string `json:"metadata,omitempty"`
	Workflow string `json:"workflow,omitempty"`
}

// ActiveLearningExtension is the "active-learning" entry in
// Configuration.Extensions — the only extension schema this core
// interprets structurally; others pass through opaquely.
type ActiveLearningExtension struct {
	QueryStrategy string  `json:"query_strategy"`
	ModelID       string  `json:"model_id"`
	Budget        int     `json:"budget"`
	BatchSize     int     `json:"batch_size"`
	VotingQuorum  string  `json:"voting_quorum"`
	VotingTimeout string  `json:"voting_timeout"` // duration text, e.g. "2h"
	LabelSpace    []string `json:"label_space"`
}

// Configuration is the per-project, coordinator-owned durable record.
type Configuration struct {
	ProjectID    string                 `json:"projectId"`
	Version      int                    `json:"version"`
	Status       Status                 `json:"status"`
	ProjectData  map[string]any         `json:"projectData"`
	Extensions   map[string]json.RawMessage `json:"extensions"`
	Datasets     map[string]Dataset     `json:"datasets"`
	Workflows    map[string]Workflow    `json:"workflows"`
	Models       map[string]Model       `json:"models"`
	ContentIDs   ContentIdentifiers     `json:"ipfs,omitempty"`
	Participants []identity.Participant `json:"participantSnapshot,omitempty"`
	LastModified time.Time              `json:"lastModified"`
}

// Validate checks the structural preconditions a Configuration must meet
// before it can be deployed: at least one workflow, and, when the
// active-learning extension is present, its required fields populated plus
// at least one training-role dataset to drive it.
func Validate(cfg Configuration) error {
	if len(cfg.Workflows) == 0 {
		return apperrors.InvalidInput("configuration must define at least one workflow before deployment")
	}

	raw, ok := cfg.Extensions["active-learning"]
	if !ok {
		return nil
	}

	var ext ActiveLearningExtension
	if err := json.Unmarshal(raw, &ext); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInvalidInput, "parse active-learning extension")
	}
	switch {
	case ext.QueryStrategy == "":
		return apperrors.InvalidInput("active-learning extension requires query_strategy")
	case ext.ModelID == "":
		return apperrors.InvalidInput("active-learning extension requires model_id")
	case ext.Budget <= 0:
		return apperrors.InvalidInput("active-learning extension requires a positive budget")
	case ext.BatchSize <= 0:
		return apperrors.InvalidInput("active-learning extension requires a positive batch_size")
	case ext.VotingQuorum == "":
		return apperrors.InvalidInput("active-learning extension requires voting_quorum")
	case len(ext.LabelSpace) == 0:
		return apperrors.InvalidInput("active-learning extension requires a non-empty label_space")
	}

	for _, ds := range cfg.Datasets {
		if ds.Role == DatasetRoleTraining {
			return nil
		}
	}
	return apperrors.InvalidInput("active-learning configurations require at least one training dataset")
}

// clone returns a deep-enough copy so mutators never alias the stored value.
func (c Configuration) clone() Configuration {
	out := c
	out.ProjectData = cloneMap(c.ProjectData)
	out.Extensions = make(map[string]json.RawMessage, len(c.Extensions))
	for k, v := range c.Extensions {
		raw := make(json.RawMessage, len(v))
		copy(raw, v)
		out.Extensions[k] = raw
	}
	out.Datasets = make(map[string]Dataset, len(c.Datasets))
	for k, v := range c.Datasets {
		out.Datasets[k] = v
	}
	out.Workflows = make(map[string]Workflow, len(c.Workflows))
	for k, v := range c.Workflows {
		out.Workflows[k] = v
	}
	out.Models = make(map[string]Model, len(c.Models))
	for k, v := range c.Models {
		out.Models[k] = v
	}
	out.Participants = append([]identity.Participant(nil), c.Participants...)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CanonicalJSON renders the configuration with sorted map keys and no
// insignificant whitespace, so identical configurations always serialize
// identically. LastModified is excluded (clocks differ across replays;
// round-trip equality over the full record is semantic, not byte-for-byte).
// internal/bundle does not call this; it encodes bundle files with its own
// canonical marshaler.
func (c Configuration) CanonicalJSON() ([]byte, error) {
	type canonical struct {
		ProjectID   string                     `json:"projectId"`
		Version     int                        `json:"version"`
		Status      Status                     `json:"status"`
		ProjectData map[string]any             `json:"projectData"`
		Extensions  map[string]json.RawMessage `json:"extensions"`
		Datasets    map[string]Dataset         `json:"datasets"`
		Workflows   map[string]Workflow        `json:"workflows"`
		Models      map[string]Model           `json:"models"`
	}
	cn := canonical{
		ProjectID:   c.ProjectID,
		Version:     c.Version,
		Status:      c.Status,
		ProjectData: c.ProjectData,
		Extensions:  c.Extensions,
		Datasets:    c.Datasets,
		Workflows:   c.Workflows,
		Models:      c.Models,
	}
	// encoding/json sorts map[string]X keys already; struct field order is
	// stable by declaration, so no manual sort is needed.
	return json.Marshal(cn)
}

// Mutator mutates cfg in place and returns an error to abort the write
// (the Configuration Store rolls back to the pre-mutation value).
type Mutator func(cfg *Configuration) error

// Store is the durable, mutex-guarded Configuration Store.
type Store struct {
	db  *store.Store
	bus *eventbus.Bus

	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
	cache   map[string]Configuration
}

// New constructs a Configuration Store over db, publishing change events
// to bus. Call Rehydrate after construction to load persisted state.
func New(db *store.Store, bus *eventbus.Bus) *Store {
	return &Store{
		db:      db,
		bus:     bus,
		mutexes: make(map[string]*sync.Mutex),
		cache:   make(map[string]Configuration),
	}
}

func (s *Store) lockFor(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutexes[projectID]
	if !ok {
		m = &sync.Mutex{}
		s.mutexes[projectID] = m
	}
	return m
}

// Rehydrate loads every project's active Configuration from durable
// storage into the in-memory cache, for use at process startup.
func (s *Store) Rehydrate(projects []string) error {
	for _, projectID := range projects {
		rec, err := s.db.GetActiveConfiguration(projectID)
		if err != nil {
			return fmt.Errorf("configstore: rehydrate %s: %w", projectID, err)
		}
		if rec == nil {
			continue
		}
		var cfg Configuration
		if err := json.Unmarshal([]byte(rec.Body), &cfg); err != nil {
			return fmt.Errorf("configstore: rehydrate %s: decode: %w", projectID, err)
		}
		s.mu.Lock()
		s.cache[projectID] = cfg
		s.mu.Unlock()
	}
	return nil
}

// Create makes an initial draft Configuration for projectID. Fails with
// AlreadyExists (surfaced as Conflict) if one already exists.
func (s *Store) Create(projectID string, projectData map[string]any, templateID string) (Configuration, error) {
	lock := s.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	_, exists := s.cache[projectID]
	s.mu.Unlock()
	if exists {
		return Configuration{}, apperrors.Conflict(fmt.Sprintf("configuration for project %s already exists", projectID))
	}

	cfg := Configuration{
		ProjectID:   projectID,
		Version:     1,
		Status:      StatusDraft,
		ProjectData: cloneMap(projectData),
		Extensions:  make(map[string]json.RawMessage),
		Datasets:    make(map[string]Dataset),
		Workflows:   make(map[string]Workflow),
		Models:      make(map[string]Model),
	}
	if err := s.persist(&cfg); err != nil {
		return Configuration{}, err
	}
	s.publish(cfg)
	return cfg, nil
}

// Get returns the current Configuration for projectID.
func (s *Store) Get(projectID string) (Configuration, error) {
	s.mu.Lock()
	cfg, ok := s.cache[projectID]
	s.mu.Unlock()
	if !ok {
		return Configuration{}, apperrors.New(apperrors.ErrorTypeInvalidInput, fmt.Sprintf("no configuration for project %s", projectID))
	}
	return cfg.clone(), nil
}

// List returns every cached Configuration, ordered by projectID.
func (s *Store) List() []Configuration {
	s.mu.Lock()
	out := make([]Configuration, 0, len(s.cache))
	for _, cfg := range s.cache {
		out = append(out, cfg.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Update performs an atomic read-modify-write under projectID's mutex.
// Rejects any mutation while status is deploying.
func (s *Store) Update(projectID string, mutate Mutator) (Configuration, error) {
	lock := s.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	current, ok := s.cache[projectID]
	s.mu.Unlock()
	if !ok {
		return Configuration{}, apperrors.New(apperrors.ErrorTypeInvalidInput, fmt.Sprintf("no configuration for project %s", projectID))
	}

	if current.Status == StatusDeploying {
		return Configuration{}, apperrors.Conflict("configuration cannot be mutated while deploying")
	}

	next := current.clone()
	if err := mutate(&next); err != nil {
		return Configuration{}, err
	}

	if next.Status != current.Status && !CanTransition(current.Status, next.Status) {
		return Configuration{}, apperrors.InternalInvariant(fmt.Sprintf("illegal status transition %s -> %s", current.Status, next.Status))
	}

	next.Version = current.Version + 1
	if err := s.persist(&next); err != nil {
		return Configuration{}, err
	}
	s.publish(next)
	return next, nil
}

// AdvanceFromDeploying is the Deployment Orchestrator's privileged escape
// hatch from the ordinary Update guard: only it may move a Configuration
// out of "deploying", into either "deployed" (success) or "failed"
// (a permanent publish failure). No other mutation is applied.
func (s *Store) AdvanceFromDeploying(projectID string, to Status) (Configuration, error) {
	if to != StatusDeployed && to != StatusFailed {
		return Configuration{}, apperrors.InternalInvariant(fmt.Sprintf("illegal deploying exit transition to %s", to))
	}

	lock := s.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	current, ok := s.cache[projectID]
	s.mu.Unlock()
	if !ok {
		return Configuration{}, apperrors.New(apperrors.ErrorTypeInvalidInput, fmt.Sprintf("no configuration for project %s", projectID))
	}
	if current.Status != StatusDeploying {
		return Configuration{}, apperrors.Conflict(fmt.Sprintf("project %s is not deploying", projectID))
	}

	next := current.clone()
	next.Status = to
	next.Version = current.Version + 1
	if err := s.persist(&next); err != nil {
		return Configuration{}, err
	}
	s.publish(next)
	return next, nil
}

// SetContentIdentifiers records the bundle/metadata/workflow content
// identifiers produced by a deployment, bypassing the deploying-state
// mutation guard since this is the orchestrator recording its own progress.
func (s *Store) SetContentIdentifiers(projectID string, ids ContentIdentifiers) (Configuration, error) {
	lock := s.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	current, ok := s.cache[projectID]
	s.mu.Unlock()
	if !ok {
		return Configuration{}, apperrors.New(apperrors.ErrorTypeInvalidInput, fmt.Sprintf("no configuration for project %s", projectID))
	}

	next := current.clone()
	next.ContentIDs = ids
	next.Version = current.Version + 1
	if err := s.persist(&next); err != nil {
		return Configuration{}, err
	}
	s.publish(next)
	return next, nil
}

// AddDataset is a typed helper that adds or replaces a dataset entry and
// bumps lastModified/version via Update.
func (s *Store) AddDataset(projectID, datasetID string, d Dataset) (Configuration, error) {
	return s.Update(projectID, func(cfg *Configuration) error {
		cfg.Datasets[datasetID] = d
		return nil
	})
}

// AddWorkflow is a typed helper that adds or replaces a workflow entry.
func (s *Store) AddWorkflow(projectID, workflowID string, w Workflow) (Configuration, error) {
	return s.Update(projectID, func(cfg *Configuration) error {
		cfg.Workflows[workflowID] = w
		return nil
	})
}

// AddModel is a typed helper that adds or replaces a model entry.
func (s *Store) AddModel(projectID, modelID string, m Model) (Configuration, error) {
	return s.Update(projectID, func(cfg *Configuration) error {
		cfg.Models[modelID] = m
		return nil
	})
}

// UpdateExtension is a typed helper that sets an extension's opaque data.
func (s *Store) UpdateExtension(projectID, name string, data any) (Configuration, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Configuration{}, apperrors.Wrap(err, apperrors.ErrorTypeInvalidInput, "marshal extension data")
	}
	return s.Update(projectID, func(cfg *Configuration) error {
		cfg.Extensions[name] = raw
		return nil
	})
}

// Subscribe returns a channel of Configuration values published whenever
// projectID's configuration changes. Backed by internal/eventbus, so a
// slow subscriber loses its oldest buffered updates rather than blocking
// the writer.
func (s *Store) Subscribe(projectID string) <-chan Configuration {
	raw := s.bus.Subscribe(eventbus.TopicConfigurationChanged)
	out := make(chan Configuration, 16)
	go func() {
		defer close(out)
		for evt := range raw {
			if evt.Project != projectID {
				continue
			}
			cfg, ok := evt.Payload.(Configuration)
			if !ok {
				continue
			}
			select {
			case out <- cfg:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- cfg:
				default:
				}
			}
		}
	}()
	return out
}

func (s *Store) persist(cfg *Configuration) error {
	cfg.LastModified = time.Now().UTC()
	body, err := json.Marshal(cfg)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternalInvariant, "marshal configuration")
	}

	if _, err := s.db.InsertConfiguration(cfg.ProjectID, cfg.Version, string(body)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternalInvariant, "persist configuration")
	}
	if err := s.db.ActivateConfiguration(cfg.ProjectID, cfg.Version); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternalInvariant, "activate configuration")
	}

	s.mu.Lock()
	s.cache[cfg.ProjectID] = *cfg
	s.mu.Unlock()
	return nil
}

func (s *Store) publish(cfg Configuration) {
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicConfigurationChanged, cfg.ProjectID, cfg)
	}
}
