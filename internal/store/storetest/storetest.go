// Package storetest provides in-memory implementations of the store
// interfaces for tests. Semantics follow the Postgres stores except for the
// staleness rule, which lives in SQL; tests mark environments stale
// explicitly with MarkStale.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// Bundle holds the concrete fakes so tests can seed and inspect them.
type Bundle struct {
	Conversations *Conversations
	Sessions      *Sessions
	Codebases     *Codebases
	Templates     *Templates
	Envs          *Envs
	Runs          *Runs
}

func New() *Bundle {
	return &Bundle{
		Conversations: &Conversations{items: map[uuid.UUID]store.Conversation{}},
		Sessions:      &Sessions{items: map[uuid.UUID]store.Session{}},
		Codebases:     &Codebases{items: map[uuid.UUID]store.Codebase{}},
		Templates:     &Templates{items: map[string]store.CommandTemplate{}},
		Envs:          &Envs{items: map[uuid.UUID]store.IsolationEnvironment{}, stale: map[uuid.UUID]bool{}},
		Runs:          &Runs{items: map[uuid.UUID]store.WorkflowRun{}},
	}
}

// Stores returns the bundle as the injection struct the code under test takes.
func (b *Bundle) Stores() store.Stores {
	return store.Stores{
		Conversations: b.Conversations,
		Sessions:      b.Sessions,
		Codebases:     b.Codebases,
		Templates:     b.Templates,
		Envs:          b.Envs,
		Runs:          b.Runs,
	}
}

// Conversations implements store.ConversationStore in memory.
type Conversations struct {
	mu    sync.Mutex
	items map[uuid.UUID]store.Conversation
}

// Add seeds a row, assigning an id when missing, and returns the stored copy.
func (s *Conversations) Add(c store.Conversation) store.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = store.NewID()
	}
	s.items[c.ID] = c
	return c
}

func (s *Conversations) FindByPlatform(_ context.Context, platformType, platformConversationID string) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.items {
		if c.PlatformType == platformType && c.PlatformConversationID == platformConversationID {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Conversations) Create(_ context.Context, c *store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = store.NewID()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt, c.LastActivityAt = now, now, now
	s.items[c.ID] = *c
	return nil
}

func (s *Conversations) Get(_ context.Context, id uuid.UUID) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Conversations) Update(_ context.Context, id uuid.UUID, patch store.ConversationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return store.ErrConversationNotFound
	}
	if patch.AssistantType != nil {
		c.AssistantType = *patch.AssistantType
	}
	if patch.Cwd != nil {
		c.Cwd = *patch.Cwd
	}
	if patch.CodebaseID != nil {
		c.CodebaseID = patch.CodebaseID
	}
	if patch.ClearCodebase {
		c.CodebaseID = nil
	}
	if patch.IsolationEnvID != nil {
		c.IsolationEnvID = patch.IsolationEnvID
	}
	if patch.ClearIsolationEnv {
		c.IsolationEnvID = nil
	}
	c.UpdatedAt = time.Now()
	s.items[id] = c
	return nil
}

func (s *Conversations) TouchActivity(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return store.ErrConversationNotFound
	}
	c.LastActivityAt = time.Now()
	s.items[id] = c
	return nil
}

func (s *Conversations) FindByEnv(_ context.Context, envID uuid.UUID) ([]store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Conversation
	for _, c := range s.items {
		if c.IsolationEnvID != nil && *c.IsolationEnvID == envID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Conversations) ClearCodebaseRefs(_ context.Context, codebaseID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.items {
		if c.CodebaseID != nil && *c.CodebaseID == codebaseID {
			c.CodebaseID = nil
			c.IsolationEnvID = nil
			c.Cwd = ""
			s.items[id] = c
		}
	}
	return nil
}

func (s *Conversations) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

// Sessions implements store.SessionStore in memory.
type Sessions struct {
	mu      sync.Mutex
	items   map[uuid.UUID]store.Session
	created int
}

func (s *Sessions) GetActive(_ context.Context, conversationID uuid.UUID) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.items {
		if sess.ConversationID == conversationID && sess.Active {
			sess := sess
			return &sess, nil
		}
	}
	return nil, nil
}

func (s *Sessions) Create(_ context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == uuid.Nil {
		sess.ID = store.NewID()
	}
	sess.Active = true
	sess.StartedAt = time.Now()
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	s.items[sess.ID] = *sess
	s.created++
	return nil
}

func (s *Sessions) DeactivateForConversation(_ context.Context, conversationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, sess := range s.items {
		if sess.ConversationID == conversationID && sess.Active {
			sess.Active = false
			sess.EndedAt = &now
			s.items[id] = sess
		}
	}
	return nil
}

func (s *Sessions) SetAssistantSessionID(_ context.Context, id uuid.UUID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.AssistantSessionID = token
	s.items[id] = sess
	return nil
}

func (s *Sessions) MergeMetadata(_ context.Context, id uuid.UUID, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	merged := map[string]any{}
	for k, v := range sess.Metadata {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	sess.Metadata = merged
	s.items[id] = sess
	return nil
}

func (s *Sessions) ClearCodebaseRefs(_ context.Context, codebaseID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.items {
		if sess.CodebaseID != nil && *sess.CodebaseID == codebaseID {
			sess.CodebaseID = nil
			s.items[id] = sess
		}
	}
	return nil
}

// CreatedCount reports how many sessions Create has made.
func (s *Sessions) CreatedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// Codebases implements store.CodebaseStore in memory.
type Codebases struct {
	mu    sync.Mutex
	items map[uuid.UUID]store.Codebase
}

// Add seeds a row, assigning an id when missing, and returns the stored copy.
func (s *Codebases) Add(c store.Codebase) store.Codebase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = store.NewID()
	}
	if c.Commands == nil {
		c.Commands = map[string]store.CommandRef{}
	}
	s.items[c.ID] = c
	return c
}

func (s *Codebases) Create(_ context.Context, c *store.Codebase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = store.NewID()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Commands == nil {
		c.Commands = map[string]store.CommandRef{}
	}
	s.items[c.ID] = *c
	return nil
}

func (s *Codebases) Get(_ context.Context, id uuid.UUID) (*store.Codebase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Codebases) findOne(match func(*store.Codebase) bool) (*store.Codebase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.items {
		if match(&c) {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Codebases) FindByName(_ context.Context, name string) (*store.Codebase, error) {
	return s.findOne(func(c *store.Codebase) bool { return c.Name == name })
}

func (s *Codebases) FindByURL(_ context.Context, repositoryURL string) (*store.Codebase, error) {
	return s.findOne(func(c *store.Codebase) bool { return c.RepositoryURL == repositoryURL })
}

func (s *Codebases) FindByDefaultCwd(_ context.Context, cwd string) (*store.Codebase, error) {
	return s.findOne(func(c *store.Codebase) bool { return c.DefaultCwd == cwd })
}

func (s *Codebases) List(_ context.Context) ([]store.Codebase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Codebase, 0, len(s.items))
	for _, c := range s.items {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Codebases) SetCommands(_ context.Context, id uuid.UUID, commands map[string]store.CommandRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	copied := map[string]store.CommandRef{}
	for k, v := range commands {
		copied[k] = v
	}
	c.Commands = copied
	c.UpdatedAt = time.Now()
	s.items[id] = c
	return nil
}

func (s *Codebases) SetAssistantType(_ context.Context, id uuid.UUID, t store.AssistantType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	c.AssistantType = t
	s.items[id] = c
	return nil
}

func (s *Codebases) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

// Templates implements store.TemplateStore in memory, keyed by name.
type Templates struct {
	mu    sync.Mutex
	items map[string]store.CommandTemplate
}

func (s *Templates) Upsert(_ context.Context, t *store.CommandTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.items[t.Name]; ok {
		t.ID = existing.ID
		t.CreatedAt = existing.CreatedAt
	} else {
		t.ID = store.NewID()
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.items[t.Name] = *t
	return nil
}

func (s *Templates) FindByName(_ context.Context, name string) (*store.CommandTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.items[name]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Templates) List(_ context.Context) ([]store.CommandTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CommandTemplate, 0, len(s.items))
	for _, t := range s.items {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Templates) DeleteByName(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[name]; !ok {
		return store.ErrNotFound
	}
	delete(s.items, name)
	return nil
}

// Envs implements store.EnvStore in memory.
type Envs struct {
	mu    sync.Mutex
	items map[uuid.UUID]store.IsolationEnvironment
	stale map[uuid.UUID]bool
}

// Add seeds a row, assigning an id when missing, and returns the stored copy.
func (s *Envs) Add(e store.IsolationEnvironment) store.IsolationEnvironment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = store.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	s.items[e.ID] = e
	return e
}

// MarkStale makes FindStaleEnvironments return the env. The real rule lives
// in SQL; tests pick the stale set by hand.
func (s *Envs) MarkStale(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale[id] = true
}

func (s *Envs) Create(_ context.Context, e *store.IsolationEnvironment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = store.NewID()
	}
	if e.Provider == "" {
		e.Provider = "worktree"
	}
	if e.Status == "" {
		e.Status = store.EnvActive
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.CreatedAt = time.Now()
	s.items[e.ID] = *e
	return nil
}

func (s *Envs) Get(_ context.Context, id uuid.UUID) (*store.IsolationEnvironment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (s *Envs) FindByWorkflow(_ context.Context, codebaseID uuid.UUID, wt store.WorkflowType, workflowID string) (*store.IsolationEnvironment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.items {
		if e.CodebaseID == codebaseID && e.WorkflowType == wt && e.WorkflowID == workflowID && e.Status == store.EnvActive {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func (s *Envs) FindActiveWithRelatedIssue(_ context.Context, codebaseID uuid.UUID, issues []int) (*store.IsolationEnvironment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.items {
		if e.CodebaseID != codebaseID || e.Status != store.EnvActive {
			continue
		}
		for _, have := range e.RelatedIssues() {
			for _, want := range issues {
				if have == want {
					e := e
					return &e, nil
				}
			}
		}
	}
	return nil, nil
}

func (s *Envs) active(match func(*store.IsolationEnvironment) bool) []store.IsolationEnvironment {
	var out []store.IsolationEnvironment
	for _, e := range s.items {
		if e.Status == store.EnvActive && match(&e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Envs) FindActiveByCodebase(_ context.Context, codebaseID uuid.UUID) ([]store.IsolationEnvironment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active(func(e *store.IsolationEnvironment) bool { return e.CodebaseID == codebaseID }), nil
}

func (s *Envs) FindAllActive(_ context.Context) ([]store.IsolationEnvironment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active(func(*store.IsolationEnvironment) bool { return true }), nil
}

func (s *Envs) CountActive(_ context.Context, codebaseID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.items {
		if e.CodebaseID == codebaseID && e.Status == store.EnvActive {
			n++
		}
	}
	return n, nil
}

func (s *Envs) UpdateStatus(_ context.Context, id uuid.UUID, status store.EnvStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return nil
	}
	e.Status = status
	s.items[id] = e
	return nil
}

func (s *Envs) MergeMetadata(_ context.Context, id uuid.UUID, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	merged := map[string]any{}
	for k, v := range e.Metadata {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	e.Metadata = merged
	s.items[id] = e
	return nil
}

func (s *Envs) FindStaleEnvironments(_ context.Context, days int) ([]store.IsolationEnvironment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active(func(e *store.IsolationEnvironment) bool { return s.stale[e.ID] }), nil
}

// Runs implements store.RunStore in memory.
type Runs struct {
	mu    sync.Mutex
	items map[uuid.UUID]store.WorkflowRun
}

func (s *Runs) Create(_ context.Context, r *store.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = store.NewID()
	}
	if r.Status == "" {
		r.Status = store.RunRunning
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	now := time.Now()
	r.StartedAt, r.LastActivityAt = now, now
	s.items[r.ID] = *r
	return nil
}

func (s *Runs) FindRunning(_ context.Context, conversationID uuid.UUID) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.items {
		if r.ConversationID == conversationID && r.Status == store.RunRunning {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (s *Runs) AdvanceStep(_ context.Context, id uuid.UUID, stepIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	r.CurrentStepIndex = stepIndex
	s.items[id] = r
	return nil
}

func (s *Runs) Finish(_ context.Context, id uuid.UUID, status store.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok || r.Status != store.RunRunning {
		return nil
	}
	now := time.Now()
	r.Status = status
	r.CompletedAt = &now
	s.items[id] = r
	return nil
}

func (s *Runs) MergeMetadata(_ context.Context, id uuid.UUID, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	merged := map[string]any{}
	for k, v := range r.Metadata {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	r.Metadata = merged
	s.items[id] = r
	return nil
}

func (s *Runs) TouchActivity(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	r.LastActivityAt = time.Now()
	s.items[id] = r
	return nil
}

// All returns every run, sorted by start time.
func (s *Runs) All() []store.WorkflowRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.WorkflowRun, 0, len(s.items))
	for _, r := range s.items {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
