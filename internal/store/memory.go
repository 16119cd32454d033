// Package store — in-memory Store implementation. Used by tests and as a
// local-dev backend; production runs the PostgreSQL implementation.
package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-notebook/open-notebook/internal/repo"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// MemoryStore implements Store with mutex-guarded maps.
type MemoryStore struct {
	mu              sync.RWMutex
	users           map[string]*models.User               // key: id
	secrets         map[string]*models.UserProviderSecret // key: user_id/provider
	notebooks       map[string]*models.Notebook           // key: id
	sources         map[string]*models.Source             // key: id
	chunks          map[string][]*models.Chunk            // key: source_id, index order
	insights        map[string]*models.Insight            // key: id
	transformations map[string]*models.Transformation     // key: id
	notes           map[string]*models.Note               // key: id
	sessions        map[string]*models.ChatSession        // key: id
	messages        map[string][]*models.ChatMessage      // key: session_id, seq order
	episodes        map[string]*models.Episode            // key: id
	episodeProfiles map[string]*models.EpisodeProfile     // key: id
	speakerProfiles map[string]*models.SpeakerProfile     // key: id
	commands        map[string]*models.Command            // key: id
	modelConfigs    map[string]*models.ModelConfig        // key: owner
	notebookSources map[string]map[string]bool            // notebook_id → source_id set

	signals chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:           make(map[string]*models.User),
		secrets:         make(map[string]*models.UserProviderSecret),
		notebooks:       make(map[string]*models.Notebook),
		sources:         make(map[string]*models.Source),
		chunks:          make(map[string][]*models.Chunk),
		insights:        make(map[string]*models.Insight),
		transformations: make(map[string]*models.Transformation),
		notes:           make(map[string]*models.Note),
		sessions:        make(map[string]*models.ChatSession),
		messages:        make(map[string][]*models.ChatMessage),
		episodes:        make(map[string]*models.Episode),
		episodeProfiles: make(map[string]*models.EpisodeProfile),
		speakerProfiles: make(map[string]*models.SpeakerProfile),
		commands:        make(map[string]*models.Command),
		modelConfigs:    make(map[string]*models.ModelConfig),
		notebookSources: make(map[string]map[string]bool),
		signals:         make(chan struct{}, 1),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) MigrationVersion(ctx context.Context) (int, error) {
	return repo.SchemaVersion, nil
}

func (m *MemoryStore) Close() error { return nil }

// signal is the in-memory stand-in for a store notification: non-blocking,
// coalescing.
func (m *MemoryStore) signal() {
	select {
	case m.signals <- struct{}{}:
	default:
	}
}

func now() time.Time { return time.Now().UTC() }

// ── User Store ──────────────────────────────────────────────

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[models.QualifyID("user", id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(email)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "user", Key: email}
}

func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == "" {
		user.ID = models.NewID("user")
	}
	user.Email = strings.ToLower(user.Email)
	user.Created, user.Updated = now(), now()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[user.ID]
	if !ok {
		return &ErrNotFound{Entity: "user", Key: user.ID}
	}
	user.Created = existing.Created
	user.Updated = now()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

// ── Secret Store ────────────────────────────────────────────

func secretKey(userID string, provider models.Provider) string {
	return userID + "/" + string(provider)
}

func (m *MemoryStore) ListSecrets(ctx context.Context, userID string) ([]models.UserProviderSecret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.UserProviderSecret
	for _, s := range m.secrets {
		if s.User == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (m *MemoryStore) GetSecret(ctx context.Context, userID string, provider models.Provider) (*models.UserProviderSecret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[secretKey(userID, provider)]
	if !ok {
		return nil, &ErrNotFound{Entity: "secret", Key: string(provider)}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpsertSecret(ctx context.Context, secret *models.UserProviderSecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := secretKey(secret.User, secret.Provider)
	if existing, ok := m.secrets[key]; ok {
		secret.ID = existing.ID
		secret.Created = existing.Created
	} else {
		if secret.ID == "" {
			secret.ID = models.NewID("user_provider_secret")
		}
		secret.Created = now()
	}
	secret.Updated = now()
	cp := *secret
	m.secrets[key] = &cp
	return nil
}

func (m *MemoryStore) DeleteSecret(ctx context.Context, userID string, provider models.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := secretKey(userID, provider)
	if _, ok := m.secrets[key]; !ok {
		return &ErrNotFound{Entity: "secret", Key: string(provider)}
	}
	delete(m.secrets, key)
	return nil
}

// ── Notebook Store ──────────────────────────────────────────

func (m *MemoryStore) ListNotebooks(ctx context.Context, owner string) ([]models.Notebook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notebook
	for _, n := range m.notebooks {
		if owner == "" || n.Owner == owner {
			out = append(out, *n)
		}
	}
	sortByCreated(out, func(n models.Notebook) (time.Time, string) { return n.Created, n.ID })
	return out, nil
}

func (m *MemoryStore) GetNotebook(ctx context.Context, owner, id string) (*models.Notebook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getNotebookLocked(owner, id)
}

func (m *MemoryStore) getNotebookLocked(owner, id string) (*models.Notebook, error) {
	n, ok := m.notebooks[models.QualifyID("notebook", id)]
	if !ok || (owner != "" && n.Owner != owner) {
		return nil, &ErrNotFound{Entity: "notebook", Key: id}
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) CreateNotebook(ctx context.Context, notebook *models.Notebook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if notebook.ID == "" {
		notebook.ID = models.NewID("notebook")
	}
	notebook.Created, notebook.Updated = now(), now()
	cp := *notebook
	m.notebooks[notebook.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateNotebook(ctx context.Context, notebook *models.Notebook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.notebooks[notebook.ID]
	if !ok || existing.Owner != notebook.Owner {
		return &ErrNotFound{Entity: "notebook", Key: notebook.ID}
	}
	notebook.Created = existing.Created
	notebook.Updated = now()
	cp := *notebook
	m.notebooks[notebook.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteNotebook(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id = models.QualifyID("notebook", id)
	n, ok := m.notebooks[id]
	if !ok || (owner != "" && n.Owner != owner) {
		return &ErrNotFound{Entity: "notebook", Key: id}
	}
	delete(m.notebooks, id)
	delete(m.notebookSources, id)
	return nil
}

func (m *MemoryStore) AddSourceToNotebook(ctx context.Context, notebookID, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	notebookID = models.QualifyID("notebook", notebookID)
	sourceID = models.QualifyID("source", sourceID)
	if _, ok := m.notebooks[notebookID]; !ok {
		return &ErrNotFound{Entity: "notebook", Key: notebookID}
	}
	if _, ok := m.sources[sourceID]; !ok {
		return &ErrNotFound{Entity: "source", Key: sourceID}
	}
	if m.notebookSources[notebookID] == nil {
		m.notebookSources[notebookID] = make(map[string]bool)
	}
	m.notebookSources[notebookID][sourceID] = true
	return nil
}

func (m *MemoryStore) RemoveSourceFromNotebook(ctx context.Context, notebookID, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	notebookID = models.QualifyID("notebook", notebookID)
	if set := m.notebookSources[notebookID]; set != nil {
		delete(set, models.QualifyID("source", sourceID))
	}
	return nil
}

func (m *MemoryStore) ListNotebookSources(ctx context.Context, owner, notebookID string) ([]models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.getNotebookLocked(owner, notebookID); err != nil {
		return nil, err
	}
	var out []models.Source
	for sourceID := range m.notebookSources[models.QualifyID("notebook", notebookID)] {
		if s, ok := m.sources[sourceID]; ok {
			out = append(out, *s)
		}
	}
	sortByCreated(out, func(s models.Source) (time.Time, string) { return s.Created, s.ID })
	return out, nil
}

// ── Source Store ────────────────────────────────────────────

func (m *MemoryStore) ListSources(ctx context.Context, owner string) ([]models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Source
	for _, s := range m.sources {
		if owner == "" || s.Owner == owner {
			out = append(out, *s)
		}
	}
	sortByCreated(out, func(s models.Source) (time.Time, string) { return s.Created, s.ID })
	return out, nil
}

func (m *MemoryStore) GetSource(ctx context.Context, owner, id string) (*models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[models.QualifyID("source", id)]
	if !ok || (owner != "" && s.Owner != owner) {
		return nil, &ErrNotFound{Entity: "source", Key: id}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CreateSource(ctx context.Context, source *models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if source.ID == "" {
		source.ID = models.NewID("source")
	}
	if source.Status == "" {
		source.Status = models.SourceQueued
	}
	source.Created, source.Updated = now(), now()
	cp := *source
	m.sources[source.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSource(ctx context.Context, source *models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sources[source.ID]
	if !ok {
		return &ErrNotFound{Entity: "source", Key: source.ID}
	}
	source.Created = existing.Created
	source.Updated = now()
	cp := *source
	m.sources[source.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteSource(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id = models.QualifyID("source", id)
	s, ok := m.sources[id]
	if !ok || (owner != "" && s.Owner != owner) {
		return &ErrNotFound{Entity: "source", Key: id}
	}
	delete(m.sources, id)
	delete(m.chunks, id)
	for insightID, ins := range m.insights {
		if ins.Source == id {
			delete(m.insights, insightID)
		}
	}
	for _, set := range m.notebookSources {
		delete(set, id)
	}
	return nil
}

func (m *MemoryStore) SetSourceStatus(ctx context.Context, id string, status models.SourceStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[models.QualifyID("source", id)]
	if !ok {
		return &ErrNotFound{Entity: "source", Key: id}
	}
	s.Status = status
	s.ErrorMessage = errorMessage
	s.Updated = now()
	return nil
}

func (m *MemoryStore) SearchSourcesText(ctx context.Context, owner, query string, limit int) ([]models.Source, error) {
	query = strings.ToLower(query)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Source
	for _, s := range m.sources {
		if owner != "" && s.Owner != owner {
			continue
		}
		if strings.Contains(strings.ToLower(s.Title), query) ||
			strings.Contains(strings.ToLower(s.FullText), query) {
			out = append(out, *s)
		}
	}
	sortByCreated(out, func(s models.Source) (time.Time, string) { return s.Created, s.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Chunk Store ─────────────────────────────────────────────

func (m *MemoryStore) ListChunks(ctx context.Context, sourceID string) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.chunks[models.QualifyID("source", sourceID)]
	out := make([]models.Chunk, len(stored))
	for i, c := range stored {
		out[i] = *c
	}
	return out, nil
}

func (m *MemoryStore) DeleteChunks(ctx context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, models.QualifyID("source", sourceID))
	return nil
}

func (m *MemoryStore) CreateChunks(ctx context.Context, chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = models.NewID("chunk")
		}
		cp := c
		m.chunks[c.Source] = append(m.chunks[c.Source], &cp)
	}
	for sourceID := range m.chunks {
		sort.Slice(m.chunks[sourceID], func(i, j int) bool {
			return m.chunks[sourceID][i].Index < m.chunks[sourceID][j].Index
		})
	}
	return nil
}

func (m *MemoryStore) CountEmbeddedChunks(ctx context.Context, sourceID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.chunks[models.QualifyID("source", sourceID)] {
		if len(c.Embedding) > 0 {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) SearchChunksByVector(ctx context.Context, owner string, vector []float32, limit int) ([]ScoredChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ScoredChunk
	for sourceID, chunks := range m.chunks {
		src, ok := m.sources[sourceID]
		if !ok || (owner != "" && src.Owner != owner) {
			continue
		}
		for _, c := range chunks {
			if len(c.Embedding) == 0 {
				continue
			}
			out = append(out, ScoredChunk{Chunk: *c, Score: cosineSimilarity(vector, c.Embedding)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ── Insight Store ───────────────────────────────────────────

func (m *MemoryStore) ListInsights(ctx context.Context, owner, sourceID string) ([]models.Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sourceID = models.QualifyID("source", sourceID)
	if src, ok := m.sources[sourceID]; !ok || (owner != "" && src.Owner != owner) {
		return nil, &ErrNotFound{Entity: "source", Key: sourceID}
	}
	var out []models.Insight
	for _, ins := range m.insights {
		if ins.Source == sourceID {
			out = append(out, *ins)
		}
	}
	sortByCreated(out, func(i models.Insight) (time.Time, string) { return i.Created, i.ID })
	return out, nil
}

func (m *MemoryStore) CreateInsight(ctx context.Context, insight *models.Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if insight.ID == "" {
		insight.ID = models.NewID("insight")
	}
	insight.Created = now()
	cp := *insight
	m.insights[insight.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteInsights(ctx context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sourceID = models.QualifyID("source", sourceID)
	for id, ins := range m.insights {
		if ins.Source == sourceID {
			delete(m.insights, id)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteInsightsByTransformation(ctx context.Context, sourceID, transformationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sourceID = models.QualifyID("source", sourceID)
	for id, ins := range m.insights {
		if ins.Source == sourceID && ins.Transformation == transformationID {
			delete(m.insights, id)
		}
	}
	return nil
}

// ── Transformation Store ────────────────────────────────────

func (m *MemoryStore) ListTransformations(ctx context.Context, owner string) ([]models.Transformation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Transformation
	for _, tr := range m.transformations {
		if tr.Owner == "" || owner == "" || tr.Owner == owner {
			out = append(out, *tr)
		}
	}
	sortByCreated(out, func(t models.Transformation) (time.Time, string) { return t.Created, t.ID })
	return out, nil
}

func (m *MemoryStore) GetTransformation(ctx context.Context, owner, id string) (*models.Transformation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.transformations[models.QualifyID("transformation", id)]
	if !ok || (tr.Owner != "" && owner != "" && tr.Owner != owner) {
		return nil, &ErrNotFound{Entity: "transformation", Key: id}
	}
	cp := *tr
	return &cp, nil
}

func (m *MemoryStore) CreateTransformation(ctx context.Context, transformation *models.Transformation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if transformation.ID == "" {
		transformation.ID = models.NewID("transformation")
	}
	transformation.Created, transformation.Updated = now(), now()
	cp := *transformation
	m.transformations[transformation.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateTransformation(ctx context.Context, transformation *models.Transformation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.transformations[transformation.ID]
	if !ok || (existing.Owner != "" && existing.Owner != transformation.Owner) {
		return &ErrNotFound{Entity: "transformation", Key: transformation.ID}
	}
	transformation.Created = existing.Created
	transformation.Updated = now()
	cp := *transformation
	m.transformations[transformation.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteTransformation(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id = models.QualifyID("transformation", id)
	tr, ok := m.transformations[id]
	if !ok || (tr.Owner != "" && owner != "" && tr.Owner != owner) {
		return &ErrNotFound{Entity: "transformation", Key: id}
	}
	delete(m.transformations, id)
	return nil
}

// ── Note Store ──────────────────────────────────────────────

func (m *MemoryStore) ListNotes(ctx context.Context, owner, notebookID string) ([]models.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	notebookID = models.QualifyID("notebook", notebookID)
	var out []models.Note
	for _, n := range m.notes {
		if n.Notebook == notebookID && (owner == "" || n.Owner == owner) {
			out = append(out, *n)
		}
	}
	sortByCreated(out, func(n models.Note) (time.Time, string) { return n.Created, n.ID })
	return out, nil
}

func (m *MemoryStore) GetNote(ctx context.Context, owner, id string) (*models.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notes[models.QualifyID("note", id)]
	if !ok || (owner != "" && n.Owner != owner) {
		return nil, &ErrNotFound{Entity: "note", Key: id}
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) CreateNote(ctx context.Context, note *models.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if note.ID == "" {
		note.ID = models.NewID("note")
	}
	note.Created, note.Updated = now(), now()
	cp := *note
	m.notes[note.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateNote(ctx context.Context, note *models.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.notes[note.ID]
	if !ok || existing.Owner != note.Owner {
		return &ErrNotFound{Entity: "note", Key: note.ID}
	}
	note.Created = existing.Created
	note.Updated = now()
	cp := *note
	m.notes[note.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteNote(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id = models.QualifyID("note", id)
	n, ok := m.notes[id]
	if !ok || (owner != "" && n.Owner != owner) {
		return &ErrNotFound{Entity: "note", Key: id}
	}
	delete(m.notes, id)
	return nil
}

// ── Chat Store ──────────────────────────────────────────────

func (m *MemoryStore) ListChatSessions(ctx context.Context, owner, notebookID string) ([]models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	notebookID = models.QualifyID("notebook", notebookID)
	var out []models.ChatSession
	for _, s := range m.sessions {
		if s.Notebook == notebookID && (owner == "" || s.Owner == owner) {
			out = append(out, *s)
		}
	}
	sortByCreated(out, func(s models.ChatSession) (time.Time, string) { return s.Created, s.ID })
	return out, nil
}

func (m *MemoryStore) GetChatSession(ctx context.Context, owner, id string) (*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[models.QualifyID("chat_session", id)]
	if !ok || (owner != "" && s.Owner != owner) {
		return nil, &ErrNotFound{Entity: "chat_session", Key: id}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CreateChatSession(ctx context.Context, session *models.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == "" {
		session.ID = models.NewID("chat_session")
	}
	session.Created, session.Updated = now(), now()
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteChatSession(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id = models.QualifyID("chat_session", id)
	s, ok := m.sessions[id]
	if !ok || (owner != "" && s.Owner != owner) {
		return &ErrNotFound{Entity: "chat_session", Key: id}
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) AppendChatMessage(ctx context.Context, message *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[message.Session]
	if !ok {
		return &ErrNotFound{Entity: "chat_session", Key: message.Session}
	}
	if message.ID == "" {
		message.ID = models.NewID("chat_message")
	}
	message.Seq = len(m.messages[message.Session]) + 1
	message.Created = now()
	cp := *message
	m.messages[message.Session] = append(m.messages[message.Session], &cp)
	session.Updated = now()
	return nil
}

func (m *MemoryStore) ListChatMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.messages[models.QualifyID("chat_session", sessionID)]
	out := make([]models.ChatMessage, len(stored))
	for i, msg := range stored {
		out[i] = *msg
	}
	return out, nil
}

// ── Episode Store ───────────────────────────────────────────

func (m *MemoryStore) ListEpisodes(ctx context.Context, owner string) ([]models.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Episode
	for _, e := range m.episodes {
		if owner == "" || e.Owner == owner {
			out = append(out, *e)
		}
	}
	sortByCreated(out, func(e models.Episode) (time.Time, string) { return e.Created, e.ID })
	return out, nil
}

func (m *MemoryStore) GetEpisode(ctx context.Context, owner, id string) (*models.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.episodes[models.QualifyID("episode", id)]
	if !ok || (owner != "" && e.Owner != owner) {
		return nil, &ErrNotFound{Entity: "episode", Key: id}
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) CreateEpisode(ctx context.Context, episode *models.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if episode.ID == "" {
		episode.ID = models.NewID("episode")
	}
	if episode.Status == "" {
		episode.Status = models.EpisodeQueued
	}
	episode.Created, episode.Updated = now(), now()
	cp := *episode
	m.episodes[episode.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateEpisode(ctx context.Context, episode *models.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.episodes[episode.ID]
	if !ok {
		return &ErrNotFound{Entity: "episode", Key: episode.ID}
	}
	episode.Created = existing.Created
	episode.Updated = now()
	cp := *episode
	m.episodes[episode.ID] = &cp
	return nil
}

func (m *MemoryStore) ListEpisodeProfiles(ctx context.Context, owner string) ([]models.EpisodeProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EpisodeProfile
	for _, p := range m.episodeProfiles {
		if p.Owner == "" || owner == "" || p.Owner == owner {
			out = append(out, *p)
		}
	}
	sortByCreated(out, func(p models.EpisodeProfile) (time.Time, string) { return p.Created, p.ID })
	return out, nil
}

func (m *MemoryStore) GetEpisodeProfile(ctx context.Context, owner, id string) (*models.EpisodeProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.episodeProfiles[models.QualifyID("episode_profile", id)]
	if !ok || (p.Owner != "" && owner != "" && p.Owner != owner) {
		return nil, &ErrNotFound{Entity: "episode_profile", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateEpisodeProfile(ctx context.Context, profile *models.EpisodeProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if profile.ID == "" {
		profile.ID = models.NewID("episode_profile")
	}
	profile.Created, profile.Updated = now(), now()
	cp := *profile
	m.episodeProfiles[profile.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSpeakerProfiles(ctx context.Context, owner string) ([]models.SpeakerProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SpeakerProfile
	for _, p := range m.speakerProfiles {
		if p.Owner == "" || owner == "" || p.Owner == owner {
			out = append(out, *p)
		}
	}
	sortByCreated(out, func(p models.SpeakerProfile) (time.Time, string) { return p.Created, p.ID })
	return out, nil
}

func (m *MemoryStore) GetSpeakerProfile(ctx context.Context, owner, id string) (*models.SpeakerProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.speakerProfiles[models.QualifyID("speaker_profile", id)]
	if !ok || (p.Owner != "" && owner != "" && p.Owner != owner) {
		return nil, &ErrNotFound{Entity: "speaker_profile", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateSpeakerProfile(ctx context.Context, profile *models.SpeakerProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if profile.ID == "" {
		profile.ID = models.NewID("speaker_profile")
	}
	profile.Created, profile.Updated = now(), now()
	cp := *profile
	m.speakerProfiles[profile.ID] = &cp
	return nil
}

// ── Command Store ───────────────────────────────────────────

func (m *MemoryStore) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[models.QualifyID("command", id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "command", Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateCommand(ctx context.Context, command *models.Command) error {
	m.mu.Lock()
	if command.ID == "" {
		command.ID = models.NewID("command")
	}
	if command.Status == "" {
		command.Status = models.CommandNew
	}
	command.Created, command.Updated = now(), now()
	cp := *command
	m.commands[command.ID] = &cp
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *MemoryStore) ClaimNextCommand(ctx context.Context, workerID string) (*models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *models.Command
	for _, c := range m.commands {
		if c.Status != models.CommandNew {
			continue
		}
		if oldest == nil || c.Created.Before(oldest.Created) ||
			(c.Created.Equal(oldest.Created) && c.ID < oldest.ID) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, nil
	}
	claimed := now()
	oldest.Status = models.CommandRunning
	oldest.ClaimedAt = &claimed
	oldest.ClaimedBy = workerID
	oldest.Attempts++
	oldest.Updated = claimed
	cp := *oldest
	return &cp, nil
}

func (m *MemoryStore) ClaimCommand(ctx context.Context, id, workerID string) (*models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[models.QualifyID("command", id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "command", Key: id}
	}
	if c.Status != models.CommandNew {
		return nil, nil
	}
	claimed := now()
	c.Status = models.CommandRunning
	c.ClaimedAt = &claimed
	c.ClaimedBy = workerID
	c.Attempts++
	c.Updated = claimed
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CompleteCommand(ctx context.Context, id string, result map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[models.QualifyID("command", id)]
	if !ok {
		return &ErrNotFound{Entity: "command", Key: id}
	}
	c.Status = models.CommandComplete
	c.Result = result
	c.ErrorMessage = ""
	c.Updated = now()
	return nil
}

func (m *MemoryStore) FailCommand(ctx context.Context, id, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[models.QualifyID("command", id)]
	if !ok {
		return &ErrNotFound{Entity: "command", Key: id}
	}
	c.Status = models.CommandFailed
	c.ErrorMessage = errorMessage
	c.Updated = now()
	return nil
}

func (m *MemoryStore) CancelCommand(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[models.QualifyID("command", id)]
	if !ok {
		return &ErrNotFound{Entity: "command", Key: id}
	}
	if c.Status != models.CommandNew {
		return ErrConflict
	}
	c.Status = models.CommandFailed
	c.ErrorMessage = "cancelled"
	c.Updated = now()
	return nil
}

func (m *MemoryStore) CountActiveCommandsForSource(ctx context.Context, sourceID string) (int, error) {
	sourceID = models.QualifyID("source", sourceID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.commands {
		if (c.Status == models.CommandNew || c.Status == models.CommandRunning) &&
			c.InputString("source_id") == sourceID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ReapExpiredCommands(ctx context.Context, lease time.Duration, maxAttempts int) (int, []models.Command, error) {
	cutoff := now().Add(-lease)
	var reset int
	var failed []models.Command

	m.mu.Lock()
	for _, c := range m.commands {
		if c.Status != models.CommandRunning || c.ClaimedAt == nil || !c.ClaimedAt.Before(cutoff) {
			continue
		}
		if c.Attempts >= maxAttempts {
			c.Status = models.CommandFailed
			c.ErrorMessage = "lease expired, retry budget exhausted"
			c.Updated = now()
			failed = append(failed, *c)
		} else {
			c.Status = models.CommandNew
			c.ClaimedAt = nil
			c.ClaimedBy = ""
			c.Updated = now()
			reset++
		}
	}
	m.mu.Unlock()

	if reset > 0 {
		m.signal()
	}
	return reset, failed, nil
}

func (m *MemoryStore) CommandSignals() <-chan struct{} { return m.signals }

// ── ModelConfig Store ───────────────────────────────────────

func (m *MemoryStore) GetModelConfig(ctx context.Context, owner string) (*models.ModelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.modelConfigs[owner]
	if !ok {
		return nil, &ErrNotFound{Entity: "model_config", Key: owner}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpsertModelConfig(ctx context.Context, config *models.ModelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.modelConfigs[config.Owner]; ok {
		config.ID = existing.ID
	} else if config.ID == "" {
		config.ID = models.NewID("model_config")
	}
	config.Updated = now()
	cp := *config
	m.modelConfigs[config.Owner] = &cp
	return nil
}

// ── Admin Store ─────────────────────────────────────────────

func (m *MemoryStore) ListUsers(ctx context.Context) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sortByCreated(out, func(u models.User) (time.Time, string) { return u.Created, u.ID })
	return out, nil
}

func (m *MemoryStore) WipeUserData(ctx context.Context, userID string) error {
	userID = models.QualifyID("user", userID)
	m.mu.Lock()
	defer m.mu.Unlock()

	// Deletion order: notebooks, sources, chunks, insights, chat
	// sessions, episodes, provider secrets.
	for id, n := range m.notebooks {
		if n.Owner == userID {
			delete(m.notebooks, id)
			delete(m.notebookSources, id)
		}
	}
	for id, s := range m.sources {
		if s.Owner == userID {
			delete(m.sources, id)
			delete(m.chunks, id)
			for insightID, ins := range m.insights {
				if ins.Source == id {
					delete(m.insights, insightID)
				}
			}
		}
	}
	for id, s := range m.sessions {
		if s.Owner == userID {
			delete(m.sessions, id)
			delete(m.messages, id)
		}
	}
	for id, e := range m.episodes {
		if e.Owner == userID {
			delete(m.episodes, id)
		}
	}
	for key, s := range m.secrets {
		if s.User == userID {
			delete(m.secrets, key)
		}
	}
	for id, n := range m.notes {
		if n.Owner == userID {
			delete(m.notes, id)
		}
	}
	delete(m.modelConfigs, userID)
	return nil
}

// ── helpers ─────────────────────────────────────────────────

func sortByCreated[T any](s []T, key func(T) (time.Time, string)) {
	sort.Slice(s, func(i, j int) bool {
		ti, idi := key(s[i])
		tj, idj := key(s[j])
		if ti.Equal(tj) {
			return idi < idj
		}
		return ti.Before(tj)
	})
}
