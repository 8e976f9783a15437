// Package store — in-memory Store implementation.
// Used when DATABASE_URL is unset (local dev, tests). All reads return deep
// copies so callers can never mutate shared state.
package store

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/embeddedllm/jamai/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	orgs     map[string]*models.Organization
	projects map[string]*models.Project
	configs  map[string]*models.ModelConfig
	tables   map[string]*memTable // key: project/type/table
}

type memTable struct {
	schema models.TableSchema
	rows   map[string]models.Row
	order  []string // row ids in insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:     make(map[string]*models.Organization),
		projects: make(map[string]*models.Project),
		configs:  make(map[string]*models.ModelConfig),
		tables:   make(map[string]*memTable),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (s *MemoryStore) Close() error                      { return nil }
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func tableKey(ref TableRef) string {
	return ref.ProjectID + "/" + string(ref.Type) + "/" + ref.TableID
}

// ── Organizations ───────────────────────────────────────────

func (s *MemoryStore) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Organization, 0, len(s.orgs))
	for _, o := range s.orgs {
		out = append(out, *cloneOrg(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "organization", Key: id}
	}
	return cloneOrg(o), nil
}

func (s *MemoryStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; ok {
		return &ErrExists{Entity: "organization", Key: org.ID}
	}
	now := time.Now().UTC()
	org.CreatedAt, org.UpdatedAt = now, now
	s.orgs[org.ID] = cloneOrg(org)
	return nil
}

func (s *MemoryStore) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.orgs[org.ID]
	if !ok {
		return &ErrNotFound{Entity: "organization", Key: org.ID}
	}
	org.CreatedAt = old.CreatedAt
	org.UpdatedAt = time.Now().UTC()
	s.orgs[org.ID] = cloneOrg(org)
	return nil
}

func (s *MemoryStore) DeleteOrganization(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return &ErrNotFound{Entity: "organization", Key: id}
	}
	delete(s.orgs, id)
	return nil
}

func (s *MemoryStore) ApplyUsage(ctx context.Context, deltas []UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deltas {
		org, ok := s.orgs[d.OrgID]
		if !ok {
			continue // org deleted mid-flight; drop its usage
		}
		if org.Quotas == nil {
			org.Quotas = make(map[models.Product]models.Quota)
		}
		for product, amount := range d.Usage {
			q := org.Quotas[product]
			q.Usage += amount
			org.Quotas[product] = q
		}
		org.CreditGrant = math.Max(0, org.CreditGrant-d.GrantSpend)
		org.Credit = math.Max(0, org.Credit-d.CreditSpend)
		org.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// ── Projects ────────────────────────────────────────────────

func (s *MemoryStore) ListProjects(ctx context.Context, orgID string) ([]models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Project
	for _, p := range s.projects {
		if orgID == "" || p.OrganizationID == orgID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	clone := *p
	return &clone, nil
}

func (s *MemoryStore) GetProjectByAPIKey(ctx context.Context, key string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.APIKey != "" && p.APIKey == key {
			clone := *p
			return &clone, nil
		}
	}
	return nil, &ErrNotFound{Entity: "project", Key: "api key"}
}

func (s *MemoryStore) CreateProject(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ID]; ok {
		return &ErrExists{Entity: "project", Key: project.ID}
	}
	now := time.Now().UTC()
	project.CreatedAt, project.UpdatedAt = now, now
	clone := *project
	s.projects[project.ID] = &clone
	return nil
}

func (s *MemoryStore) UpdateProject(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.projects[project.ID]
	if !ok {
		return &ErrNotFound{Entity: "project", Key: project.ID}
	}
	project.CreatedAt = old.CreatedAt
	project.UpdatedAt = time.Now().UTC()
	clone := *project
	s.projects[project.ID] = &clone
	return nil
}

func (s *MemoryStore) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return &ErrNotFound{Entity: "project", Key: id}
	}
	delete(s.projects, id)
	for key := range s.tables {
		if strings.HasPrefix(key, id+"/") {
			delete(s.tables, key)
		}
	}
	return nil
}

// ── Model configs ───────────────────────────────────────────

func (s *MemoryStore) ListModelConfigs(ctx context.Context) ([]models.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ModelConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, *cloneModelConfig(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetModelConfig(ctx context.Context, id string) (*models.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "model", Key: id}
	}
	return cloneModelConfig(c), nil
}

func (s *MemoryStore) UpsertModelConfig(ctx context.Context, cfg *models.ModelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if old, ok := s.configs[cfg.ID]; ok {
		cfg.CreatedAt = old.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	s.configs[cfg.ID] = cloneModelConfig(cfg)
	return nil
}

func (s *MemoryStore) DeleteModelConfig(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return &ErrNotFound{Entity: "model", Key: id}
	}
	delete(s.configs, id)
	return nil
}

func (s *MemoryStore) SetDeploymentCooldown(ctx context.Context, modelID string, deployment int, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[modelID]
	if !ok {
		return &ErrNotFound{Entity: "model", Key: modelID}
	}
	if deployment < 0 || deployment >= len(c.Deployments) {
		return &ErrNotFound{Entity: "deployment", Key: modelID}
	}
	c.Deployments[deployment].CooldownUntil = until
	return nil
}

// ── Tables ──────────────────────────────────────────────────

func (s *MemoryStore) ListTables(ctx context.Context, projectID string, ttype models.TableType, q TableListQuery) ([]models.TableSchema, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := projectID + "/" + string(ttype) + "/"
	var all []models.TableSchema
	for key, t := range s.tables {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if q.ParentID != "" && t.schema.ParentID != q.ParentID {
			continue
		}
		if q.Search != "" && !strings.Contains(strings.ToLower(t.schema.ID), strings.ToLower(q.Search)) {
			continue
		}
		all = append(all, *cloneSchema(&t.schema))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	total := len(all)
	all = pageSlice(all, q.Offset, q.Limit)
	return all, total, nil
}

func (s *MemoryStore) GetTable(ctx context.Context, ref TableRef) (*models.TableSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return nil, &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	return cloneSchema(&t.schema), nil
}

func (s *MemoryStore) CreateTable(ctx context.Context, ref TableRef, schema *models.TableSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tableKey(ref)
	if _, ok := s.tables[key]; ok {
		return &ErrExists{Entity: "table", Key: ref.TableID}
	}
	schema.UpdatedAt = time.Now().UTC()
	s.tables[key] = &memTable{
		schema: *cloneSchema(schema),
		rows:   make(map[string]models.Row),
	}
	return nil
}

func (s *MemoryStore) UpdateTable(ctx context.Context, ref TableRef, schema *models.TableSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	schema.UpdatedAt = time.Now().UTC()
	t.schema = *cloneSchema(schema)
	return nil
}

func (s *MemoryStore) DeleteTable(ctx context.Context, ref TableRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tableKey(ref)
	if _, ok := s.tables[key]; !ok {
		return &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	delete(s.tables, key)
	return nil
}

func (s *MemoryStore) RenameTable(ctx context.Context, ref TableRef, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	newRef := TableRef{ProjectID: ref.ProjectID, Type: ref.Type, TableID: newID}
	if _, ok := s.tables[tableKey(newRef)]; ok {
		return &ErrExists{Entity: "table", Key: newID}
	}
	delete(s.tables, tableKey(ref))
	t.schema.ID = newID
	t.schema.UpdatedAt = time.Now().UTC()
	s.tables[tableKey(newRef)] = t
	return nil
}

func (s *MemoryStore) RenameColumns(ctx context.Context, ref TableRef, schema *models.TableSchema, renames map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	for _, r := range t.rows {
		for from, to := range renames {
			if cell, ok := r[from]; ok {
				r[to] = cell
				delete(r, from)
			}
		}
	}
	schema.UpdatedAt = time.Now().UTC()
	t.schema = *cloneSchema(schema)
	return nil
}

func (s *MemoryStore) CountRows(ctx context.Context, ref TableRef) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return 0, &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	return len(t.rows), nil
}

// ── Rows ────────────────────────────────────────────────────

func (s *MemoryStore) InsertRows(ctx context.Context, ref TableRef, rows []models.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	for _, r := range rows {
		if r.ID() == "" {
			return &ErrNotFound{Entity: "row id", Key: ref.TableID}
		}
	}
	for _, r := range rows {
		id := r.ID()
		if _, exists := t.rows[id]; !exists {
			t.order = append(t.order, id)
		}
		t.rows[id] = cloneRow(r)
	}
	t.schema.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetRow(ctx context.Context, ref TableRef, rowID string) (models.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return nil, &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	r, ok := t.rows[rowID]
	if !ok {
		return nil, &ErrNotFound{Entity: "row", Key: rowID}
	}
	return cloneRow(r), nil
}

func (s *MemoryStore) UpdateRow(ctx context.Context, ref TableRef, rowID string, cells map[string]models.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return &ErrNotFound{Entity: "table", Key: ref.TableID}
	}
	r, ok := t.rows[rowID]
	if !ok {
		return &ErrNotFound{Entity: "row", Key: rowID}
	}
	for col, cell := range cells {
		r[col] = cloneCell(cell)
	}
	r[models.ColUpdatedAt] = models.Cell{Value: time.Now().UTC().Format(time.RFC3339Nano)}
	t.schema.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteRows(ctx context.Context, ref TableRef, rowIDs []string, filter *Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return &ErrNotFound{Entity: "table", Key: ref.TableID}
	}

	doomed := make(map[string]bool)
	if len(rowIDs) > 0 {
		for _, id := range rowIDs {
			doomed[id] = true
		}
	} else {
		for id, r := range t.rows {
			if filter.Match(r) {
				doomed[id] = true
			}
		}
	}
	if len(doomed) == 0 {
		return nil
	}

	for id := range doomed {
		delete(t.rows, id)
	}
	kept := t.order[:0]
	for _, id := range t.order {
		if !doomed[id] {
			kept = append(kept, id)
		}
	}
	t.order = kept
	t.schema.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRows(ctx context.Context, ref TableRef, q RowQuery) ([]models.Row, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return nil, 0, &ErrNotFound{Entity: "table", Key: ref.TableID}
	}

	search := compileSearch(q.SearchQuery)
	var hits []models.Row
	for _, id := range t.order {
		r := t.rows[id]
		if !q.Filter.Match(r) {
			continue
		}
		if search != nil && !rowMatchesSearch(r, &t.schema, search) {
			continue
		}
		hits = append(hits, r)
	}

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = models.ColID
	}
	sort.SliceStable(hits, func(i, j int) bool {
		less := cellLess(hits[i][orderBy].Value, hits[j][orderBy].Value)
		if q.OrderAscending {
			return less
		}
		return cellLess(hits[j][orderBy].Value, hits[i][orderBy].Value)
	})

	total := len(hits)
	hits = pageSlice(hits, q.Offset, q.Limit)

	out := make([]models.Row, len(hits))
	for i, r := range hits {
		out[i] = projectRow(cloneRow(r), q.Columns)
	}
	return out, total, nil
}

func (s *MemoryStore) VectorSearch(ctx context.Context, ref TableRef, column string, vec []float32, k int) ([]ScoredRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return nil, &ErrNotFound{Entity: "table", Key: ref.TableID}
	}

	var scored []ScoredRow
	for _, id := range t.order {
		r := t.rows[id]
		rowVec, ok := r[column].Value.([]float32)
		if !ok || len(rowVec) == 0 {
			continue
		}
		scored = append(scored, ScoredRow{Row: cloneRow(r), Score: cosine(vec, rowVec)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *MemoryStore) KeywordSearch(ctx context.Context, ref TableRef, query string, columns []string, k int) ([]ScoredRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableKey(ref)]
	if !ok {
		return nil, &ErrNotFound{Entity: "table", Key: ref.TableID}
	}

	qTerms := tokenize(query)
	if len(qTerms) == 0 {
		return nil, nil
	}

	// BM25 with the standard k1=1.2, b=0.75.
	const k1, b = 1.2, 0.75
	type doc struct {
		id    string
		terms map[string]int
		len   int
	}
	var docs []doc
	df := make(map[string]int)
	totalLen := 0
	for _, id := range t.order {
		r := t.rows[id]
		var sb strings.Builder
		for _, col := range columns {
			if sv, ok := r[col].Value.(string); ok {
				sb.WriteString(sv)
				sb.WriteByte(' ')
			}
		}
		terms := tokenize(sb.String())
		tf := make(map[string]int, len(terms))
		for _, term := range terms {
			tf[term]++
		}
		for term := range tf {
			df[term]++
		}
		docs = append(docs, doc{id: id, terms: tf, len: len(terms)})
		totalLen += len(terms)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	avgLen := float64(totalLen) / float64(len(docs))
	n := float64(len(docs))

	var scored []ScoredRow
	for _, d := range docs {
		score := 0.0
		for _, term := range qTerms {
			tf := d.terms[term]
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[term])+0.5)/(float64(df[term])+0.5))
			denom := float64(tf) + k1*(1-b+b*float64(d.len)/avgLen)
			score += idf * float64(tf) * (k1 + 1) / denom
		}
		if score > 0 {
			scored = append(scored, ScoredRow{Row: cloneRow(t.rows[d.id]), Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// ── Helpers ─────────────────────────────────────────────────

func pageSlice[T any](in []T, offset, limit int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func projectRow(r models.Row, columns []string) models.Row {
	if len(columns) == 0 {
		return r
	}
	keep := map[string]bool{models.ColID: true, models.ColUpdatedAt: true}
	for _, c := range columns {
		keep[c] = true
	}
	for col := range r {
		if !keep[col] {
			delete(r, col)
		}
	}
	return r
}

func compileSearch(q string) *regexp.Regexp {
	if strings.TrimSpace(q) == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + q)
	if err != nil {
		re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(q))
	}
	return re
}

func rowMatchesSearch(r models.Row, schema *models.TableSchema, re *regexp.Regexp) bool {
	for _, c := range schema.Cols {
		if c.Dtype != models.DtypeStr {
			continue
		}
		if sv, ok := r[c.ID].Value.(string); ok && re.MatchString(sv) {
			return true
		}
	}
	return false
}

func cellLess(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af < bf
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return as < bs
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var tokenSplit = regexp.MustCompile(`[^\pL\pN]+`)

func tokenize(s string) []string {
	var out []string
	for _, t := range tokenSplit.Split(strings.ToLower(s), -1) {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ── Deep copies ─────────────────────────────────────────────

func cloneOrg(o *models.Organization) *models.Organization {
	c := *o
	if o.Quotas != nil {
		c.Quotas = make(map[models.Product]models.Quota, len(o.Quotas))
		for k, v := range o.Quotas {
			c.Quotas[k] = v
		}
	}
	if o.ExternalKeys != nil {
		c.ExternalKeys = make(map[string]string, len(o.ExternalKeys))
		for k, v := range o.ExternalKeys {
			c.ExternalKeys[k] = v
		}
	}
	c.Models.Allow = append([]string(nil), o.Models.Allow...)
	c.Models.Block = append([]string(nil), o.Models.Block...)
	return &c
}

func cloneModelConfig(m *models.ModelConfig) *models.ModelConfig {
	c := *m
	c.Capabilities = append([]models.Capability(nil), m.Capabilities...)
	c.LanguagesSupported = append([]string(nil), m.LanguagesSupported...)
	c.Deployments = append([]models.Deployment(nil), m.Deployments...)
	return &c
}

func cloneSchema(t *models.TableSchema) *models.TableSchema {
	c := *t
	c.Cols = make([]models.ColumnSchema, len(t.Cols))
	for i, col := range t.Cols {
		c.Cols[i] = col
		if col.GenConfig != nil {
			g := *col.GenConfig
			if g.LLM != nil {
				llm := *g.LLM
				if llm.RAGParams != nil {
					rp := *llm.RAGParams
					llm.RAGParams = &rp
				}
				g.LLM = &llm
			}
			if g.Embed != nil {
				e := *g.Embed
				g.Embed = &e
			}
			if g.Code != nil {
				cc := *g.Code
				g.Code = &cc
			}
			c.Cols[i].GenConfig = &g
		}
	}
	return &c
}

func cloneCell(cell models.Cell) models.Cell {
	if v, ok := cell.Value.([]float32); ok {
		cell.Value = append([]float32(nil), v...)
	}
	if v, ok := cell.Original.([]float32); ok {
		cell.Original = append([]float32(nil), v...)
	}
	if cell.References != nil {
		refs := *cell.References
		refs.Chunks = append([]models.Chunk(nil), cell.References.Chunks...)
		cell.References = &refs
	}
	return cell
}

func cloneRow(r models.Row) models.Row {
	out := make(models.Row, len(r))
	for col, cell := range r {
		out[col] = cloneCell(cell)
	}
	return out
}
