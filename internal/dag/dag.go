// Package dag plans column generation order. Given a table schema it
// computes, per generated column, the set of referenced columns, and groups
// columns into layers that can run concurrently.
package dag

import (
	"fmt"
	"sync"

	"github.com/embeddedllm/jamai/internal/template"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// Plan is the immutable execution plan for one table version.
type Plan struct {
	TableID string
	Version int

	// Refs maps each generated column to the columns it reads.
	Refs map[string][]string
	// Layers[0] holds the input columns; each later layer holds generated
	// columns whose references all live in earlier layers.
	Layers [][]string

	layerOf map[string]int
}

// Build validates the schema's gen configs and computes layers.
//
// Reference rules: a generated column's references are the template refs of
// its prompts (including a RAG search_query), the source column of embed and
// code configs, and the User column for multi-turn columns of chat tables.
// A column may only reference columns defined before it; info columns and
// vector columns are never referable.
func Build(tableType models.TableType, schema *models.TableSchema) (*Plan, error) {
	p := &Plan{
		TableID: schema.ID,
		Version: schema.Version,
		Refs:    make(map[string][]string),
		layerOf: make(map[string]int),
	}

	var layer0 []string
	for _, c := range schema.Cols {
		if !c.IsOutput() {
			p.layerOf[c.ID] = 0
			layer0 = append(layer0, c.ID)
		}
	}
	p.Layers = append(p.Layers, layer0)

	for i := range schema.Cols {
		col := &schema.Cols[i]
		if !col.IsOutput() {
			continue
		}
		refs, err := columnRefs(tableType, schema, col)
		if err != nil {
			return nil, err
		}
		p.Refs[col.ID] = refs

		// Smallest layer strictly above every reference.
		layer := 1
		for _, ref := range refs {
			rl, ok := p.layerOf[ref]
			if !ok {
				// Generated ref defined later in the table order; Build
				// walks in order, so this is a forward reference.
				return nil, errs.BadInput("invalid source columns: column %q must come before %q", ref, col.ID)
			}
			if rl+1 > layer {
				layer = rl + 1
			}
		}
		for len(p.Layers) <= layer {
			p.Layers = append(p.Layers, nil)
		}
		p.Layers[layer] = append(p.Layers[layer], col.ID)
		p.layerOf[col.ID] = layer
	}

	return p, nil
}

func columnRefs(tableType models.TableType, schema *models.TableSchema, col *models.ColumnSchema) ([]string, error) {
	g := col.GenConfig
	var templates []string
	var refs []string
	seen := make(map[string]bool)
	add := func(ids ...string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				refs = append(refs, id)
			}
		}
	}

	switch g.Object {
	case models.GenObjectLLM:
		templates = []string{g.LLM.SystemPrompt, g.LLM.Prompt}
		if rp := g.LLM.RAGParams; rp != nil {
			templates = append(templates, rp.SearchQuery)
		}
		if g.LLM.MultiTurn && tableType == models.TableTypeChat && col.ID == models.ColAI {
			if _, ok := schema.Column(models.ColUser); ok {
				add(models.ColUser)
			}
		}
	case models.GenObjectEmbed:
		src := g.Embed.SourceColumn
		if err := validateSourceColumn(schema, col, src); err != nil {
			return nil, err
		}
		if !col.IsVector() {
			return nil, errs.BadInput("embedding output column %q must be a vector column", col.ID)
		}
		add(src)
	case models.GenObjectCode:
		src := g.Code.SourceColumn
		if err := validateSourceColumn(schema, col, src); err != nil {
			return nil, err
		}
		add(src)
	default:
		return nil, errs.BadInput("column %q has an unknown gen_config object %q", col.ID, g.Object)
	}

	for _, tmpl := range templates {
		if tmpl == "" {
			continue
		}
		if err := template.ValidateRefs(schema, col.ID, tmpl); err != nil {
			return nil, err
		}
		add(template.Refs(tmpl)...)
	}
	return refs, nil
}

func validateSourceColumn(schema *models.TableSchema, target *models.ColumnSchema, src string) error {
	if src == "" {
		return errs.BadInput("column %q requires a source_column", target.ID)
	}
	col, ok := schema.Column(src)
	if !ok {
		return errs.BadInput("invalid source columns: column %q does not exist", src)
	}
	if models.IsInfoColumn(src) || col.IsVector() {
		return errs.BadInput("invalid source columns: column %q is not referable", src)
	}
	if schema.ColumnIndex(src) >= schema.ColumnIndex(target.ID) {
		return errs.BadInput("invalid source columns: column %q must come before %q", src, target.ID)
	}
	return nil
}

// LayerOf returns the layer index of a column, or -1.
func (p *Plan) LayerOf(col string) int {
	if l, ok := p.layerOf[col]; ok {
		return l
	}
	return -1
}

// GeneratedColumns returns every generated column in layer order.
func (p *Plan) GeneratedColumns() []string {
	var out []string
	for _, layer := range p.Layers[1:] {
		out = append(out, layer...)
	}
	return out
}

// ColumnsFor resolves a regen strategy to the set of columns to recompute.
// Strategies other than run_all require target to name a generated column.
func (p *Plan) ColumnsFor(strategy models.RegenStrategy, target string) (map[string]bool, error) {
	if strategy == "" {
		strategy = models.RegenRunAll
	}
	if !strategy.Valid() {
		return nil, errs.BadInput("unknown regen strategy %q", strategy)
	}

	all := p.GeneratedColumns()
	set := make(map[string]bool, len(all))

	if strategy == models.RegenRunAll {
		for _, c := range all {
			set[c] = true
		}
		return set, nil
	}

	tl := p.LayerOf(target)
	if target == "" || tl < 1 {
		return nil, errs.NotFound("output column", target)
	}
	for _, c := range all {
		cl := p.LayerOf(c)
		switch strategy {
		case models.RegenRunBefore:
			if cl < tl {
				set[c] = true
			}
		case models.RegenRunSelected:
			if c == target {
				set[c] = true
			}
		case models.RegenRunAfter:
			if c == target || cl > tl {
				set[c] = true
			}
		}
	}
	return set, nil
}

// ── Plan cache ──────────────────────────────────────────────

// Cache memoizes plans per (table, version). Schema mutations bump the
// version, so stale entries simply stop being asked for; a small bound
// keeps abandoned versions from accumulating.
type Cache struct {
	mu      sync.RWMutex
	plans   map[string]*Plan
	maxSize int
}

func NewCache() *Cache {
	return &Cache{plans: make(map[string]*Plan), maxSize: 1024}
}

func cacheKey(tableID string, version int) string {
	return fmt.Sprintf("%s@%d", tableID, version)
}

// Get returns the cached plan for the schema version, building it on miss.
func (c *Cache) Get(tableType models.TableType, schema *models.TableSchema) (*Plan, error) {
	key := cacheKey(schema.ID, schema.Version)
	c.mu.RLock()
	p, ok := c.plans[key]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := Build(tableType, schema)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.plans) >= c.maxSize {
		c.plans = make(map[string]*Plan)
	}
	c.plans[key] = p
	c.mu.Unlock()
	return p, nil
}

// Invalidate drops every cached version of a table. Used on table delete.
func (c *Cache) Invalidate(tableID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.plans {
		if len(key) > len(tableID) && key[:len(tableID)] == tableID && key[len(tableID)] == '@' {
			delete(c.plans, key)
		}
	}
}
