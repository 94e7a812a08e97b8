package memory

import "marketcore/pkg/domain"

// table is a committed bucket of records kept in creation order.
type table[K comparable, V any] struct {
	entity  domain.EntityType
	rows    map[K]V
	order   []K
	key     func(K) string
	clone   func(V) V
	deleted func(V) bool
}

func newTable[K comparable, V any](entity domain.EntityType, key func(K) string, clone func(V) V, deleted func(V) bool) *table[K, V] {
	if clone == nil {
		clone = func(v V) V { return v }
	}
	if deleted == nil {
		deleted = func(V) bool { return false }
	}
	return &table[K, V]{
		entity:  entity,
		rows:    make(map[K]V),
		key:     key,
		clone:   clone,
		deleted: deleted,
	}
}

func (t *table[K, V]) reset() {
	t.rows = make(map[K]V)
	t.order = nil
}

func (t *table[K, V]) load(k K, v V) {
	if _, ok := t.rows[k]; !ok {
		t.order = append(t.order, k)
	}
	t.rows[k] = t.clone(v)
}

func (t *table[K, V]) values() []V {
	out := make([]V, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.clone(t.rows[k]))
	}
	return out
}

// overlay stages writes on top of a table. Nothing touches the table until
// apply, so a discarded overlay leaves committed state untouched.
type overlay[K comparable, V any] struct {
	base  *table[K, V]
	dirty map[K]V
	added []K
}

func newOverlay[K comparable, V any](base *table[K, V]) *overlay[K, V] {
	return &overlay[K, V]{base: base, dirty: make(map[K]V)}
}

func (o *overlay[K, V]) get(k K) (V, bool) {
	if v, ok := o.dirty[k]; ok {
		return o.base.clone(v), true
	}
	v, ok := o.base.rows[k]
	if !ok {
		return v, false
	}
	return o.base.clone(v), true
}

func (o *overlay[K, V]) has(k K) bool {
	if _, ok := o.dirty[k]; ok {
		return true
	}
	_, ok := o.base.rows[k]
	return ok
}

func (o *overlay[K, V]) put(k K, v V) {
	if !o.has(k) {
		o.added = append(o.added, k)
	}
	o.dirty[k] = o.base.clone(v)
}

func (o *overlay[K, V]) len() int {
	return len(o.base.order) + len(o.added)
}

func (o *overlay[K, V]) list() []V {
	out := make([]V, 0, o.len())
	for _, k := range o.base.order {
		v, _ := o.get(k)
		out = append(out, v)
	}
	for _, k := range o.added {
		out = append(out, o.base.clone(o.dirty[k]))
	}
	return out
}

func (o *overlay[K, V]) apply() {
	for k, v := range o.dirty {
		o.base.rows[k] = v
	}
	o.base.order = append(o.base.order, o.added...)
}
