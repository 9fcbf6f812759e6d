package injector

import "reflect"

// Singletons returns the singletons created so far in c's scope chain, keyed
// by type name. Several instances sharing a name are returned as []any in
// creation order. A job container's own singletons shadow its parent's.
func (c *Container) Singletons() map[string]any {
	var chain []*Container
	for cur := c; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}

	result := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		byName := make(map[string][]any)
		var order []string
		for _, st := range chain[i].scope.snapshot() {
			name := TypeName(st.typ)
			if _, ok := byName[name]; !ok {
				order = append(order, name)
			}
			byName[name] = append(byName[name], st.instance)
		}
		for _, name := range order {
			if instances := byName[name]; len(instances) == 1 {
				result[name] = instances[0]
			} else {
				result[name] = instances
			}
		}
	}
	return result
}

// TypeName returns t's declared name, looking through pointers
func TypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}
