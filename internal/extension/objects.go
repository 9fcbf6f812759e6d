package extension

import "github.com/google/uuid"

// ObjectList is a typed view of the objects registered on an endpoint
type ObjectList[T any] struct {
	Items  []T
	ByName map[string]T
}

// Objects returns the objects registered on the endpoint that are a T, in
// registration order.
func Objects[T any](r *Registry, id uuid.UUID) (ObjectList[T], error) {
	storage, err := r.Endpoint(id)
	if err != nil {
		return ObjectList[T]{}, err
	}

	list := ObjectList[T]{ByName: make(map[string]T)}
	for _, ext := range storage.Extensions() {
		v, ok := ext.Object.(T)
		if !ok {
			continue
		}
		list.Items = append(list.Items, v)
		list.ByName[ext.Name()] = v
	}
	return list, nil
}
