package extension

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type Drawable interface {
	Draw() string
}

type circle struct {
	name string
}

func (c *circle) Draw() string { return "circle" }

func (c *circle) Name() string { return c.name }

type square struct{}

func (square) Draw() string { return "square" }

type text struct{}

func TestNewEndpoint_Policies(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name   string
		opts   []EndpointOption
		obj    any
		expect bool
	}{
		{"accept all", nil, &text{}, true},
		{"instance of interface", []EndpointOption{InstanceOf[Drawable]()}, &circle{}, true},
		{"instance of value type", []EndpointOption{InstanceOf[Drawable]()}, square{}, true},
		{"instance of rejects", []EndpointOption{InstanceOf[Drawable]()}, &text{}, false},
		{"instance of rejects nil", []EndpointOption{InstanceOf[Drawable]()}, nil, false},
		{"concrete instance of", []EndpointOption{WithInstanceOf(reflect.TypeOf(&circle{}))}, &circle{}, true},
		{"wrapped subtype", []EndpointOption{WrappedSubtypeOf[Drawable]()}, Wrap[circle](), true},
		{"wrapped pointer subtype", []EndpointOption{WrappedSubtypeOf[Drawable]()}, Wrap[*circle](), true},
		{"wrapped subtype rejects type", []EndpointOption{WrappedSubtypeOf[Drawable]()}, Wrap[text](), false},
		{"wrapped subtype rejects instance", []EndpointOption{WrappedSubtypeOf[Drawable]()}, &circle{}, false},
		{
			"predicate wins over instance of",
			[]EndpointOption{InstanceOf[Drawable](), WithPredicate(func(obj any) bool { return false })},
			&circle{},
			false,
		},
		{
			"instance of wins over wrapped subtype",
			[]EndpointOption{WrappedSubtypeOf[Drawable](), InstanceOf[Drawable]()},
			Wrap[circle](),
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := NewEndpoint("shapes", "drawable shapes", id, tt.opts...)
			assert.Equal(t, tt.expect, ep.Includes(tt.obj))
		})
	}
}

func TestEndpoint_Builtins(t *testing.T) {
	ep := NewEndpoint("shapes", "", uuid.New())
	assert.Nil(t, ep.Builtins())

	b := &circle{name: "builtin"}
	ep = NewEndpoint("shapes", "", uuid.New(), WithBuiltins(func() []any { return []any{b} }))
	assert.Equal(t, []any{b}, ep.Builtins())
	assert.Contains(t, ep.String(), "shapes (")
}

func helperFunction(any) {}

func TestExtension_Name(t *testing.T) {
	tests := []struct {
		name   string
		obj    any
		expect string
	}{
		{"named object", &circle{name: "unit circle"}, "unit circle"},
		{"wrapped type", Wrap[square](), "square"},
		{"plain type", &text{}, "text"},
		{"function", helperFunction, "helperFunction"},
		{"nil", nil, "<nil>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := &Extension{Object: tt.obj}
			assert.Equal(t, tt.expect, x.Name())
		})
	}
}

func TestIdentityOf(t *testing.T) {
	c := &circle{}
	a, ok := identityOf(c)
	assert.True(t, ok)
	b, _ := identityOf(c)
	assert.Equal(t, a, b)

	other, _ := identityOf(&circle{})
	assert.NotEqual(t, a, other)

	w1, _ := identityOf(Wrap[square]())
	w2, _ := identityOf(Wrap[square]())
	assert.Equal(t, w1, w2, "wrapped types are identified by type")

	s1, ok := identityOf(square{})
	assert.True(t, ok)
	s2, _ := identityOf(square{})
	assert.Equal(t, s1, s2)

	_, ok = identityOf(struct{ items []int }{})
	assert.False(t, ok)
}
