// ABOUTME: Tests for the tool definition store
// ABOUTME: Covers registration rules, lookup, and merged per-user listings

package tools

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, userID string, input map[string]any) (*Output, error) {
	return &Output{Text: "ok"}, nil
}

type fakeDelegates map[string]map[string]string

func (f fakeDelegates) ToolTargetsForUser(userID string) map[string]string {
	return f[userID]
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(Definition{
		Name:        "echo",
		Description: "Echo a message",
		Schema:      Schema{"message": {Type: TypeString, Required: true}},
	}, noopHandler))

	tool, ok := r.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", tool.Name)
	assert.Equal(t, "Echo a message", tool.Description)
	assert.NotNil(t, tool.Handler)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Definition{Name: "echo"}, noopHandler))

	err := r.Register(Definition{Name: "echo", Description: "second"}, noopHandler)
	assert.ErrorIs(t, err, ErrToolAlreadyRegistered)

	tool, _ := r.Lookup("echo")
	assert.Empty(t, tool.Description, "first registration must be kept")
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		handler Handler
	}{
		{"empty name", Definition{}, noopHandler},
		{"nil handler", Definition{Name: "x"}, nil},
		{"bad field type", Definition{Name: "x", Schema: Schema{"a": {Type: "date"}}}, noopHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil)
			assert.ErrorIs(t, r.Register(tt.def, tt.handler), ErrInvalidTool)
		})
	}
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	r.MustRegister(Definition{Name: "echo"}, noopHandler)

	assert.Panics(t, func() {
		r.MustRegister(Definition{Name: "echo"}, noopHandler)
	})
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.MustRegister(Definition{Name: name}, noopHandler)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "mid", list[1].Name)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestRegistry_ListForUser(t *testing.T) {
	r := NewRegistry(nil)
	r.MustRegister(Definition{Name: "echo", Schema: Schema{"message": {Type: TypeString, Required: true}}}, noopHandler)
	r.MustRegister(Definition{Name: "get_current_time"}, noopHandler)

	delegates := fakeDelegates{
		"user-1": {"build": "d-1", "echo": "d-1"},
		"user-2": {"deploy": "d-2"},
	}

	t.Run("merges delegate tools", func(t *testing.T) {
		list := r.ListForUser("user-1", delegates)
		require.Len(t, list, 3)

		assert.Equal(t, "build", list[0].Name)
		assert.Equal(t, SourceDelegate, list[0].Source)
		assert.Equal(t, "d-1", list[0].DelegateID)
		assert.Nil(t, list[0].InputSchema)

		assert.Equal(t, "echo", list[1].Name)
		assert.Equal(t, SourceLocal, list[1].Source, "local tool must win a name clash")
		assert.Empty(t, list[1].DelegateID)
		assert.NotNil(t, list[1].InputSchema)

		assert.Equal(t, "get_current_time", list[2].Name)
	})

	t.Run("other users see only their delegates", func(t *testing.T) {
		list := r.ListForUser("user-2", delegates)
		names := make([]string, 0, len(list))
		for _, info := range list {
			names = append(names, info.Name)
		}
		assert.Equal(t, []string{"deploy", "echo", "get_current_time"}, names)
	})

	t.Run("nil delegate source", func(t *testing.T) {
		assert.Len(t, r.ListForUser("user-1", nil), 2)
	})
}

func TestRegistry_LocalAlwaysShadowsDelegate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a registered name is always listed as local exactly once", prop.ForAll(
		func(name string) bool {
			if name == "" {
				return true
			}
			r := NewRegistry(nil)
			r.MustRegister(Definition{Name: name}, noopHandler)

			list := r.ListForUser("u", fakeDelegates{"u": {name: "d-1", name + "_remote": "d-1"}})
			count := 0
			for _, info := range list {
				if info.Name == name {
					count++
					if info.Source != SourceLocal {
						return false
					}
				}
			}
			return count == 1 && len(list) == 2
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
