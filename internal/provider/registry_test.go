package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedProvider struct{ name string }

func (p *namedProvider) Name() string { return p.name }
func (p *namedProvider) Submit(context.Context, SubmitRequest) (SubmitResult, error) {
	return SubmitResult{JobID: "x"}, nil
}
func (p *namedProvider) ResolveStatus(context.Context, Handle) (Raw, bool, error) {
	return nil, false, nil
}
func (p *namedProvider) Health(context.Context) Health { return Health{OK: true, Status: HealthOK} }

func newTestRegistry(built *[]string) *Registry {
	r := NewRegistry("aggregator")
	for _, name := range []string{"aggregator", "direct"} {
		r.Register(name, func() (Provider, error) {
			*built = append(*built, name)
			return &namedProvider{name: name}, nil
		})
	}
	return r
}

func TestRegistry_SelectsConfiguredProvider(t *testing.T) {
	var built []string
	r := newTestRegistry(&built)

	p, err := r.Select("direct")
	require.NoError(t, err)
	assert.Equal(t, "direct", p.Name())
	assert.Equal(t, []string{"direct"}, built, "only the selected factory runs")
	assert.Equal(t, []string{"aggregator", "direct"}, r.Names())
}

func TestRegistry_UnknownNameFallsBackToDefault(t *testing.T) {
	var built []string
	r := newTestRegistry(&built)

	p, err := r.Select("no-such-vendor")
	require.NoError(t, err)
	assert.Equal(t, "aggregator", p.Name())
}

func TestRegistry_PicksOnce(t *testing.T) {
	var built []string
	r := newTestRegistry(&built)

	first, err := r.Select("direct")
	require.NoError(t, err)
	second, err := r.Select("aggregator")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, built, 1)

	active, err := r.Active()
	require.NoError(t, err)
	assert.Same(t, first, active)
}

func TestRegistry_ActiveBeforeSelect(t *testing.T) {
	_, err := NewRegistry("aggregator").Active()
	assert.ErrorIs(t, err, ErrNotSelected)
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry("broken")
	r.Register("broken", func() (Provider, error) { return nil, errors.New("bad config") })
	_, err := r.Select("broken")
	assert.ErrorContains(t, err, "bad config")

	_, err = NewRegistry("x").Select("x")
	assert.ErrorIs(t, err, ErrNoFactories)
}
