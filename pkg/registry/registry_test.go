package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name string
}

func TestRegisterRejectsEmptyAndDuplicateNames(t *testing.T) {
	r := NewBaseRegistry[fakeProvider]()

	require.NoError(t, r.Register("openai", fakeProvider{name: "openai"}))
	assert.Error(t, r.Register("", fakeProvider{name: "anon"}))
	assert.Error(t, r.Register("openai", fakeProvider{name: "other"}))
	assert.Equal(t, 1, r.Count())
}

func TestGetReturnsRegisteredItem(t *testing.T) {
	r := NewBaseRegistry[fakeProvider]()
	require.NoError(t, r.Register("anthropic", fakeProvider{name: "anthropic"}))

	got, ok := r.Get("anthropic")
	require.True(t, ok)
	assert.Equal(t, "anthropic", got.name)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestNamesAndListAreSorted(t *testing.T) {
	r := NewBaseRegistry[fakeProvider]()
	for _, name := range []string{"ollama", "anthropic", "openai"} {
		require.NoError(t, r.Register(name, fakeProvider{name: name}))
	}

	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, r.Names())

	items := r.List()
	require.Len(t, items, 3)
	for i, name := range r.Names() {
		assert.Equal(t, name, items[i].name)
	}
}

func TestFreezeBlocksFurtherRegistration(t *testing.T) {
	r := NewBaseRegistry[fakeProvider]()
	require.NoError(t, r.Register("openai", fakeProvider{name: "openai"}))

	r.Freeze()

	err := r.Register("gemini", fakeProvider{name: "gemini"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frozen")

	// Reads still work after the freeze.
	_, ok := r.Get("openai")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Count())
}

func TestConcurrentRegisterAndRead(t *testing.T) {
	r := NewBaseRegistry[int]()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Register(fmt.Sprintf("item-%d", i), i)
			r.Names()
			r.Count()
		}()
	}
	wg.Wait()

	assert.Equal(t, 32, r.Count())
	for i := 0; i < 32; i++ {
		v, ok := r.Get(fmt.Sprintf("item-%d", i))
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}
