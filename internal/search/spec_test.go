package search_test

import (
	"testing"

	"hpo-backend/internal/search"

	"github.com/stretchr/testify/assert"
)

func TestParameterSpecValidate(t *testing.T) {
	assert.NoError(t, search.ParameterSpec{Name: "a", Type: search.DomainFloat, Low: 0, High: 1}.Validate())
	assert.NoError(t, search.ParameterSpec{Name: "a", Type: search.DomainInt, Low: 1, High: 1}.Validate())
	assert.NoError(t, search.ParameterSpec{Name: "a", Type: search.DomainCategorical, Choices: []any{"x"}}.Validate())

	assert.Error(t, search.ParameterSpec{Type: search.DomainFloat}.Validate(), "name required")
	assert.Error(t, search.ParameterSpec{Name: "a", Type: search.DomainFloat, Low: 2, High: 1}.Validate())
	assert.Error(t, search.ParameterSpec{Name: "a", Type: search.DomainLogUniform, Low: 0, High: 1}.Validate())
	assert.Error(t, search.ParameterSpec{Name: "a", Type: search.DomainCategorical}.Validate())
	assert.Error(t, search.ParameterSpec{Name: "a", Type: "uniform"}.Validate())
}

func TestParameterSpecContains(t *testing.T) {
	f := search.ParameterSpec{Name: "f", Type: search.DomainFloat, Low: 0, High: 1}
	assert.True(t, f.Contains(0.5))
	assert.True(t, f.Contains(0.0))
	assert.False(t, f.Contains(1.5))

	i := search.ParameterSpec{Name: "i", Type: search.DomainInt, Low: 16, High: 256}
	assert.True(t, i.Contains(64))
	assert.False(t, i.Contains(64.5))
	assert.False(t, i.Contains(8))

	c := search.ParameterSpec{Name: "c", Type: search.DomainCategorical, Choices: []any{"relu", "tanh"}}
	assert.True(t, c.Contains("relu"))
	assert.False(t, c.Contains("gelu"))

	l := search.ParameterSpec{Name: "l", Type: search.DomainLogUniform, Low: 1e-5, High: 1e-2}
	assert.True(t, l.Contains(1e-3))
	assert.False(t, l.Contains(-1e-3))
}

func TestDirectionBetter(t *testing.T) {
	assert.True(t, search.Maximize.Better(0.9, 0.8))
	assert.False(t, search.Maximize.Better(0.8, 0.9))
	assert.True(t, search.Minimize.Better(0.8, 0.9))
	assert.False(t, search.Minimize.Better(0.9, 0.8))
	assert.False(t, search.Maximize.Better(0.9, 0.9))
}
