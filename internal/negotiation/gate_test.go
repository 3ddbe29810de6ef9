package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateAgreementFirst(t *testing.T) {
	var g Gate
	assert.Equal(t, GateAwaitingBoth, g.State())

	assert.False(t, g.Agree())
	assert.Equal(t, GateAwaitingDescription, g.State())
	assert.False(t, g.Agree())

	assert.True(t, g.Describe())
	assert.Equal(t, GateOpen, g.State())
	assert.False(t, g.Describe())
	assert.False(t, g.Agree())
}

func TestGateDescriptionFirst(t *testing.T) {
	var g Gate
	assert.False(t, g.Describe())
	assert.Equal(t, GateAwaitingAgreement, g.State())
	assert.False(t, g.Describe())

	assert.True(t, g.Agree())
	assert.Equal(t, GateOpen, g.State())
}

func TestGateReset(t *testing.T) {
	var g Gate
	g.Describe()
	g.Agree()
	g.Reset()
	assert.Equal(t, GateAwaitingBoth, g.State())
	assert.Equal(t, "awaiting-both", g.State().String())
}
