package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsHooksInRegistrationOrder(t *testing.T) {
	var r Registry
	var order []int
	r.AddCleanup(func() error { order = append(order, 1); return nil })
	r.AddCleanup(func() error { order = append(order, 2); return nil })

	a := assert.New(t)
	a.NoError(r.Shutdown())
	a.Equal([]int{1, 2}, order)
}

func TestShutdownReturnsLastError(t *testing.T) {
	var r Registry
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	r.AddCleanup(func() error { return errA })
	r.AddCleanup(func() error { return nil })
	r.AddCleanup(func() error { return errB })

	assert.Equal(t, errB, r.Shutdown())
}

func TestShutdownClearsRegistryAndIsSafeToCallAgain(t *testing.T) {
	var r Registry
	calls := 0
	r.AddCleanup(func() error { calls++; return nil })

	assert.NoError(t, r.Shutdown())
	assert.NoError(t, r.Shutdown())
	assert.Equal(t, 1, calls)
}
