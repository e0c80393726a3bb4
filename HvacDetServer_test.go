package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppConfigFlag(t *testing.T) {
	for want, args := range map[string][]string{
		"config.yaml":      {"hvacdet"},
		"deploy/site.yaml": {"hvacdet", "--config", "deploy/site.yaml"},
		"other.yaml":       {"hvacdet", "-c", "other.yaml"},
	} {
		var got string
		app := newApp(func(p string) error {
			got = p
			return nil
		})
		require.NoError(t, app.Run(args))
		assert.Equal(t, want, got)
	}
}

func TestAppReturnsServeError(t *testing.T) {
	boom := errors.New("model missing")
	app := newApp(func(string) error { return boom })
	assert.ErrorIs(t, app.Run([]string{"hvacdet"}), boom)
}
