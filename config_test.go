// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg)

	_, ok := cfg.Dialer.(*net.Dialer)
	assert.True(t, ok, "Dialer should be *net.Dialer")

	assert.Equal(t, "", cfg.ErrClassifier.Classify(nil))

	_, ok = cfg.Resolver.(SystemResolver)
	assert.True(t, ok, "Resolver should be SystemResolver")

	require.NotNil(t, cfg.TLSConfig)
	assert.Empty(t, cfg.TLSConfig.ServerName)

	assert.Equal(t, "stdlib", cfg.TLSEngine.Name())

	assert.False(t, cfg.TimeNow().IsZero())
}
