// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os/user"
	"path"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	home := must.M1(user.Current()).HomeDir
	assert.Equal(t, path.Join(home, "cache"), must.M1(ReplaceTildeInDir("~/cache")))
	assert.Equal(t, home, must.M1(ReplaceTildeInDir("~")))
	assert.Equal(t, "/tmp/x", must.M1(ReplaceTildeInDir("/tmp/x")))
	assert.Equal(t, "", must.M1(ReplaceTildeInDir("")))
	_, err := ReplaceTildeInDir("~no_such_user_graphc/cache")
	require.Error(t, err)
}
