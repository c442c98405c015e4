package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPluginCacheDirName_SlugifiesURLLikeSources(t *testing.T) {
	assert.Equal(t, "my-plugin", pluginCacheDirName("https://github.com/example/my-plugin.git"))
	assert.Equal(t, "plugin", pluginCacheDirName("./"))
	assert.Equal(t, "local-plugin-dir", pluginCacheDirName("/abs/path/local plugin dir"))
}

func TestHostVersion_FallsBackToZeroOnUnparsableVersion(t *testing.T) {
	v := hostVersion()
	assert.NotNil(t, v)
}
