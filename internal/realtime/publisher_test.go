package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelName(t *testing.T) {
	assert.Equal(t, "hub:events:42:wechat", ChannelName(42, "wechat"))
	assert.Equal(t, "hub:events:7:desktop", ChannelName(7, "desktop"))
}
