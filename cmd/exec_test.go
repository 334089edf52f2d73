package cmd

import (
	"testing"

	"clinic-flow/config"
	"clinic-flow/internal/services"

	"github.com/stretchr/testify/assert"
)

func TestNewNotifier_FallsBackToLog(t *testing.T) {
	cfg := &config.Config{NotifyChannel: "clinic-admin"}

	assert.IsType(t, services.LogNotifier{}, newNotifier(cfg))
}

func TestNewNotifier_PubNubWhenKeysSet(t *testing.T) {
	cfg := &config.Config{
		PubNubPublishKey:   "pub-c-test",
		PubNubSubscribeKey: "sub-c-test",
		PubNubUserID:       "clinic-flow",
		NotifyChannel:      "clinic-admin",
	}

	assert.IsType(t, &services.PubNubNotifier{}, newNotifier(cfg))
}

func TestNewRouteSource(t *testing.T) {
	cfg := &config.Config{RouteMapPath: "config/routeMap.json", RouteMapRedisKey: "routes:map"}

	source := newRouteSource(cfg, nil)

	assert.Equal(t, "file:config/routeMap.json", source.(interface{ String() string }).String())
}
