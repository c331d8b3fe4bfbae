package gatewayconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOverrideFromEnvAppliesSetVars(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "9999")
	t.Setenv("GATEWAY_SOCKET_TIMEOUT", "45s")
	t.Setenv("GATEWAY_AMQP_URL", "amqp://other/")
	t.Setenv("GATEWAY_ENV", "staging")

	cfg := &Config{Ports: defaultPorts(), SocketTimeout: time.Minute, AMQPURL: "amqp://orig/", Env: "dev"}
	cfg.overrideFromEnv()

	assert.Equal(t, 9999, cfg.Ports[0].Port)
	assert.Equal(t, 45*time.Second, cfg.SocketTimeout)
	assert.Equal(t, "amqp://other/", cfg.AMQPURL)
	assert.Equal(t, "staging", cfg.Env)
}

func TestOverrideFromEnvLeavesUnsetFieldsAlone(t *testing.T) {
	cfg := &Config{Ports: defaultPorts(), SocketTimeout: time.Minute, LogDir: "logs"}
	cfg.overrideFromEnv()

	assert.Equal(t, defaultPorts()[0].Port, cfg.Ports[0].Port)
	assert.Equal(t, time.Minute, cfg.SocketTimeout)
	assert.Equal(t, "logs", cfg.LogDir)
}

func TestOverrideFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("GATEWAY_SOCKET_PACKET_LEN", "not-a-number")

	cfg := &Config{Ports: defaultPorts(), SocketPacketLen: 1024}
	cfg.overrideFromEnv()

	assert.Equal(t, 1024, cfg.SocketPacketLen)
}
