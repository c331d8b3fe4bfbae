package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoutingKeyForUIDShardsByLastDigit(t *testing.T) {
	c := New("amqp://localhost", "prod", nil)
	assert.Equal(t, "prod.mon.device.packet.create.worker7", c.RoutingKeyForUID("8613000007"))
	assert.Equal(t, "prod.mon.device.packet.create.worker0", c.RoutingKeyForUID("861300000"))
}

func TestRoutingKeyForUIDFallsBackOnNonDigit(t *testing.T) {
	c := New("amqp://localhost", "dev", nil)
	assert.Equal(t, "dev.mon.device.packet.create.worker0", c.RoutingKeyForUID("abc-device-x"))
}

func TestRoutingKeyForUIDEmptyUID(t *testing.T) {
	c := New("amqp://localhost", "dev", nil)
	assert.Equal(t, "dev.mon.device.packet.create.worker0", c.RoutingKeyForUID(""))
}

func TestValueActionExtractsFromMap(t *testing.T) {
	assert.Equal(t, "restart", valueAction(map[string]any{"action": "restart"}))
	assert.Equal(t, "", valueAction("not-a-map"))
}
