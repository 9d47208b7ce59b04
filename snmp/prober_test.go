package snmp

import (
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDecodeVariables(t *testing.T) {
	vars := []gosnmp.SnmpPDU{
		{Name: ".1.3.6.1.2.1.1.1.0", Type: gosnmp.OctetString, Value: []byte("HP ETHERNET MULTI-ENVIRONMENT ")},
		{Name: ".1.3.6.1.2.1.1.5.0", Type: gosnmp.OctetString, Value: []byte("NPI3F0A12")},
		{Name: ".1.3.6.1.2.1.25.3.2.1.3.1", Type: gosnmp.NoSuchInstance},
		{Name: ".1.3.6.1.2.1.43.10.2.1.4.1.1", Type: gosnmp.Counter32, Value: uint(48213)},
		{Name: ".1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(1000)},
	}

	assert.Equal(t, map[string]string{
		"snmp_sys_descr":  "HP ETHERNET MULTI-ENVIRONMENT",
		"snmp_sys_name":   "NPI3F0A12",
		"snmp_page_count": "48213",
	}, decodeVariables(vars))
}

func TestDecodeVariablesIntegerCounter(t *testing.T) {
	vars := []gosnmp.SnmpPDU{
		{Name: "1.3.6.1.2.1.43.10.2.1.4.1.1", Type: gosnmp.Integer, Value: 120},
		{Name: ".1.3.6.1.2.1.1.5.0", Type: gosnmp.OctetString, Value: []byte("   ")},
	}

	assert.Equal(t, map[string]string{"snmp_page_count": "120"}, decodeVariables(vars))
}

func TestDecodeVariablesEmpty(t *testing.T) {
	assert.Empty(t, decodeVariables(nil))
}

func TestNewProberDefaults(t *testing.T) {
	p := NewProber(Config{}, zerolog.Nop())

	assert.Equal(t, DefaultCommunity, p.config.Community)
	assert.Equal(t, uint16(DefaultPort), p.config.Port)
	assert.Equal(t, DefaultTimeout, p.config.Timeout)

	client := p.createClient("10.0.0.5")
	assert.Equal(t, "10.0.0.5", client.Target)
	assert.Equal(t, gosnmp.Version2c, client.Version)
	assert.Equal(t, "public", client.Community)
}

func TestProbeUnreachable(t *testing.T) {
	p := NewProber(Config{Port: 1, Timeout: 200 * time.Millisecond, Retries: 0}, zerolog.Nop())

	// nothing answers SNMP on the loopback discard port
	_, err := p.Probe("127.0.0.1")
	assert.Error(t, err)
}
