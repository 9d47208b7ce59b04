// Package snmp reads printer identity and the lifetime page counter over
// SNMP. Network printers that answer PJL queries slowly or not at all often
// still answer SNMP.
package snmp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"
)

const (
	oidSysDescr         = "1.3.6.1.2.1.1.1.0"
	oidSysName          = "1.3.6.1.2.1.1.5.0"
	oidHrDeviceDescr    = "1.3.6.1.2.1.25.3.2.1.3.1"
	oidPrtMarkerLifeCnt = "1.3.6.1.2.1.43.10.2.1.4.1.1"
)

const (
	DefaultCommunity = "public"
	DefaultPort      = 161
	DefaultTimeout   = 2 * time.Second
	DefaultRetries   = 1
)

var (
	ErrSNMPGetFailed      = errors.New("SNMP get failed")
	ErrSNMPError          = errors.New("SNMP error")
	ErrNoSNMPDataReturned = errors.New("no SNMP data returned")
)

// keys maps each queried OID to the GetInfo key it fills.
var keys = map[string]string{
	oidSysDescr:         "snmp_sys_descr",
	oidSysName:          "snmp_sys_name",
	oidHrDeviceDescr:    "snmp_device_descr",
	oidPrtMarkerLifeCnt: "snmp_page_count",
}

// Config holds the SNMPv2c parameters.
type Config struct {
	Community string
	Port      uint16
	Timeout   time.Duration
	Retries   int
}

// Prober queries one host per call. It keeps no connection between calls.
type Prober struct {
	config Config
	logger zerolog.Logger
}

// NewProber fills unset fields with defaults.
func NewProber(config Config, logger zerolog.Logger) *Prober {
	if config.Community == "" {
		config.Community = DefaultCommunity
	}
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Retries < 0 {
		config.Retries = DefaultRetries
	}

	return &Prober{
		config: config,
		logger: logger.With().Str("component", "snmp").Logger(),
	}
}

func (p *Prober) createClient(target string) *gosnmp.GoSNMP {
	return &gosnmp.GoSNMP{
		Target:             target,
		Port:               p.config.Port,
		Community:          p.config.Community,
		Version:            gosnmp.Version2c,
		Timeout:            p.config.Timeout,
		Retries:            p.config.Retries,
		MaxOids:            gosnmp.MaxOids,
		ExponentialTimeout: true,
	}
}

// Probe returns the identity strings and page count of host, keyed as
// snmp_sys_descr, snmp_sys_name, snmp_device_descr and snmp_page_count.
func (p *Prober) Probe(host string) (map[string]string, error) {
	client := p.createClient(host)

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSNMPGetFailed, err)
	}
	defer func() {
		if err := client.Conn.Close(); err != nil {
			p.logger.Debug().Err(err).Msg("Failed to close SNMP connection")
		}
	}()

	result, err := client.Get([]string{oidSysDescr, oidSysName, oidHrDeviceDescr, oidPrtMarkerLifeCnt})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSNMPGetFailed, err)
	}

	if result.Error != gosnmp.NoError {
		return nil, fmt.Errorf("%w: %s", ErrSNMPError, result.Error)
	}

	info := decodeVariables(result.Variables)
	if len(info) == 0 {
		return nil, ErrNoSNMPDataReturned
	}

	p.logger.Debug().Str("host", host).Int("values", len(info)).Msg("SNMP probe complete")

	return info, nil
}

func decodeVariables(vars []gosnmp.SnmpPDU) map[string]string {
	info := make(map[string]string, len(vars))

	for _, pdu := range vars {
		key, ok := keys[strings.TrimPrefix(pdu.Name, ".")]
		if !ok {
			continue
		}

		switch pdu.Type {
		case gosnmp.OctetString:
			b, ok := pdu.Value.([]byte)
			if !ok {
				continue
			}
			if s := strings.TrimSpace(string(b)); s != "" {
				info[key] = s
			}
		case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.Counter64, gosnmp.Uinteger32:
			info[key] = gosnmp.ToBigInt(pdu.Value).String()
		}
	}

	return info
}
