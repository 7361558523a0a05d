// Package pdu reads outlet power and switches outlets on a PDU over SNMP v1.
package pdu

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/core-tools/hsu-powerguard/pkg/errors"
)

const (
	DefaultPort           uint16 = 161
	DefaultReadCommunity         = "public"
	DefaultWriteCommunity        = "private"
	DefaultTimeout               = 2 * time.Second
	DefaultRetries               = 1

	// NoRetries disables retransmission; a zero Retries option means DefaultRetries
	NoRetries = -1

	// This PDU family uses an inverted switch convention
	SwitchValueOn  = 0
	SwitchValueOff = 1
)

// Client is the power telemetry and switching surface of one PDU outlet
type Client interface {
	// ReadPower returns the current draw of the outlet in watts
	ReadPower(ctx context.Context) (int, error)
	// SetPower switches the outlet without waiting for the PDU to answer
	SetPower(ctx context.Context, on bool) error
}

// Outlet selects one outlet of one PDU
type Outlet struct {
	Address string
	Index   int
	Number  int
}

// PowerOID is the object identifier of the outlet's power reading
func (o Outlet) PowerOID() string {
	return fmt.Sprintf("1.3.6.1.4.1.2.%d.3.%d.2.0", o.Index, o.Number)
}

// SwitchOID is the object identifier of the outlet's power switch
func (o Outlet) SwitchOID() string {
	return fmt.Sprintf("1.3.6.1.4.1.2.%d.3.%d.4.0", o.Index, o.Number)
}

type Options struct {
	Port           uint16
	ReadCommunity  string
	WriteCommunity string
	Timeout        time.Duration
	Retries        int
}

func DefaultOptions() Options {
	return Options{
		Port:           DefaultPort,
		ReadCommunity:  DefaultReadCommunity,
		WriteCommunity: DefaultWriteCommunity,
		Timeout:        DefaultTimeout,
		Retries:        DefaultRetries,
	}
}

type snmpClient struct {
	outlet  Outlet
	options Options
}

// NewSNMPClient returns a Client speaking SNMP v1 to outlet; zero option fields take defaults
func NewSNMPClient(outlet Outlet, options Options) Client {
	defaults := DefaultOptions()
	if options.Port == 0 {
		options.Port = defaults.Port
	}
	if options.ReadCommunity == "" {
		options.ReadCommunity = defaults.ReadCommunity
	}
	if options.WriteCommunity == "" {
		options.WriteCommunity = defaults.WriteCommunity
	}
	if options.Timeout <= 0 {
		options.Timeout = defaults.Timeout
	}
	switch {
	case options.Retries == 0:
		options.Retries = defaults.Retries
	case options.Retries < 0:
		options.Retries = 0
	}
	return &snmpClient{
		outlet:  outlet,
		options: options,
	}
}

func (c *snmpClient) session(ctx context.Context, community string) *gosnmp.GoSNMP {
	return &gosnmp.GoSNMP{
		Target:    c.outlet.Address,
		Port:      c.options.Port,
		Transport: "udp",
		Community: community,
		Version:   gosnmp.Version1,
		Context:   ctx,
		Timeout:   c.options.Timeout,
		Retries:   c.options.Retries,
		MaxOids:   gosnmp.MaxOids,
	}
}

func (c *snmpClient) ReadPower(ctx context.Context) (int, error) {
	session := c.session(ctx, c.options.ReadCommunity)
	if err := session.Connect(); err != nil {
		return 0, c.unreachable("failed to open SNMP transport", err)
	}
	defer session.Conn.Close()

	oid := c.outlet.PowerOID()
	result, err := session.Get([]string{oid})
	if err != nil {
		return 0, c.unreachable("no response to power reading", err)
	}
	if result.Error != gosnmp.NoError {
		return 0, c.unreachable(fmt.Sprintf("PDU answered with error status %v", result.Error), nil)
	}
	if len(result.Variables) == 0 {
		return 0, c.unreachable("PDU returned no value", nil)
	}

	watts, err := wattsFromVariable(result.Variables[0])
	if err != nil {
		return 0, c.unreachable("PDU returned no usable value", err)
	}
	return watts, nil
}

func (c *snmpClient) SetPower(ctx context.Context, on bool) error {
	value := SwitchValueOff
	if on {
		value = SwitchValueOn
	}

	session := c.session(ctx, c.options.WriteCommunity)
	if err := session.Connect(); err != nil {
		return c.unreachable("failed to open SNMP transport", err)
	}
	defer session.Conn.Close()

	packet := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version1,
		Community: c.options.WriteCommunity,
		PDUType:   gosnmp.SetRequest,
		RequestID: rand.Uint32(),
		Variables: []gosnmp.SnmpPDU{{
			Name:  c.outlet.SwitchOID(),
			Type:  gosnmp.Integer,
			Value: value,
		}},
	}
	out, err := packet.MarshalMsg()
	if err != nil {
		return errors.NewInternalError("failed to encode SNMP set request", err).
			WithContext("pdu_address", c.outlet.Address)
	}

	if _, err := session.Conn.Write(out); err != nil {
		return c.unreachable("failed to send SNMP set request", err)
	}
	return nil
}

func (c *snmpClient) unreachable(message string, cause error) *errors.DomainError {
	return errors.NewPduUnreachableError(message, cause).
		WithContext("pdu_address", c.outlet.Address).
		WithContext("pdu_index", c.outlet.Index).
		WithContext("pdu_outlet", c.outlet.Number)
}

func wattsFromVariable(variable gosnmp.SnmpPDU) (int, error) {
	var watts int64
	switch variable.Type {
	case gosnmp.Integer, gosnmp.Gauge32, gosnmp.Counter32, gosnmp.Counter64, gosnmp.Uinteger32:
		watts = gosnmp.ToBigInt(variable.Value).Int64()
	case gosnmp.OctetString:
		raw, ok := variable.Value.([]byte)
		if !ok {
			return 0, fmt.Errorf("unexpected octet string payload %T", variable.Value)
		}
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, err
		}
		watts = parsed
	default:
		return 0, fmt.Errorf("unexpected value type %v for %s", variable.Type, variable.Name)
	}

	if watts < 0 {
		return 0, fmt.Errorf("negative power reading %d", watts)
	}
	return int(watts), nil
}
