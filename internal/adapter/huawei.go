package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/fibratel/routerpilot/pkg/models"
	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"
)

// Huawei VRP OIDs used by GetStatus. CPU and memory come from the first
// main board entity; subscriber count from the BRAS access table.
const (
	oidSysUpTime    = ".1.3.6.1.2.1.1.3.0"
	oidHwCPUDuty    = ".1.3.6.1.4.1.2011.6.3.4.1.2.1.0.0"
	oidHwMemSize    = ".1.3.6.1.4.1.2011.6.3.5.1.1.2.1.0.0"
	oidHwMemFree    = ".1.3.6.1.4.1.2011.6.3.5.1.1.3.1.0.0"
	oidHwOnlineUser = ".1.3.6.1.4.1.2011.5.2.1.14.1.2.0"
)

// Huawei drives VRP devices: configuration over SSH, metrics over SNMP.
// VRP's local-user state block/active gives idempotent suspend/activate
// natively.
type Huawei struct {
	conn   *cliConn
	snmp   func(ctx context.Context) (*gosnmp.GoSNMP, error)
	logger *zap.Logger
}

// NewHuawei builds a VRP adapter. cfg.Endpoint is host or host:port for
// SSH; SNMP goes to the same host on 161 using Credentials.Community.
func NewHuawei(cfg Config, logger *zap.Logger) (Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("huawei: empty endpoint")
	}
	host := cfg.Endpoint
	if h, _, err := net.SplitHostPort(cfg.Endpoint); err == nil {
		host = h
	}

	timeout := cfg.timeout()
	return &Huawei{
		conn: &cliConn{addr: cfg.Endpoint, creds: cfg.Credentials, timeout: timeout},
		snmp: func(ctx context.Context) (*gosnmp.GoSNMP, error) {
			g := &gosnmp.GoSNMP{
				Target:    host,
				Port:      161,
				Community: cfg.Credentials.Community,
				Version:   gosnmp.Version2c,
				Timeout:   timeout,
				Retries:   1,
				Context:   ctx,
			}
			if err := g.Connect(); err != nil {
				return nil, err
			}
			return g, nil
		},
		logger: logger,
	}, nil
}

func (h *Huawei) Brand() models.Brand { return models.BrandHuawei }

// GetStatus polls SNMP; it never opens an SSH session, keeping health
// sweeps cheap.
func (h *Huawei) GetStatus(ctx context.Context) (*Status, error) {
	const op = "huawei get-status"

	g, err := h.snmp(ctx)
	if err != nil {
		return nil, h.classifySNMP(op, err)
	}
	defer g.Conn.Close()

	oids := []string{oidSysUpTime, oidHwCPUDuty, oidHwMemSize, oidHwMemFree, oidHwOnlineUser}
	res, err := g.Get(oids)
	if err != nil {
		return nil, h.classifySNMP(op, err)
	}
	if len(res.Variables) != len(oids) {
		return nil, &ProtocolError{Op: op, Detail: fmt.Sprintf("expected %d varbinds, got %d", len(oids), len(res.Variables))}
	}

	vals := make(map[string]int64, len(oids))
	for _, v := range res.Variables {
		if v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.NoSuchInstance {
			continue
		}
		vals[v.Name] = gosnmp.ToBigInt(v.Value).Int64()
	}

	st := &Status{
		// sysUpTime is in hundredths of a second.
		UptimeSeconds:    vals[oidSysUpTime] / 100,
		CPUUsage:         float64(vals[oidHwCPUDuty]),
		ConnectedClients: int(vals[oidHwOnlineUser]),
		Extra:            map[string]any{"source": "snmp"},
	}
	if size := vals[oidHwMemSize]; size > 0 {
		st.MemoryUsage = float64(size-vals[oidHwMemFree]) / float64(size) * 100
	}
	return st, nil
}

func (h *Huawei) Reboot(ctx context.Context) error {
	_, err := h.conn.run(ctx, "huawei reboot", []string{
		"reboot fast",
		"y",
	}, RebootTimeout)
	if err != nil && droppedByReboot(err) {
		return nil
	}
	return err
}

func (h *Huawei) CreatePPPoEClient(ctx context.Context, client PPPoEClient) error {
	cmds := []string{
		"system-view",
		"aaa",
		fmt.Sprintf("local-user %s password cipher %s", client.Username, client.Secret),
		fmt.Sprintf("local-user %s service-type ppp", client.Username),
	}
	if client.Profile != "" {
		cmds = append(cmds, fmt.Sprintf("local-user %s qos-profile %s", client.Username, client.Profile))
	}
	cmds = append(cmds, "quit", "return", "save", "y", "quit")
	_, err := h.conn.run(ctx, "huawei create-pppoe-client", cmds, 0)
	return err
}

func (h *Huawei) DeletePPPoEClient(ctx context.Context, username string) error {
	_, err := h.conn.run(ctx, "huawei delete-pppoe-client", []string{
		"system-view",
		"aaa",
		"undo local-user " + username,
		"quit",
		"return",
		"save", "y",
		"quit",
	}, 0)
	return err
}

func (h *Huawei) SuspendClient(ctx context.Context, username string) error {
	_, err := h.conn.run(ctx, "huawei suspend-client", []string{
		"system-view",
		"aaa",
		fmt.Sprintf("local-user %s state block", username),
		"quit",
		"return",
		fmt.Sprintf("cut access-user username %s", username),
		"save", "y",
		"quit",
	}, 0)
	return err
}

func (h *Huawei) ActivateClient(ctx context.Context, username string) error {
	_, err := h.conn.run(ctx, "huawei activate-client", []string{
		"system-view",
		"aaa",
		fmt.Sprintf("local-user %s state active", username),
		"quit",
		"return",
		"save", "y",
		"quit",
	}, 0)
	return err
}

// SetBandwidthLimit rewrites the subscriber's qos-profile. VRP overwrites
// car values on re-entry, so the sequence is create-or-update.
func (h *Huawei) SetBandwidthLimit(ctx context.Context, username string, downloadMbps, uploadMbps int) error {
	_, err := h.conn.run(ctx, "huawei set-bandwidth-limit", []string{
		"system-view",
		fmt.Sprintf("qos-profile %s", username),
		fmt.Sprintf("car cir %d outbound", downloadMbps*1000), // kbit/s toward subscriber
		fmt.Sprintf("car cir %d inbound", uploadMbps*1000),
		"quit",
		"aaa",
		fmt.Sprintf("local-user %s qos-profile %s", username, username),
		"quit",
		"return",
		"save", "y",
		"quit",
	}, 0)
	return err
}

func (h *Huawei) TestConnection(ctx context.Context) error {
	out, err := h.conn.run(ctx, "huawei test-connection", []string{"display clock", "quit"}, 0)
	if err != nil {
		return err
	}
	if !strings.Contains(out, ":") {
		return &ProtocolError{Op: "huawei test-connection", Detail: "unexpected clock output"}
	}
	return nil
}

func (h *Huawei) classifySNMP(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
		return &TimeoutError{Op: op, After: h.conn.timeout}
	}
	return &ConnectionError{Op: op, Err: err}
}
