package adapter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/fibratel/routerpilot/pkg/models"
	"go.uber.org/zap"
)

// Cisco drives IOS devices over SSH. Subscriber accounts are local
// usernames; PPPoE authorization on the BRAS gates on privilege level, so
// suspend/activate toggle privilege rather than deleting the account.
type Cisco struct {
	conn   *cliConn
	logger *zap.Logger
}

// NewCisco builds an IOS CLI adapter. cfg.Endpoint is host or host:port.
func NewCisco(cfg Config, logger *zap.Logger) (Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cisco: empty endpoint")
	}
	return &Cisco{
		conn:   &cliConn{addr: cfg.Endpoint, creds: cfg.Credentials, timeout: cfg.timeout()},
		logger: logger,
	}, nil
}

func (c *Cisco) Brand() models.Brand { return models.BrandCisco }

var (
	ciscoCPURe    = regexp.MustCompile(`CPU utilization for five seconds: (\d+)%`)
	ciscoMemRe    = regexp.MustCompile(`Processor\s+\S+\s+(\d+)\s+(\d+)\s+(\d+)`)
	ciscoUptimeRe = regexp.MustCompile(`uptime is (.+)`)
	ciscoSessRe   = regexp.MustCompile(`(\d+) sessions? (?:total|in (?:UP|PTA))`)
	wordDur       = regexp.MustCompile(`(\d+)\s+(year|week|day|hour|minute)s?`)
)

func (c *Cisco) GetStatus(ctx context.Context) (*Status, error) {
	out, err := c.conn.run(ctx, "cisco get-status", []string{
		"terminal length 0",
		"show processes cpu | include CPU utilization",
		"show memory statistics",
		"show version | include uptime",
		"show pppoe summary",
		"exit",
	}, 0)
	if err != nil {
		return nil, err
	}

	st := &Status{Extra: map[string]any{}}

	m := ciscoCPURe.FindStringSubmatch(out)
	if m == nil {
		return nil, &ProtocolError{Op: "cisco get-status", Detail: "no CPU utilization in output"}
	}
	st.CPUUsage, _ = strconv.ParseFloat(m[1], 64)

	if m = ciscoMemRe.FindStringSubmatch(out); m != nil {
		total, _ := strconv.ParseFloat(m[1], 64)
		used, _ := strconv.ParseFloat(m[2], 64)
		if total > 0 {
			st.MemoryUsage = used / total * 100
		}
	}

	if m = ciscoUptimeRe.FindStringSubmatch(out); m != nil {
		st.UptimeSeconds = parseWordDuration(m[1])
		st.Extra["uptime_text"] = m[1]
	}

	if m = ciscoSessRe.FindStringSubmatch(out); m != nil {
		st.ConnectedClients, _ = strconv.Atoi(m[1])
	}

	return st, nil
}

// Reboot schedules `reload in 1`, which returns immediately; IOS often
// drops the line while confirming, which still counts as accepted.
func (c *Cisco) Reboot(ctx context.Context) error {
	_, err := c.conn.run(ctx, "cisco reboot", []string{
		"reload in 1",
		"y",
		"exit",
	}, RebootTimeout)
	if err != nil && droppedByReboot(err) {
		return nil
	}
	return err
}

func (c *Cisco) CreatePPPoEClient(ctx context.Context, client PPPoEClient) error {
	_, err := c.conn.run(ctx, "cisco create-pppoe-client", []string{
		"configure terminal",
		fmt.Sprintf("username %s privilege 1 secret %s", client.Username, client.Secret),
		"end",
		"write memory",
		"exit",
	}, 0)
	return err
}

func (c *Cisco) DeletePPPoEClient(ctx context.Context, username string) error {
	_, err := c.conn.run(ctx, "cisco delete-pppoe-client", []string{
		"configure terminal",
		"no username " + username,
		"", // confirm prompt
		"end",
		"write memory",
		"exit",
	}, 0)
	return err
}

func (c *Cisco) SuspendClient(ctx context.Context, username string) error {
	_, err := c.conn.run(ctx, "cisco suspend-client", []string{
		"configure terminal",
		fmt.Sprintf("username %s privilege 0", username),
		"end",
		fmt.Sprintf("clear subscriber session username %s", username),
		"write memory",
		"exit",
	}, 0)
	return err
}

func (c *Cisco) ActivateClient(ctx context.Context, username string) error {
	_, err := c.conn.run(ctx, "cisco activate-client", []string{
		"configure terminal",
		fmt.Sprintf("username %s privilege 1", username),
		"end",
		"write memory",
		"exit",
	}, 0)
	return err
}

// SetBandwidthLimit writes the subscriber's policy-map. Re-entering a
// policy-map overwrites its police rates, so the sequence is naturally
// create-or-update.
func (c *Cisco) SetBandwidthLimit(ctx context.Context, username string, downloadMbps, uploadMbps int) error {
	_, err := c.conn.run(ctx, "cisco set-bandwidth-limit", []string{
		"configure terminal",
		fmt.Sprintf("policy-map RP-OUT-%s", username),
		"class class-default",
		fmt.Sprintf("police cir %d conform-action transmit exceed-action drop", downloadMbps*1_000_000),
		"exit",
		"exit",
		fmt.Sprintf("policy-map RP-IN-%s", username),
		"class class-default",
		fmt.Sprintf("police cir %d conform-action transmit exceed-action drop", uploadMbps*1_000_000),
		"end",
		"write memory",
		"exit",
	}, 0)
	return err
}

func (c *Cisco) TestConnection(ctx context.Context) error {
	_, err := c.conn.run(ctx, "cisco test-connection", []string{"show clock", "exit"}, 0)
	return err
}

// parseWordDuration converts IOS uptime text ("1 week, 2 days, 3 hours,
// 47 minutes") into seconds.
func parseWordDuration(s string) int64 {
	units := map[string]int64{
		"year":   31536000,
		"week":   604800,
		"day":    86400,
		"hour":   3600,
		"minute": 60,
	}
	var total int64
	for _, m := range wordDur.FindAllStringSubmatch(s, -1) {
		n, _ := strconv.ParseInt(m[1], 10, 64)
		total += n * units[m[2]]
	}
	return total
}
