package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/auth"
	"github.com/RedRooEnergy/authority-engine/pkg/decisionbus"
	"github.com/RedRooEnergy/authority-engine/pkg/guard"
	"github.com/RedRooEnergy/authority-engine/pkg/httpx"
	"github.com/RedRooEnergy/authority-engine/pkg/models"
)

// errRollback signals a PAGE verdict so shell callers get a non-zero exit
// without needing to parse the report.
var errRollback = errors.New("guard recommends rollback")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "metrics":
		return runMetrics(args[1:], out)
	case "export":
		return runExport(args[1:], out)
	case "report":
		return runReport(args[1:], out)
	case "watch":
		return runWatch(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "authority-guard commands:")
	fmt.Fprintln(out, "  authority-guard metrics [--base http://localhost:8086] [--tenant t] [--policy p] [--from RFC3339] [--to RFC3339] [--limit n]")
	fmt.Fprintln(out, "  authority-guard export [--base ...] [--source s] [--schema v2] [--tenant t] [--policy p] [--from ...] [--to ...]")
	fmt.Fprintln(out, "  authority-guard report [--base ...] [--tenant t] [--policy p] [--from ...] [--to ...] [--engage] [--actor who]")
	fmt.Fprintln(out, "  authority-guard watch [--brokers host:9092] [--topic authority.decisions] [--group authority-guard] [--interval 60s] [--base ...] [--engage]")
}

type windowFlags struct {
	base   *string
	tenant *string
	policy *string
	from   *string
	to     *string
	limit  *int
}

func addWindowFlags(fs *flag.FlagSet) windowFlags {
	return windowFlags{
		base:   fs.String("base", env("AUTHORITY_BASE_URL", "http://localhost:8086"), "authority service base url"),
		tenant: fs.String("tenant", "", "tenant filter"),
		policy: fs.String("policy", "", "policy filter"),
		from:   fs.String("from", "", "window start, RFC3339 (default: now-24h)"),
		to:     fs.String("to", "", "window end, RFC3339 (default: now)"),
		limit:  fs.Int("limit", 0, "artifact scan limit"),
	}
}

func (wf windowFlags) window(now time.Time) (string, string, error) {
	from := strings.TrimSpace(*wf.from)
	to := strings.TrimSpace(*wf.to)
	if to == "" {
		to = now.UTC().Format(time.RFC3339)
	}
	if from == "" {
		from = now.UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	}
	for _, raw := range []string{from, to} {
		if _, err := time.Parse(time.RFC3339, raw); err != nil {
			return "", "", fmt.Errorf("invalid window timestamp %q: must be RFC3339", raw)
		}
	}
	return from, to, nil
}

func runMetrics(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	wf := addWindowFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	from, to, err := wf.window(time.Now())
	if err != nil {
		return err
	}
	payload := map[string]any{
		"tenantId": *wf.tenant,
		"policyId": *wf.policy,
		"fromUtc":  from,
		"toUtc":    to,
		"limit":    *wf.limit,
	}
	resp, err := postSignedJob(*wf.base, "/v1/authority/jobs/metrics", payload)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	wf := addWindowFlags(fs)
	source := fs.String("source", env("AUTHORITY_EXPORT_SOURCE", "authority-guard"), "export source label")
	schema := fs.String("schema", "v2", "export schema version (v1 or v2)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	from, to, err := wf.window(time.Now())
	if err != nil {
		return err
	}
	payload := map[string]any{
		"source":        *source,
		"tenantId":      *wf.tenant,
		"policyId":      *wf.policy,
		"fromUtc":       from,
		"toUtc":         to,
		"limit":         *wf.limit,
		"schemaVersion": *schema,
	}
	resp, err := postSignedJob(*wf.base, "/v1/authority/jobs/export", payload)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runReport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	wf := addWindowFlags(fs)
	engage := fs.Bool("engage", false, "engage the kill switch when rollback is recommended")
	actor := fs.String("actor", env("AUTHORITY_GUARD_ACTOR", "authority-guard"), "actor recorded on the control event")
	th := addThresholdFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	from, to, err := wf.window(time.Now())
	if err != nil {
		return err
	}
	payload := map[string]any{
		"tenantId":         *wf.tenant,
		"policyId":         *wf.policy,
		"fromUtc":          from,
		"toUtc":            to,
		"limit":            *wf.limit,
		"thresholds":       th.build(),
		"engageKillSwitch": *engage,
		"actor":            *actor,
	}
	resp, err := postSignedJob(*wf.base, "/v1/authority/jobs/guard", payload)
	if err != nil {
		return err
	}
	if err := printJSON(out, resp); err != nil {
		return err
	}
	var parsed struct {
		Report models.EnforcementGuardReport `json:"report"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return fmt.Errorf("malformed guard response: %w", err)
	}
	if parsed.Report.RollbackRecommended {
		return errRollback
	}
	return nil
}

type thresholdFlags struct {
	conflictWarn   *float64
	conflictPage   *float64
	caseWarn       *float64
	casePage       *float64
	unresolvedWarn *float64
	unresolvedPage *float64
	divergenceWarn *float64
	divergencePage *float64
}

func addThresholdFlags(fs *flag.FlagSet) thresholdFlags {
	def := guard.DefaultThresholds()
	return thresholdFlags{
		conflictWarn:   fs.Float64("conflict-warn", def.ConflictRate.Warn, "conflict rate WARN threshold"),
		conflictPage:   fs.Float64("conflict-page", def.ConflictRate.Page, "conflict rate PAGE threshold"),
		caseWarn:       fs.Float64("case-warn", def.CaseOpenRate.Warn, "case open rate WARN threshold"),
		casePage:       fs.Float64("case-page", def.CaseOpenRate.Page, "case open rate PAGE threshold"),
		unresolvedWarn: fs.Float64("unresolved-warn", def.PolicyVersionUnresolved.Warn, "policy version unresolved WARN threshold"),
		unresolvedPage: fs.Float64("unresolved-page", def.PolicyVersionUnresolved.Page, "policy version unresolved PAGE threshold"),
		divergenceWarn: fs.Float64("divergence-warn", def.DivergenceRate.Warn, "divergence rate WARN threshold"),
		divergencePage: fs.Float64("divergence-page", def.DivergenceRate.Page, "divergence rate PAGE threshold"),
	}
}

func (tf thresholdFlags) build() guard.Thresholds {
	return guard.Thresholds{
		ConflictRate:            guard.RateThreshold{Warn: *tf.conflictWarn, Page: *tf.conflictPage},
		CaseOpenRate:            guard.RateThreshold{Warn: *tf.caseWarn, Page: *tf.casePage},
		PolicyVersionUnresolved: guard.RateThreshold{Warn: *tf.unresolvedWarn, Page: *tf.unresolvedPage},
		DivergenceRate:          guard.RateThreshold{Warn: *tf.divergenceWarn, Page: *tf.divergencePage},
	}
}

func runWatch(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	brokers := fs.String("brokers", env("KAFKA_BROKERS", "localhost:9092"), "comma-separated kafka brokers")
	topic := fs.String("topic", env("KAFKA_DECISION_TOPIC", "authority.decisions"), "decision feed topic")
	group := fs.String("group", env("AUTHORITY_GUARD_GROUP", "authority-guard"), "consumer group id")
	interval := fs.Duration("interval", time.Minute, "scoring window interval")
	base := fs.String("base", env("AUTHORITY_BASE_URL", "http://localhost:8086"), "authority service base url")
	engage := fs.Bool("engage", false, "engage the kill switch on PAGE via the guard job endpoint")
	actor := fs.String("actor", env("AUTHORITY_GUARD_ACTOR", "authority-guard"), "actor recorded on the control event")
	th := addThresholdFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	consumer, err := decisionbus.NewKafkaConsumer(decisionbus.KafkaConfig{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	worker := guard.NewWorker(consumer, th.build(), *interval)
	worker.OnPage = func(ctx context.Context, rep models.EnforcementGuardReport) {
		fmt.Fprintf(out, "PAGE tenant=%s window=%s..%s\n", rep.TenantID, rep.WindowFromUTC, rep.WindowToUTC)
		if !*engage {
			return
		}
		payload := map[string]any{
			"tenantId":         rep.TenantID,
			"fromUtc":          rep.WindowFromUTC,
			"toUtc":            rep.WindowToUTC,
			"thresholds":       th.build(),
			"engageKillSwitch": true,
			"actor":            *actor,
		}
		if _, err := postSignedJob(*base, "/v1/authority/jobs/guard", payload); err != nil {
			fmt.Fprintf(out, "kill switch engage failed: %v\n", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(out, "watching %s on %s (interval %s)\n", *topic, *brokers, *interval)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// postSignedJob calls one of the signed job endpoints, computing the HMAC
// pair over the exact bytes sent.
func postSignedJob(base, path string, payload any) ([]byte, error) {
	secret := strings.TrimSpace(os.Getenv("AUTHORITY_JOB_SECRET"))
	if secret == "" {
		return nil, errors.New("AUTHORITY_JOB_SECRET required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	headers := map[string]string{
		auth.TimestampHeader: fmt.Sprintf("%d", now.Unix()),
		auth.SignatureHeader: auth.SignJobRequest(secret, now, body),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	url := strings.TrimRight(base, "/") + path
	status, resp, err := httpx.RequestJSON(ctx, nil, http.MethodPost, url, body, headers, 2, time.Second)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", path, status, strings.TrimSpace(string(resp)))
	}
	return resp, nil
}

func printJSON(out io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, werr := out.Write(raw)
		return werr
	}
	buf.WriteByte('\n')
	_, err := out.Write(buf.Bytes())
	return err
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
