package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/testutil"
)

func TestParseConfigDefaults(t *testing.T) {
	config, err := parseConfig(env.Options{Environment: map[string]string{}})
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}

	if config.StateDir != DefaultStateDir {
		t.Errorf("Expected default state dir %q, got %q", DefaultStateDir, config.StateDir)
	}
	expectedAppDSN := filepath.Join(DefaultStateDir, DefaultAppDBFileName)
	if config.ApplicationDBDSN != expectedAppDSN {
		t.Errorf("Expected default app DSN %q, got %q", expectedAppDSN, config.ApplicationDBDSN)
	}
	expectedWhatsAppDSN := "file:" + filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	if config.WhatsAppDBDSN != expectedWhatsAppDSN {
		t.Errorf("Expected default WhatsApp DSN %q, got %q", expectedWhatsAppDSN, config.WhatsAppDBDSN)
	}
	if config.APIAddr != ":8080" || config.Provider != ProviderWhatsApp || config.TenantID != "default" {
		t.Errorf("unexpected defaults %+v", config)
	}
	if config.SweepCron != "@every 5m" || config.CronTimezone != "UTC" || config.LogLevel != "debug" {
		t.Errorf("unexpected scheduling defaults %+v", config)
	}
	if len(config.RedisAddrs) != 0 {
		t.Errorf("expected no Redis by default, got %v", config.RedisAddrs)
	}
}

func TestParseConfigFromEnvironment(t *testing.T) {
	config, err := parseConfig(env.Options{Environment: map[string]string{
		"CIVICPIPE_STATE_DIR":    "/srv/civicpipe",
		"DATABASE_URL":           "postgres://civic:secret@db/civicpipe",
		"REDIS_ADDR":             "redis-a:6379,redis-b:6379",
		"MESSAGING_PROVIDER":     "twilio",
		"DEFAULT_TENANT_ID":      "pune",
		"CIVICPIPE_CORS_ORIGINS": "https://admin.civic.example.org",
		"TWILIO_ACCOUNT_SID":     "AC123",
		"TWILIO_AUTH_TOKEN":      "token",
		"TWILIO_FROM_NUMBER":     "+14155238886",
		"TWILIO_WEBHOOK_URL":     "https://civic.example.org/webhook/twilio",
	}})
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}

	if config.ApplicationDBDSN != "postgres://civic:secret@db/civicpipe" {
		t.Errorf("DATABASE_URL not used: %q", config.ApplicationDBDSN)
	}
	// The whatsmeow store stays on SQLite under the state directory.
	if want := "file:/srv/civicpipe/whatsmeow.db?_foreign_keys=on"; config.WhatsAppDBDSN != want {
		t.Errorf("Expected WhatsApp DSN %q, got %q", want, config.WhatsAppDBDSN)
	}
	if len(config.RedisAddrs) != 2 || config.RedisAddrs[1] != "redis-b:6379" {
		t.Errorf("unexpected Redis addresses %v", config.RedisAddrs)
	}
	if config.Twilio.AccountSID != "AC123" || config.Twilio.WebhookURL == "" {
		t.Errorf("Twilio settings not parsed: %+v", config.Twilio)
	}
	if len(config.AllowedOrigins) != 1 {
		t.Errorf("unexpected origins %v", config.AllowedOrigins)
	}
	if err := config.validate(); err != nil {
		t.Errorf("expected a valid config, got %v", err)
	}
}

func TestRebaseStateDir(t *testing.T) {
	config, err := parseConfig(env.Options{Environment: map[string]string{}})
	if err != nil {
		t.Fatal(err)
	}
	config.rebaseStateDir("/tmp/civic")
	if config.ApplicationDBDSN != filepath.Join("/tmp/civic", DefaultAppDBFileName) {
		t.Errorf("app DSN not rebased: %q", config.ApplicationDBDSN)
	}
	if !strings.HasPrefix(config.WhatsAppDBDSN, "file:/tmp/civic/") {
		t.Errorf("WhatsApp DSN not rebased: %q", config.WhatsAppDBDSN)
	}

	explicit, _ := parseConfig(env.Options{Environment: map[string]string{"DATABASE_URL": "postgres://db/civic"}})
	explicit.rebaseStateDir("/tmp/civic")
	if explicit.ApplicationDBDSN != "postgres://db/civic" {
		t.Errorf("explicit DSN must not move: %q", explicit.ApplicationDBDSN)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"whatsapp", func(c *Config) {}, false},
		{"log", func(c *Config) { c.Provider = ProviderLog }, false},
		{"twilio without credentials", func(c *Config) { c.Provider = ProviderTwilio }, true},
		{"unknown provider", func(c *Config) { c.Provider = "telegram" }, true},
		{"empty tenant", func(c *Config) { c.TenantID = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Config{Provider: ProviderWhatsApp, TenantID: "pune"}
			tt.mutate(&config)
			if err := config.validate(); (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(Config{StateDir: t.TempDir(), Provider: ProviderLog, TenantID: "pune"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	water := writeFile(t, dir, "water.yaml", testutil.WaterFlowYAML("water", "water"))
	broken := writeFile(t, dir, "broken.yaml", strings.Replace(testutil.WaterFlowYAML("roads", "roads"), "nextStep: done", "nextStep: nowhere", 1))
	clash := writeFile(t, dir, "clash.yaml", testutil.WaterFlowYAML("water_tanker", "water"))

	out, err := execute(t, "validate", water)
	if err != nil {
		t.Fatalf("expected a valid flow, got %v (%s)", err, out)
	}
	if !strings.Contains(out, "ok       "+water+" (flow water, 2 steps, 1 triggers)") {
		t.Errorf("unexpected output %q", out)
	}

	out, err = execute(t, "validate", water, broken)
	if err == nil {
		t.Fatal("expected the broken flow to fail")
	}
	if !strings.Contains(out, "invalid  "+broken+" (flow roads)") || !strings.Contains(out, "nowhere") {
		t.Errorf("issue not reported: %q", out)
	}

	out, err = execute(t, "validate", water, clash)
	if err == nil {
		t.Fatal("expected a trigger conflict")
	}
	if !strings.Contains(out, `conflict keyword "water" used by flows water and water_tanker`) {
		t.Errorf("conflict not reported: %q", out)
	}

	if _, err := execute(t, "validate", filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected a missing file to fail")
	}
	if _, err := execute(t, "validate"); err == nil {
		t.Error("expected validate without files to fail")
	}
}

func TestSlotsCommand(t *testing.T) {
	out, err := execute(t, "slots", "--at", "2025-11-03T06:00:00Z", "--end-days", "7", "--periods", "morning", "--slice")
	if err != nil {
		t.Fatalf("slots failed: %v", err)
	}
	for _, want := range []string{
		"Timezone UTC, 5 offerable date(s)",
		"2025-11-03  Monday, 3 November 2025",
		"2025-11-07  Friday, 7 November 2025",
		"morning   09:00-12:00",
		"09:00 09:40 10:20 11:00",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "afternoon") || strings.Contains(out, "2025-11-08") {
		t.Errorf("filtered periods or weekend shown:\n%s", out)
	}
}

func TestSlotsCommandWithScheduleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "schedule.yaml", `
tenantId: pune
timezone: Asia/Kolkata
weeklySchedule:
  monday:
    isAvailable: true
    afternoon:
      enabled: true
      startTime: "14:00"
      endTime: "16:00"
specialDates:
  - date: "2025-11-10"
    isAvailable: false
    type: holiday
    name: Bhai Dooj
slotDuration: 60
bufferBetweenSlots: 0
maxAdvanceBookingDays: 14
`)
	out, err := execute(t, "slots", "--schedule", path, "--at", "2025-11-03T06:00:00Z")
	if err != nil {
		t.Fatalf("slots failed: %v (%s)", err, out)
	}
	if !strings.Contains(out, "Timezone Asia/Kolkata, 1 offerable date(s)") || !strings.Contains(out, "afternoon 14:00-16:00") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := execute(t, "slots", "--periods", "night"); err == nil {
		t.Error("expected an unknown period to fail")
	}
	if _, err := execute(t, "slots", "--at", "yesterday"); err == nil {
		t.Error("expected a bad --at to fail")
	}
}

// fakeService feeds events to the app and records sends.
type fakeService struct {
	events   chan models.InboundEvent
	receipts chan models.Receipt
	sent     chan models.OutboundCommand
}

func newFakeService() *fakeService {
	return &fakeService{
		events:   make(chan models.InboundEvent, 4),
		receipts: make(chan models.Receipt),
		sent:     make(chan models.OutboundCommand, 4),
	}
}

func (f *fakeService) ValidateAndCanonicalizeRecipient(r string) (string, error) { return r, nil }
func (f *fakeService) Start(ctx context.Context) error                            { return nil }
func (f *fakeService) Stop() error                                                { return nil }
func (f *fakeService) Receipts() <-chan models.Receipt                            { return f.receipts }
func (f *fakeService) Events() <-chan models.InboundEvent                         { return f.events }
func (f *fakeService) Send(ctx context.Context, cmd models.OutboundCommand) error {
	f.sent <- cmd
	return nil
}

func TestAppRunsConversation(t *testing.T) {
	config := Config{
		StateDir:     t.TempDir(),
		APIAddr:      "127.0.0.1:0",
		TenantID:     "pune",
		Provider:     ProviderLog,
		SweepCron:    "@every 1h",
		CronTimezone: "Asia/Kolkata",
	}
	svc := newFakeService()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, config, svc, whatsAppFlags{})
	if err != nil {
		t.Fatalf("buildApp failed: %v", err)
	}
	defer a.Close()
	testutil.InstallFlow(t, a.catalog, "pune", testutil.WaterFlowYAML("water", "water"))

	done := make(chan error, 1)
	go func() { done <- a.run(ctx, config) }()

	svc.events <- testutil.Text("pune", "+919800000001", "wamid.1", "water")
	select {
	case cmd := <-svc.sent:
		if cmd.Text != "Which ward are you in?" || cmd.ParticipantID != "+919800000001" {
			t.Errorf("unexpected outbound %+v", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the outbox to deliver")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestBuildAppWithSQLite(t *testing.T) {
	dir := t.TempDir()
	config := Config{
		StateDir:         dir,
		ApplicationDBDSN: filepath.Join(dir, DefaultAppDBFileName),
		TenantID:         "pune",
		Provider:         ProviderLog,
	}
	a, err := buildApp(context.Background(), config, nil, whatsAppFlags{})
	if err != nil {
		t.Fatalf("buildApp failed: %v", err)
	}
	defer a.Close()
	doc := testutil.InstallFlow(t, a.catalog, "pune", testutil.WaterFlowYAML("water", "water"))
	if doc.Version != 1 {
		t.Errorf("expected version 1, got %d", doc.Version)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultMediaDirName)); err != nil {
		t.Errorf("media directory not created: %v", err)
	}
}
