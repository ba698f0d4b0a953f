package app

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mawis/couriergrey/internal/config"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-socket", "/tmp/cg", "-expire", "30", "-debug"})
	if err != nil {
		t.Fatalf("parseFlags returned error: %v", err)
	}
	if opts.socketPath != "/tmp/cg" || opts.expireDays != 30 || !opts.debug {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.settingsPath != config.DefaultSettingsPath {
		t.Fatalf("settings path = %q", opts.settingsPath)
	}

	opts, err = parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags returned error: %v", err)
	}
	if opts.expireDays != -1 {
		t.Fatalf("expire without flag = %d, want -1", opts.expireDays)
	}

	if _, err := parseFlags([]string{"stray"}); err == nil {
		t.Fatal("parseFlags accepted a positional argument")
	}
	if _, err := parseFlags([]string{"-nosuchflag"}); err == nil {
		t.Fatal("parseFlags accepted an unknown flag")
	}
}

func TestApplyFlags(t *testing.T) {
	cfg, err := config.Defaults()
	if err != nil {
		t.Fatalf("Defaults returned error: %v", err)
	}

	got := applyFlags(cfg, options{whitelistPath: "/etc/wl"})
	if got.WhitelistPath != "/etc/wl" {
		t.Errorf("whitelist path = %q", got.WhitelistPath)
	}
	if got.SocketPath != cfg.SocketPath {
		t.Errorf("socket path changed without flag: %q", got.SocketPath)
	}
}

type testEnv struct {
	dir       string
	settings  string
	whitelist string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()

	orig := config.GetConfig()
	t.Cleanup(func() { config.SetConfig(orig) })

	dir := t.TempDir()
	env := testEnv{
		dir:       dir,
		settings:  filepath.Join(dir, "couriergrey.json"),
		whitelist: filepath.Join(dir, "whitelist_ip"),
	}

	t.Setenv("COURIERGREY_STORE_ENGINE", "bolt")
	t.Setenv("COURIERGREY_STORE_PATH", filepath.Join(dir, "deliveryattempts.db"))

	if err := os.WriteFile(env.whitelist, []byte("# local networks\n127.0.0.1/8\n10\n"), 0o600); err != nil {
		t.Fatalf("write whitelist: %v", err)
	}
	return env
}

func (e testEnv) run(t *testing.T, args ...string) string {
	t.Helper()

	var out bytes.Buffer
	base := []string{"-settings", e.settings, "-whitelist", e.whitelist}
	if err := run(context.Background(), append(base, args...), strings.NewReader(""), &out); err != nil {
		t.Fatalf("run(%v) returned error: %v", args, err)
	}
	return out.String()
}

func TestRunVersion(t *testing.T) {
	env := newTestEnv(t)

	out := env.run(t, "-version", "-socket", "/run/cg.sock")
	for _, want := range []string{"couriergrey", "/run/cg.sock", env.whitelist, "bolt " + filepath.Join(env.dir, "deliveryattempts.db")} {
		if !strings.Contains(out, want) {
			t.Errorf("version output %q lacks %q", out, want)
		}
	}
}

func TestRunDumpWhitelist(t *testing.T) {
	env := newTestEnv(t)

	out := env.run(t, "-dumpwhitelist")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("dump = %q, want header, two entries and footer", out)
	}
	if lines[1] != "::ffff:127.0.0.1/104\t::ffff:127.0.0.0 - ::ffff:127.255.255.255" ||
		lines[2] != "::ffff:10.0.0.0/104\t::ffff:10.0.0.0 - ::ffff:10.255.255.255" {
		t.Fatalf("entries = %q", lines[1:3])
	}
	if lines[3] != "***** END *****" {
		t.Fatalf("footer = %q", lines[3])
	}
}

func TestRunExpireAndDumpDB(t *testing.T) {
	env := newTestEnv(t)

	if out := env.run(t, "-dumpdb"); out != "" {
		t.Fatalf("dump of an empty store = %q", out)
	}

	out := env.run(t, "-expire", "35")
	if !strings.HasPrefix(out, "Scanned 0 records, removed 0") {
		t.Fatalf("expire output = %q", out)
	}
}

func TestRunRejectsBadSettings(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(env.settings, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), []string{"-settings", env.settings, "-version"}, strings.NewReader(""), &out); err == nil {
		t.Fatal("run accepted an unreadable settings file")
	}
}

func TestServeShutsDownOnStdinEOF(t *testing.T) {
	env := newTestEnv(t)

	origReady := signalReady
	signalReady = func() error { return nil }
	t.Cleanup(func() { signalReady = origReady })
	socket := filepath.Join(env.dir, "couriergrey")

	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), []string{"-settings", env.settings, "-whitelist", env.whitelist, "-socket", socket}, strings.NewReader(""), &bytes.Buffer{})
	}()

	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Fatalf("socket left behind after shutdown: %v", err)
	}
}

func TestServeKeepsFilteringWhenMetricsCannotBind(t *testing.T) {
	env := newTestEnv(t)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer taken.Close()
	t.Setenv("COURIERGREY_METRICS_ADDR", taken.Addr().String())

	origReady := signalReady
	signalReady = func() error { return nil }
	t.Cleanup(func() { signalReady = origReady })
	socket := filepath.Join(env.dir, "couriergrey")

	stdin, stdinWriter := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), []string{"-settings", env.settings, "-whitelist", env.whitelist, "-socket", socket}, stdin, &bytes.Buffer{})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(socket); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket did not appear")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// give the metrics endpoint time to fail
	time.Sleep(200 * time.Millisecond)

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial filter socket after metrics failure: %v", err)
	}
	if _, err := conn.Write([]byte("\n\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	response, err := io.ReadAll(conn)
	conn.Close()
	if err != nil || !strings.HasPrefix(string(response), "435 ") {
		t.Fatalf("response = %q, %v, want 435", response, err)
	}

	stdinWriter.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after stdin closed")
	}
}
