package wizard

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/postalsys/examcast/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
	if w.out != os.Stdout {
		t.Error("New() does not print to stdout")
	}
}

func TestPrintSummary(t *testing.T) {
	cfg := config.Default()
	cfg.Node.Name = "room-101"
	cfg.Transport.Type = "quic"
	cfg.Transport.Listen = "0.0.0.0:7946"
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:8080"

	var buf bytes.Buffer
	printSummary(&buf, "/etc/examcast.yaml", cfg)

	out := buf.String()
	for _, want := range []string{
		"Setup complete",
		"room-101",
		"quic://0.0.0.0:7946",
		"http://127.0.0.1:8080/health",
		"examcast host -c /etc/examcast.yaml",
		"examcast join -c /etc/examcast.yaml --invite <code>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	cfg.Health.Enabled = false
	buf.Reset()
	printSummary(&buf, "c.yaml", cfg)
	if strings.Contains(buf.String(), "/health") {
		t.Errorf("summary lists disabled health endpoint:\n%s", buf.String())
	}
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name     string
		answers  Answers
		validate func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "tcp with mdns",
			answers: Answers{
				DataDir:       "/var/lib/examcast",
				Name:          "Room 4",
				Transport:     "tcp",
				Listen:        "0.0.0.0:7000",
				Path:          "/ignored",
				Discovery:     config.DiscoveryMDNS,
				AcceptInbound: true,
				LogLevel:      "debug",
			},
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Node.Name != "Room 4" {
					t.Errorf("Name = %q, want Room 4", cfg.Node.Name)
				}
				if cfg.Node.LogLevel != "debug" {
					t.Errorf("LogLevel = %q, want debug", cfg.Node.LogLevel)
				}
				if cfg.Transport.Listen != "0.0.0.0:7000" {
					t.Errorf("Listen = %q", cfg.Transport.Listen)
				}
				if cfg.Transport.Path != "/mesh" {
					t.Errorf("Path = %q, want default for tcp", cfg.Transport.Path)
				}
				if cfg.Store.Dir != filepath.Join("/var/lib/examcast", "messages") {
					t.Errorf("Store.Dir = %q", cfg.Store.Dir)
				}
				if !cfg.Mesh.AcceptInbound {
					t.Error("AcceptInbound should be true")
				}
			},
		},
		{
			name: "websocket with static peers",
			answers: Answers{
				DataDir:   "./data",
				Transport: "ws",
				Listen:    ":8443",
				Path:      "/class",
				Discovery: config.DiscoveryStatic,
				Peers:     []string{"10.0.0.2:8443", "10.0.0.3:8443"},
				LogLevel:  "info",
			},
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Transport.Path != "/class" {
					t.Errorf("Path = %q, want /class", cfg.Transport.Path)
				}
				want := []string{"10.0.0.2:8443", "10.0.0.3:8443"}
				if !reflect.DeepEqual(cfg.Discovery.Peers, want) {
					t.Errorf("Peers = %v, want %v", cfg.Discovery.Peers, want)
				}
				if cfg.Mesh.AcceptInbound {
					t.Error("AcceptInbound should be false")
				}
			},
		},
		{
			name:    "health enabled",
			answers: Answers{DataDir: "./data", HealthEnabled: true},
			validate: func(t *testing.T, cfg *config.Config) {
				if !cfg.Health.Enabled {
					t.Error("Health should be enabled")
				}
				if cfg.Health.Address == "" {
					t.Error("Health address should keep its default")
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := buildConfig(tc.answers)
			if cfg == nil {
				t.Fatal("buildConfig returned nil")
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("built config does not validate: %v", err)
			}
			tc.validate(t, cfg)
		})
	}
}

func TestBuildConfigDefaults(t *testing.T) {
	cfg := buildConfig(Answers{})
	def := config.Default()

	if cfg.Node.Name != def.Node.Name {
		t.Errorf("Name = %q, want %q", cfg.Node.Name, def.Node.Name)
	}
	if cfg.Transport.Type != def.Transport.Type {
		t.Errorf("Transport.Type = %q, want %q", cfg.Transport.Type, def.Transport.Type)
	}
	if cfg.Discovery.Mode != def.Discovery.Mode {
		t.Errorf("Discovery.Mode = %q, want %q", cfg.Discovery.Mode, def.Discovery.Mode)
	}
	if cfg.Node.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.Node.LogFormat)
	}
}

func TestWriteConfig(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := config.Default()
	cfg.Node.Name = "Physics"
	cfg.Node.LogLevel = "debug"
	cfg.Store.Dir = "/data/messages"

	configPath := filepath.Join(tmpDir, "examcast.yaml")

	if err := writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	content := string(data)

	if !strings.HasPrefix(content, "# ExamCast Configuration") {
		t.Error("Config file missing header comment")
	}
	for _, want := range []string{"name: Physics", "log_level: debug", "dir: /data/messages"} {
		if !strings.Contains(content, want) {
			t.Errorf("Config file missing %q", want)
		}
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if loaded.Node.Name != "Physics" {
		t.Errorf("loaded Name = %q, want Physics", loaded.Node.Name)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config mode = %o, want 600", perm)
	}
}

func TestWriteConfigCreatesDirectory(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "subdir", "nested", "examcast.yaml")

	if err := writeConfig(config.Default(), configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	if _, err := os.Stat(filepath.Dir(configPath)); os.IsNotExist(err) {
		t.Error("writeConfig did not create parent directories")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}
}

func TestSplitPeers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"10.0.0.1:7946", []string{"10.0.0.1:7946"}},
		{"a:1\nb:2\r\n\n", []string{"a:1", "b:2"}},
		{" a:1 , b:2 ,", []string{"a:1", "b:2"}},
	}
	for _, tc := range tests {
		if got := splitPeers(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitPeers(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidators(t *testing.T) {
	if err := validateConfigPath("x.yaml"); err != nil {
		t.Errorf("validateConfigPath(x.yaml) = %v", err)
	}
	if err := validateConfigPath("x.json"); err == nil {
		t.Error("validateConfigPath(x.json) should fail")
	}
	if err := validateConfigPath(""); err == nil {
		t.Error("validateConfigPath(\"\") should fail")
	}
	if err := validateHostPort(":7946"); err != nil {
		t.Errorf("validateHostPort(:7946) = %v", err)
	}
	if err := validateHostPort("nohost"); err == nil {
		t.Error("validateHostPort(nohost) should fail")
	}
}
