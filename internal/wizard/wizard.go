// Package wizard provides an interactive setup wizard for ExamCast.
package wizard

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/examcast/internal/config"
	"github.com/postalsys/examcast/internal/invite"
	"github.com/postalsys/examcast/internal/transport"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
}

// Answers collects everything the forms asked for.
type Answers struct {
	DataDir       string
	Name          string
	Transport     string
	Listen        string
	Path          string
	Discovery     string
	Peers         []string
	AcceptInbound bool
	HealthEnabled bool
	LogLevel      string
}

// Wizard walks through the setup forms and writes the config file.
type Wizard struct {
	theme *huh.Theme
	out   io.Writer
}

// New returns a wizard printing to stdout.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
		out:   os.Stdout,
	}
}

// Run asks every question, validates the resulting config and writes it.
// Nothing is written when a form is aborted.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	var (
		a          Answers
		configPath string
	)
	steps := []func() error{
		func() (err error) { a.DataDir, configPath, err = w.askBasicSetup(); return },
		func() (err error) { a.Name, a.AcceptInbound, err = w.askNode(); return },
		func() (err error) { a.Transport, a.Listen, a.Path, err = w.askNetworkConfig(); return },
		func() (err error) { a.Discovery, a.Peers, err = w.askDiscovery(); return },
		func() (err error) { a.HealthEnabled, a.LogLevel, err = w.askAdvancedOptions(); return },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	cfg := buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	printSummary(w.out, configPath, cfg)
	return &Result{Config: cfg, ConfigPath: configPath, DataDir: a.DataDir}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _____                      ____          _
 | ____|_  ____ _ _ __ ___  / ___|__ _ ___| |_
 |  _| \ \/ / _' | '_ ' _ \| |   / _' / __| __|
 | |___ >  < (_| | | | | | | |__| (_| \__ \ |_
 |_____/_/\_\__,_|_| |_| |_|\____\__,_|___/\__|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Offline Classroom Broadcast - Setup Wizard\n")

	fmt.Fprintln(w.out, banner)
	fmt.Fprintln(w.out, subtitle)
}

func (w *Wizard) askBasicSetup() (dataDir, configPath string, err error) {
	dataDir = "./data"
	configPath = "./examcast.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where messages and settings are stored."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to keep message history and violations").
				Placeholder("./data").
				Value(&dataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./examcast.yaml").
				Value(&configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func (w *Wizard) askNode() (name string, acceptInbound bool, err error) {
	name = invite.DefaultName
	acceptInbound = true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Node").
				Description("The name is shown to students when they scan the invite."),

			huh.NewInput().
				Title("Display Name").
				Placeholder(invite.DefaultName).
				Value(&name),

			huh.NewConfirm().
				Title("Relay for later joiners?").
				Description("Receivers also listen so classmates can chain through them").
				Value(&acceptInbound),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askNetworkConfig() (typ, listenAddr, path string, err error) {
	typ = string(transport.TypeTCP)
	listenAddr = ":7946"
	path = "/mesh"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network Configuration").
				Description("Configure how this node links with its neighbours."),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Description("TCP works on every classroom network").
				Options(
					huh.NewOption("TCP (plain stream, simplest)", string(transport.TypeTCP)),
					huh.NewOption("QUIC (UDP, fastest)", string(transport.TypeQUIC)),
					huh.NewOption("HTTP/2 (TCP, firewall-friendly)", string(transport.TypeHTTP2)),
					huh.NewOption("WebSocket (TCP, proxy-friendly)", string(transport.TypeWebSocket)),
				).
				Value(&typ),

			huh.NewInput().
				Title("Listen Address").
				Description("Address and port to listen on").
				Placeholder(":7946").
				Value(&listenAddr).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	if typ == string(transport.TypeWebSocket) {
		pathForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("HTTP Path").
					Description("URL path for the WebSocket endpoint").
					Placeholder("/mesh").
					Value(&path).
					Validate(func(s string) error {
						if s == "" || !strings.HasPrefix(s, "/") {
							return fmt.Errorf("path must start with /")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)

		if err = pathForm.Run(); err != nil {
			return
		}
	}

	return
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func (w *Wizard) askDiscovery() (mode string, peers []string, err error) {
	mode = config.DiscoveryMDNS
	var peerList string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Discovery").
				Description("mDNS finds classmates automatically on the same network."),

			huh.NewSelect[string]().
				Title("Discovery Mode").
				Options(
					huh.NewOption("mDNS (automatic)", config.DiscoveryMDNS),
					huh.NewOption("Static peer list", config.DiscoveryStatic),
				).
				Value(&mode),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	if mode != config.DiscoveryStatic {
		return
	}

	peerForm := huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title("Peer Addresses").
				Description("One host:port per line").
				Value(&peerList).
				Validate(func(s string) error {
					list := splitPeers(s)
					if len(list) == 0 {
						return fmt.Errorf("at least one peer is required")
					}
					for _, p := range list {
						if err := validateHostPort(p); err != nil {
							return fmt.Errorf("%s: %w", p, err)
						}
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err = peerForm.Run(); err != nil {
		return
	}
	peers = splitPeers(peerList)
	return
}

// splitPeers splits newline or comma separated addresses, dropping blanks.
func splitPeers(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == ',' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (w *Wizard) askAdvancedOptions() (healthEnabled bool, logLevel string, err error) {
	logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /peers, /metrics)").
				Value(&healthEnabled),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func buildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Node.LogFormat = "text"
	if a.LogLevel != "" {
		cfg.Node.LogLevel = a.LogLevel
	}
	if a.Name != "" {
		cfg.Node.Name = a.Name
	}

	if a.Transport != "" {
		cfg.Transport.Type = a.Transport
	}
	if a.Listen != "" {
		cfg.Transport.Listen = a.Listen
	}
	if a.Transport == string(transport.TypeWebSocket) && a.Path != "" {
		cfg.Transport.Path = a.Path
	}

	if a.Discovery != "" {
		cfg.Discovery.Mode = a.Discovery
	}
	if a.Discovery == config.DiscoveryStatic {
		cfg.Discovery.Peers = append([]string{}, a.Peers...)
	}

	cfg.Mesh.AcceptInbound = a.AcceptInbound

	if a.DataDir != "" {
		cfg.Store.Dir = filepath.Join(a.DataDir, "messages")
	}

	cfg.Health.Enabled = a.HealthEnabled

	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := fmt.Sprintf("# ExamCast Configuration\n# Generated by setup wizard on %s\n\n",
		time.Now().UTC().Format(time.DateOnly))

	// The file may later hold session.key.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

var (
	summaryTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	summaryKey   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(14)
)

func printSummary(out io.Writer, configPath string, cfg *config.Config) {
	rows := [][2]string{
		{"Name", cfg.Node.Name},
		{"Config file", configPath},
		{"Store dir", cfg.Store.Dir},
		{"Listener", fmt.Sprintf("%s://%s", cfg.Transport.Type, cfg.Transport.Listen)},
		{"Discovery", cfg.Discovery.Mode},
	}
	if cfg.Health.Enabled {
		rows = append(rows, [2]string{"Health", "http://" + cfg.Health.Address + "/health"})
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, summaryTitle.Render("✓ Setup complete"))
	for _, r := range rows {
		fmt.Fprintf(out, "  %s%s\n", summaryKey.Render(r[0]+":"), r[1])
	}
	fmt.Fprintf(out, "\n  Broadcast as the teacher:\n    examcast host -c %s\n", configPath)
	fmt.Fprintf(out, "  Join as a student:\n    examcast join -c %s --invite <code>\n\n", configPath)
}
