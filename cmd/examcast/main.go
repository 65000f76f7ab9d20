// Package main provides the CLI entry point for ExamCast.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/examcast/internal/agent"
	"github.com/postalsys/examcast/internal/config"
	"github.com/postalsys/examcast/internal/crypto"
	"github.com/postalsys/examcast/internal/health"
	"github.com/postalsys/examcast/internal/invite"
	"github.com/postalsys/examcast/internal/protocol"
	"github.com/postalsys/examcast/internal/session"
	"github.com/postalsys/examcast/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	senderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "examcast",
		Short: "ExamCast - offline classroom broadcast",
		Long: `ExamCast lets a teacher broadcast short encrypted announcements to
every student device in the room without any internet connection.

Devices find each other on the local network and flood each message
hop by hop, so students out of the teacher's range still receive it
through their classmates.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (defaults apply when empty)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(hostCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(violationsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Run the setup wizard and write a configuration file for this device.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}
}

// startHealth starts the optional health server. The returned stop func is
// never nil.
func startHealth(cfg *config.Config, a *agent.Agent) (func(), error) {
	if !cfg.Health.Enabled {
		return func() {}, nil
	}
	srv := health.NewServer(health.ServerConfig{
		Address:      cfg.Health.Address,
		ReadTimeout:  cfg.Health.ReadTimeout,
		WriteTimeout: cfg.Health.WriteTimeout,
	}, a)
	if err := srv.Start(); err != nil {
		return func() {}, fmt.Errorf("failed to start health server: %w", err)
	}
	fmt.Println(dimStyle.Render(fmt.Sprintf("Health endpoint: http://%s/health", srv.Address())))
	return func() { srv.Stop() }, nil
}

func hostCmd() *cobra.Command {
	var (
		listen string
		noQR   bool
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Start a session as the broadcaster",
		Long: `Start a new session, print the invite for students to scan and
broadcast every line typed on standard input.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Transport.Listen = listen
			}

			a, err := agent.New(cfg, agent.Options{})
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess, err := a.Host(ctx)
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}

			stopHealth, err := startHealth(cfg, a)
			if err != nil {
				return err
			}
			defer stopHealth()

			doc, err := a.Invite()
			if err != nil {
				return err
			}
			if err := printInvite(os.Stdout, doc, !noQR); err != nil {
				return err
			}
			fmt.Println(dimStyle.Render(fmt.Sprintf("Session %s on %s://%s", sess.ID, cfg.Transport.Type, a.ListenAddr())))
			fmt.Println(dimStyle.Render("Type a message and press Enter to broadcast. Ctrl+C ends the session."))

			lines := make(chan string)
			go readLines(os.Stdin, lines)

			for {
				select {
				case <-ctx.Done():
					fmt.Println("\nSession ended.")
					return nil
				case line, ok := <-lines:
					if !ok {
						fmt.Println("Session ended.")
						return nil
					}
					p, err := a.Send(ctx, line)
					if errors.Is(err, agent.ErrEmptyMessage) {
						continue
					}
					if err != nil {
						fmt.Fprintln(os.Stderr, warnStyle.Render("send failed: "+err.Error()))
						continue
					}
					fmt.Println(dimStyle.Render(fmt.Sprintf("sent %s to %d peer(s)", p.ID[:8], len(a.Peers()))))
				case msg, ok := <-a.Messages():
					if !ok {
						return nil
					}
					printMessage(os.Stdout, msg)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override transport.listen")
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "Print the invite code without a QR code")

	return cmd
}

func printInvite(w io.Writer, doc invite.Document, qr bool) error {
	code, err := invite.Encode(doc)
	if err != nil {
		return err
	}
	fp, err := crypto.Fingerprint(doc.Key)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, titleStyle.Render("Invite for "+doc.Name))
	if qr {
		if err := invite.RenderQR(w, doc); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "  Code:        %s\n", code)
	fmt.Fprintf(w, "  Fingerprint: %s\n", fp)
	fmt.Fprintln(w)
	return nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func printMessage(w io.Writer, msg agent.Message) {
	sender := "teacher"
	if msg.SenderRole != protocol.RoleBroadcaster {
		sender = string(msg.SenderRole)
	}
	text := msg.Text
	if !msg.Decrypted {
		text = warnStyle.Render("[unreadable]")
	}
	fmt.Fprintf(w, "%s %s %s\n",
		dimStyle.Render(msg.ReceivedAt.Format("15:04:05")),
		senderStyle.Render(sender+":"),
		text)
}

func joinCmd() *cobra.Command {
	var (
		code       string
		inviteFile string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a session as a receiver",
		Long: `Join a session using an invite code, an invite file or the session
configured in the config file, and print every message that arrives.

Leaving with Ctrl+C while the session is live is recorded as an
EARLY_EXIT violation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Transport.Listen = listen
			}

			doc, err := resolveInvite(cfg, code, inviteFile)
			if err != nil {
				return err
			}

			a, err := agent.New(cfg, agent.Options{})
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			n, err := a.Join(ctx, doc)
			if err != nil {
				return fmt.Errorf("failed to join session: %w", err)
			}

			stopHealth, err := startHealth(cfg, a)
			if err != nil {
				return err
			}
			defer stopHealth()

			name := doc.Name
			if name == "" {
				name = invite.DefaultName
			}
			fmt.Println(titleStyle.Render("Joined " + name))
			fmt.Println(dimStyle.Render(fmt.Sprintf("Session %s, connected to %d device(s)", doc.ID, n)))

			retry := time.NewTicker(cfg.Discovery.Timeout)
			defer retry.Stop()

			for {
				select {
				case <-ctx.Done():
					if a.IsRunning() {
						if err := a.ReportViolation(context.Background(), agent.ViolationEarlyExit, "left the session with an interrupt"); err != nil {
							fmt.Fprintln(os.Stderr, err)
						}
						fmt.Println(warnStyle.Render("\nLeft the session early. This has been recorded."))
					}
					return nil
				case <-retry.C:
					if len(a.Peers()) > 0 {
						continue
					}
					if n, err := a.Connect(ctx); err == nil && n > 0 {
						fmt.Println(dimStyle.Render(fmt.Sprintf("Reconnected to %d device(s)", n)))
					}
				case msg, ok := <-a.Messages():
					if !ok {
						return nil
					}
					printMessage(os.Stdout, msg)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&code, "invite", "i", "", "Invite code shown by the broadcaster")
	cmd.Flags().StringVar(&inviteFile, "invite-file", "", "File holding the invite code")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override transport.listen")

	return cmd
}

// resolveInvite picks the session to join: the --invite code, then the
// invite file, then session settings from the config, and finally a code
// read from standard input.
func resolveInvite(cfg *config.Config, code, file string) (invite.Document, error) {
	switch {
	case code != "":
		return invite.Parse(code)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return invite.Document{}, fmt.Errorf("failed to read invite file: %w", err)
		}
		return invite.Parse(string(data))
	case cfg.Session.ID != "":
		key := cfg.Session.Key
		if key == "" {
			var err error
			if key, err = promptKey(); err != nil {
				return invite.Document{}, err
			}
		}
		if err := crypto.ValidateKey(key); err != nil {
			return invite.Document{}, session.ErrInvalidKey
		}
		return invite.Document{ID: cfg.Session.ID, Key: key}, nil
	}

	fmt.Print("Invite code: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return invite.Document{}, fmt.Errorf("failed to read invite: %w", err)
	}
	return invite.Parse(line)
}

func promptKey() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("session.key is not set and standard input is not a terminal")
	}
	fmt.Print("Session key: ")
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate session material",
		Long:  "Generate a session id and key suitable for the session section of a config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fp, err := crypto.Fingerprint(key)
			if err != nil {
				return err
			}
			fmt.Println("session:")
			fmt.Printf("  id: %s\n", uuid.NewString())
			fmt.Printf("  key: %s\n", key)
			fmt.Println(dimStyle.Render("# fingerprint " + fp))
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored messages",
		Long:  "List the messages stored by the last session, newest first. Payloads are opened when --key is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if key == "" {
				key = cfg.Session.Key
			}

			st, err := agent.OpenStore(cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.Messages(cmd.Context())
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No messages stored.")
				return nil
			}

			fmt.Println(titleStyle.Render(fmt.Sprintf("%d message(s)", len(recs))))
			for _, rec := range recs {
				text := rec.EncryptedPayload
				if key != "" {
					if plain, err := crypto.Decrypt(rec.EncryptedPayload, key); err == nil {
						text = plain
					}
				}
				fmt.Printf("%-14s %s %s\n",
					dimStyle.Render(humanize.Time(time.UnixMilli(rec.ReceivedAt))),
					senderStyle.Render(string(rec.SenderRole)+":"),
					text)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "Session key used to open payloads")

	return cmd
}

func violationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "violations",
		Short: "List recorded violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			st, err := agent.OpenStore(cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			vs, err := st.Violations(cmd.Context())
			if err != nil {
				return err
			}
			if len(vs) == 0 {
				fmt.Println("No violations recorded.")
				return nil
			}

			fmt.Println(warnStyle.Render(fmt.Sprintf("%s violation(s)", humanize.Comma(int64(len(vs))))))
			for _, v := range vs {
				fmt.Printf("  #%d %-12s %-14s %s\n",
					v.ID, v.Kind,
					humanize.Time(time.UnixMilli(v.Timestamp)),
					v.Details)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("examcast %s\n", Version)
		},
	}
}
