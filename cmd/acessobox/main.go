package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/api"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/auth"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/config"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/inbound/dispatcher"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/inbound/matcher"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/inbound/session"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/mailer"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/registry"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPathFlag string

var rootCmd = &cobra.Command{
	Use:   "acessobox",
	Short: "Laundry access-code service for the condominium mailbox",
	Long: `AcessoBox watches the condominium mailbox for tagged access-code
requests, answers registered residents with the current laundry code, and
exposes an admin API for registration and code management.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "Directory containing config.yaml (defaults to the working directory)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkInboxCmd)
	rootCmd.AddCommand(setCodeCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(adminPasswordCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("acessobox %s\n", rootCmd.Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduled inbox poll",
	RunE:  runServe,
}

var checkInboxCmd = &cobra.Command{
	Use:   "check-inbox",
	Short: "Run a single mailbox pass and print the outcome counts",
	RunE:  runCheckInbox,
}

var setCodeCmd = &cobra.Command{
	Use:   "set-code",
	Short: "Store the current laundry access code",
	RunE:  runSetCode,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a resident directly in the store",
	RunE:  runRegister,
}

var adminPasswordCmd = &cobra.Command{
	Use:   "admin-password",
	Short: "Set the admin password for the HTTP API",
	RunE:  runAdminPassword,
}

var windowFlag time.Duration

func init() {
	checkInboxCmd.Flags().DurationVar(&windowFlag, "window", 0, "Only consider mail received this recently (0 = whole mailbox, default from config)")
}

var codeFlag string

func init() {
	setCodeCmd.Flags().StringVar(&codeFlag, "code", "", "Access code to store (required)")
	setCodeCmd.MarkFlagRequired("code")
}

var (
	nameFlag  string
	phoneFlag string
	dobFlag   string
	cpfFlag   string
	emailFlag string
)

func init() {
	registerCmd.Flags().StringVar(&nameFlag, "name", "", "Resident full name (required)")
	registerCmd.Flags().StringVar(&phoneFlag, "phone", "", "Contact phone (required)")
	registerCmd.Flags().StringVar(&dobFlag, "dob", "", "Date of birth (required)")
	registerCmd.Flags().StringVar(&cpfFlag, "cpf", "", "CPF (required)")
	registerCmd.Flags().StringVar(&emailFlag, "email", "", "Email address (required)")
	registerCmd.MarkFlagRequired("name")
	registerCmd.MarkFlagRequired("phone")
	registerCmd.MarkFlagRequired("dob")
	registerCmd.MarkFlagRequired("cpf")
	registerCmd.MarkFlagRequired("email")
}

var passwordFlag string

func init() {
	adminPasswordCmd.Flags().StringVar(&passwordFlag, "password", "", "New admin password (required, min 8 chars)")
	adminPasswordCmd.MarkFlagRequired("password")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPathFlag)
}

func buildRegistry(cfg *config.Config) *registry.Client {
	return registry.NewClient(registry.Config{
		Addr:          cfg.Redis.Addr,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		DialTimeout:   cfg.Redis.DialTimeout,
		OpTimeout:     cfg.Redis.OpTimeout,
		AccessCodeKey: cfg.Redis.AccessCodeKey,
	})
}

func buildPipeline(cfg *config.Config, reg *registry.Client) *dispatcher.Pipeline {
	box := session.New(session.Config{
		Host:     cfg.IMAP.Host,
		Port:     cfg.IMAP.Port,
		Username: cfg.IMAP.Username,
		Password: cfg.IMAP.Password,
		UseTLS:   cfg.IMAP.TLS,
		Folder:   cfg.IMAP.Folder,
	}, session.WithDialTimeout(cfg.IMAP.DialTimeout))

	relay := mailer.New(mailer.Config{
		Host:        cfg.SMTP.Host,
		Port:        cfg.SMTP.Port,
		Username:    cfg.SMTP.Username,
		Password:    cfg.SMTP.Password,
		From:        cfg.SMTP.From,
		UseTLS:      cfg.SMTP.TLS,
		DialTimeout: cfg.SMTP.DialTimeout,
	})

	return dispatcher.New(box, reg, relay, matcher.New(cfg.Pipeline.SubjectPrefix),
		dispatcher.WithWorkers(cfg.Pipeline.Workers),
		dispatcher.WithStageTimeout(cfg.Pipeline.StageTimeout),
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	reg := buildRegistry(cfg)
	pipe := buildPipeline(cfg, reg)
	jwt := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)

	srv := api.NewServer(reg, pipe, jwt, api.WithSearchWindow(cfg.Pipeline.SearchWindow))
	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Printf("serve: listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("serve: http server: %v", err)
			cancel()
		}
	}()

	sched := runner.NewRunner()
	sched.Add(runner.NewInboxPollTask(pipe, cfg.Runner.Schedule, cfg.Pipeline.SearchWindow))

	// Blocks until SIGINT/SIGTERM or the HTTP server dies.
	runErr := sched.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("serve: http shutdown: %v", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func runCheckInbox(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	window := cfg.Pipeline.SearchWindow
	if cmd.Flags().Changed("window") {
		window = windowFlag
	}

	pipe := buildPipeline(cfg, buildRegistry(cfg))
	summary, err := pipe.Run(cmd.Context(), window)
	if err != nil {
		return err
	}

	fmt.Printf("searched: %d messages\n", summary.Searched)
	for outcome, n := range summary.Counts {
		fmt.Printf("  %s: %d\n", outcome, n)
	}
	fmt.Printf("elapsed: %s\n", summary.Elapsed)
	return nil
}

func runSetCode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg := buildRegistry(cfg)
	if err := reg.SetAccessCode(cmd.Context(), codeFlag); err != nil {
		return err
	}
	fmt.Println("access code updated")
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg := buildRegistry(cfg)
	identity, err := reg.Register(cmd.Context(), registry.RegisterInput{
		FullName: nameFlag,
		Phone:    phoneFlag,
		DOB:      dobFlag,
		CPF:      cpfFlag,
		Email:    emailFlag,
	})
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (CPF %s)\n", identity.FullName, identity.CPF)
	return nil
}

func runAdminPassword(cmd *cobra.Command, args []string) error {
	if len(passwordFlag) < 8 {
		return errors.New("password must have at least 8 characters")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(passwordFlag)
	if err != nil {
		return err
	}
	reg := buildRegistry(cfg)
	if err := reg.SetAdminPasswordHash(cmd.Context(), hash); err != nil {
		return err
	}
	fmt.Println("admin password updated")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
