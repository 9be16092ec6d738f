package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"stealthscrape/pkg/logger"
	"stealthscrape/pkg/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage stored sessions",
	Long: `Manage the sessions (cookies and storage state) kept between runs.

Sessions live in session.store.path: a directory of JSON files, or a
SQLite database when the path ends in .db. With session.encrypt the
files are encrypted with a passphrase taken from
STEALTHSCRAPE_SESSION_PASSPHRASE or the system keychain.`,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions and their validity",
	RunE:  runSessionList,
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <target>",
	Short: "Delete the stored session for a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore(false)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Clear(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Session for %s cleared\n", args[0])
		return nil
	},
}

var sessionImportCmd = &cobra.Command{
	Use:   "import <target> <cookies.json>",
	Short: "Store cookies exported from a browser as the session for a target",
	Long: `Store cookies as the session for a target. The file holds either a
JSON array of cookies ({"name", "value", "domain", "path", ...}) or a
session object with "cookies" and "storage" keys. Use - to read stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: runSessionImport,
}

var sessionPassphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Manage the session encryption passphrase in the system keychain",
}

var sessionPassphraseSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store a session passphrase in the system keychain",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("Passphrase: ")
		pass, err := readPassword()
		if err != nil {
			return err
		}
		if term.IsTerminal(int(syscall.Stdin)) {
			fmt.Print("Repeat passphrase: ")
			again, err := readPassword()
			if err != nil {
				return err
			}
			if again != pass {
				return fmt.Errorf("passphrases do not match")
			}
		}
		if err := session.StorePassphrase(pass); err != nil {
			return err
		}
		fmt.Println("Passphrase stored. Sessions saved with another passphrase can no longer be read.")
		return nil
	},
}

var sessionPassphraseForgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Remove the session passphrase from the system keychain",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.ForgetPassphrase(); err != nil {
			return err
		}
		fmt.Println("Passphrase removed from keychain")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionClearCmd, sessionImportCmd, sessionPassphraseCmd)
	sessionPassphraseCmd.AddCommand(sessionPassphraseSetCmd, sessionPassphraseForgetCmd)

	sessionCmd.PersistentFlags().StringVar(&sessionStore, "session-store", "", "session store directory or .db file")
}

// openSessionStore opens the configured store. createPassphrase generates
// and stores a passphrase when encryption is on and none exists yet.
func openSessionStore(createPassphrase bool) (session.Store, error) {
	flags := make(map[string]interface{})
	if sessionStore != "" {
		flags["session-store"] = sessionStore
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	opts := []session.Option{
		session.WithTTL(cfg.Session.TTL),
		session.WithLogger(logger.GetLogger()),
	}
	if cfg.Session.Store.Encrypt {
		pass, err := session.ResolvePassphrase(createPassphrase)
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithPassphrase(pass))
	}

	store, err := session.Open(cfg.Session.Store.Path, opts...)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore(false)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No stored sessions")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tCOOKIES\tLAST VALIDATED\tEXPIRES\tSTATUS")
	for _, s := range sessions {
		status := "valid"
		if !session.IsValid(s, now) {
			status = "expired"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			s.TargetID,
			len(s.Cookies),
			s.LastValidatedAt.Format(time.RFC3339),
			s.ExpiresAt().Format(time.RFC3339),
			status)
	}
	return w.Flush()
}

func runSessionImport(cmd *cobra.Command, args []string) error {
	target, path := args[0], args[1]

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}

	blob, err := parseBlob(data)
	if err != nil {
		return err
	}

	store, err := openSessionStore(true)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Save(cmd.Context(), target, blob)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d cookies for %s, valid until %s\n",
		len(s.Cookies), s.TargetID, s.ExpiresAt().Format(time.RFC3339))
	return nil
}

// parseBlob accepts a bare cookie array or a full session blob
func parseBlob(data []byte) (session.Blob, error) {
	var blob session.Blob
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return blob, fmt.Errorf("cookie file is empty")
	}

	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &blob.Cookies); err != nil {
			return blob, fmt.Errorf("failed to parse cookie array: %w", err)
		}
	} else if err := json.Unmarshal(trimmed, &blob); err != nil {
		return blob, fmt.Errorf("failed to parse session: %w", err)
	}

	if len(blob.Cookies) == 0 && len(blob.Storage) == 0 {
		return blob, fmt.Errorf("no cookies or storage entries found")
	}
	for i, c := range blob.Cookies {
		if c.Name == "" {
			return blob, fmt.Errorf("cookie %d has no name", i)
		}
	}
	return blob, nil
}

// readPassword reads a line from stdin without echo when it is a terminal
func readPassword() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err == nil {
			return string(password), nil
		}
	}

	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil && !(err == io.EOF && input != "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}
