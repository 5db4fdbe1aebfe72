// Command accounts enrolls and manages the Google accounts the proxy
// multiplexes. Accounts live in ~/.config/claudegate/accounts.json; the
// server picks up changes on restart or via POST /api/accounts/reload.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/poemonsense/claudegate/internal/auth"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/store"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/redis"
)

var serverPort = config.DefaultPort

// accountsFile mirrors the on-disk shape the server reads.
type accountsFile struct {
	Accounts []*redis.Account       `json:"accounts"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

func loadAccountsFile() (*accountsFile, error) {
	var file accountsFile
	if _, err := store.LoadJSON(config.AccountConfigPath, &file); err != nil {
		return nil, err
	}
	if file.Accounts == nil {
		file.Accounts = []*redis.Account{}
	}
	return &file, nil
}

func saveAccountsFile(file *accountsFile) error {
	return store.SaveJSON(config.AccountConfigPath, file)
}

func main() {
	args := os.Args[1:]
	command := "add"
	noBrowser := false

	for _, arg := range args {
		if arg == "--no-browser" {
			noBrowser = true
		} else if !strings.HasPrefix(arg, "-") && command == "add" {
			command = arg
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			serverPort = p
		}
	}

	printBanner()

	scanner := bufio.NewScanner(os.Stdin)

	switch command {
	case "add":
		interactiveAdd(scanner, noBrowser)
	case "import":
		importFromDatabase(scanner)
	case "list":
		listAccounts()
	case "verify":
		verifyAccounts()
	case "remove":
		removeAccount(scanner)
	case "clear":
		clearAccounts(scanner)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Println()
	fmt.Println("claudegate account manager")
	fmt.Println("==========================")
	fmt.Println()
}

func printHelp() {
	fmt.Println("Usage: claudegate-accounts [command] [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  add       Enroll a Google account via OAuth (default)")
	fmt.Println("  import    Import the account from a local Antigravity IDE install")
	fmt.Println("  list      List enrolled accounts")
	fmt.Println("  verify    Verify stored credentials still refresh")
	fmt.Println("  remove    Remove one account")
	fmt.Println("  clear     Remove all accounts")
	fmt.Println("  help      Show this help")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --no-browser  Print the auth URL instead of opening a browser")
	fmt.Println()
	fmt.Printf("Accounts file: %s\n", config.AccountConfigPath)
}

// isServerRunning probes the local proxy port.
func isServerRunning() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", serverPort), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func warnIfServerRunning() {
	if isServerRunning() {
		utils.Warn("The proxy appears to be running on port %d.", serverPort)
		utils.Warn("It keeps its own copy of the accounts file; call POST /api/accounts/reload after this, or restart it.")
		fmt.Println()
	}
}

// openBrowser opens a URL in the default browser.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// interactiveAdd runs the OAuth enrollment flow.
func interactiveAdd(scanner *bufio.Scanner, noBrowser bool) {
	warnIfServerRunning()

	file, err := loadAccountsFile()
	if err != nil {
		utils.Error("Failed to read accounts file: %v", err)
		os.Exit(1)
	}
	if len(file.Accounts) >= config.MaxAccounts {
		utils.Error("Account limit reached (%d). Remove an account first.", config.MaxAccounts)
		os.Exit(1)
	}

	authResult, err := auth.GetAuthorizationURL("")
	if err != nil {
		utils.Error("Failed to build authorization URL: %v", err)
		os.Exit(1)
	}

	fmt.Println("Sign in with the Google account you want the proxy to use.")
	fmt.Println()

	if noBrowser {
		fmt.Println("Open this URL in a browser:")
		fmt.Println()
		fmt.Println("  " + authResult.URL)
	} else {
		fmt.Println("Opening your browser for Google sign-in...")
		if err := openBrowser(authResult.URL); err != nil {
			utils.Warn("Could not open browser: %v", err)
			fmt.Println()
			fmt.Println("Open this URL manually:")
			fmt.Println()
			fmt.Println("  " + authResult.URL)
		}
	}
	fmt.Println()

	// Race the localhost callback against a manual paste: remote setups
	// cannot reach the callback server, so the paste path always works.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	callbackServer := auth.NewCallbackServer(authResult.State)
	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	go func() {
		code, err := callbackServer.Start(ctx)
		if err != nil {
			errChan <- err
			return
		}
		codeChan <- code
	}()

	go func() {
		fmt.Println("Waiting for the redirect... (or paste the redirect URL / code here)")
		fmt.Print("> ")
		if scanner.Scan() {
			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				return
			}
			extracted, err := auth.ExtractCodeFromInput(input)
			if err != nil {
				errChan <- err
				return
			}
			if extracted.State != "" && extracted.State != authResult.State {
				errChan <- fmt.Errorf("state mismatch in pasted URL")
				return
			}
			callbackServer.Abort()
			codeChan <- extracted.Code
		}
	}()

	var code string
	select {
	case code = <-codeChan:
	case err := <-errChan:
		utils.Error("Authorization failed: %v", err)
		os.Exit(1)
	case <-ctx.Done():
		utils.Error("Timed out waiting for authorization (5 minutes)")
		os.Exit(1)
	}

	fmt.Println()
	utils.Info("Authorization code received, completing enrollment...")

	result, err := auth.CompleteOAuthFlow(ctx, code, authResult.Verifier)
	if err != nil {
		utils.Error("Enrollment failed: %v", err)
		os.Exit(1)
	}

	composite := auth.FormatRefreshParts(auth.RefreshParts{
		RefreshToken: result.RefreshToken,
		ProjectID:    result.ProjectID,
	})

	account := &redis.Account{
		Email:        result.Email,
		Source:       "oauth",
		Enabled:      true,
		RefreshToken: composite,
		ProjectID:    result.ProjectID,
	}

	upsertAccount(file, account)
	if err := saveAccountsFile(file); err != nil {
		utils.Error("Failed to save accounts file: %v", err)
		os.Exit(1)
	}

	utils.Success("Enrolled %s", result.Email)
	if result.ProjectID != "" {
		fmt.Printf("  Project: %s\n", result.ProjectID)
	}
	fmt.Printf("  Accounts on file: %d\n", len(file.Accounts))
	maybeReloadServer()
}

// importFromDatabase pulls credentials from a local Antigravity IDE install.
func importFromDatabase(scanner *bufio.Scanner) {
	warnIfServerRunning()

	dbPath := config.AntigravityDBPath
	if !auth.IsDatabaseAccessible(dbPath) {
		utils.Error("No Antigravity database found at %s", dbPath)
		fmt.Println("Install Antigravity and sign in, or use 'claudegate-accounts add' for OAuth enrollment.")
		os.Exit(1)
	}

	status, err := auth.GetAuthStatus(dbPath)
	if err != nil {
		utils.Error("Failed to read IDE auth state: %v", err)
		os.Exit(1)
	}

	fmt.Printf("Found IDE login: %s", status.Email)
	if status.Name != "" {
		fmt.Printf(" (%s)", status.Name)
	}
	fmt.Println()
	fmt.Print("Import this account? [y/N] ")
	if !scanner.Scan() || !strings.EqualFold(strings.TrimSpace(scanner.Text()), "y") {
		fmt.Println("Aborted.")
		return
	}

	file, err := loadAccountsFile()
	if err != nil {
		utils.Error("Failed to read accounts file: %v", err)
		os.Exit(1)
	}
	if len(file.Accounts) >= config.MaxAccounts {
		utils.Error("Account limit reached (%d). Remove an account first.", config.MaxAccounts)
		os.Exit(1)
	}

	// IDE tokens expire; the server re-reads the database on auth failure,
	// so the account stays usable while the IDE session is alive.
	account := &redis.Account{
		Email:   status.Email,
		Source:  "database",
		Enabled: true,
		APIKey:  status.APIKey,
	}

	upsertAccount(file, account)
	if err := saveAccountsFile(file); err != nil {
		utils.Error("Failed to save accounts file: %v", err)
		os.Exit(1)
	}

	utils.Success("Imported %s from the IDE database", status.Email)
	maybeReloadServer()
}

// upsertAccount replaces an existing entry with the same email or appends.
func upsertAccount(file *accountsFile, account *redis.Account) {
	for i, existing := range file.Accounts {
		if strings.EqualFold(existing.Email, account.Email) {
			file.Accounts[i] = account
			return
		}
	}
	file.Accounts = append(file.Accounts, account)
}

func listAccounts() {
	file, err := loadAccountsFile()
	if err != nil {
		utils.Error("Failed to read accounts file: %v", err)
		os.Exit(1)
	}

	if len(file.Accounts) == 0 {
		fmt.Println("No accounts enrolled. Run 'claudegate-accounts add' to enroll one.")
		return
	}

	fmt.Printf("%d account(s) in %s:\n\n", len(file.Accounts), config.AccountConfigPath)
	for i, acc := range file.Accounts {
		state := "enabled"
		if !acc.Enabled {
			state = "disabled"
		}
		if acc.IsInvalid {
			state = "invalid"
			if acc.InvalidReason != "" {
				state += " (" + acc.InvalidReason + ")"
			}
		}

		fmt.Printf("  %d. %s [%s, %s]\n", i+1, acc.Email, acc.Source, state)
		if acc.ProjectID != "" {
			fmt.Printf("     project: %s\n", acc.ProjectID)
		}
		if acc.Subscription != nil && acc.Subscription.Tier != "" {
			fmt.Printf("     tier: %s\n", acc.Subscription.Tier)
		}
	}
}

// verifyAccounts checks that each stored credential still produces a token.
func verifyAccounts() {
	file, err := loadAccountsFile()
	if err != nil {
		utils.Error("Failed to read accounts file: %v", err)
		os.Exit(1)
	}
	if len(file.Accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	ok, failed := 0, 0
	for _, acc := range file.Accounts {
		fmt.Printf("  %s ... ", acc.Email)

		switch {
		case acc.RefreshToken != "":
			if _, err := auth.RefreshAccessToken(ctx, acc.RefreshToken); err != nil {
				fmt.Printf("FAILED (%v)\n", err)
				failed++
				continue
			}
			fmt.Println("ok")
			ok++
		case acc.APIKey != "":
			if _, err := auth.GetUserEmail(ctx, acc.APIKey); err != nil {
				fmt.Printf("FAILED (%v) - IDE token may have expired\n", err)
				failed++
				continue
			}
			fmt.Println("ok")
			ok++
		default:
			fmt.Println("FAILED (no credentials)")
			failed++
		}
	}

	fmt.Println()
	fmt.Printf("%d ok, %d failed\n", ok, failed)
	if failed > 0 {
		fmt.Println("Re-enroll failed accounts with 'claudegate-accounts add'.")
		os.Exit(1)
	}
}

func removeAccount(scanner *bufio.Scanner) {
	warnIfServerRunning()

	file, err := loadAccountsFile()
	if err != nil {
		utils.Error("Failed to read accounts file: %v", err)
		os.Exit(1)
	}
	if len(file.Accounts) == 0 {
		fmt.Println("No accounts to remove.")
		return
	}

	for i, acc := range file.Accounts {
		fmt.Printf("  %d. %s [%s]\n", i+1, acc.Email, acc.Source)
	}
	fmt.Println()
	fmt.Print("Account number (or email) to remove: ")
	if !scanner.Scan() {
		return
	}
	input := strings.TrimSpace(scanner.Text())
	if input == "" {
		fmt.Println("Aborted.")
		return
	}

	index := -1
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(file.Accounts) {
		index = n - 1
	} else {
		for i, acc := range file.Accounts {
			if strings.EqualFold(acc.Email, input) {
				index = i
				break
			}
		}
	}
	if index < 0 {
		utils.Error("No matching account for %q", input)
		os.Exit(1)
	}

	removed := file.Accounts[index]
	file.Accounts = append(file.Accounts[:index], file.Accounts[index+1:]...)
	if err := saveAccountsFile(file); err != nil {
		utils.Error("Failed to save accounts file: %v", err)
		os.Exit(1)
	}

	utils.Success("Removed %s (%d remaining)", removed.Email, len(file.Accounts))
	maybeReloadServer()
}

func clearAccounts(scanner *bufio.Scanner) {
	warnIfServerRunning()

	file, err := loadAccountsFile()
	if err != nil {
		utils.Error("Failed to read accounts file: %v", err)
		os.Exit(1)
	}
	if len(file.Accounts) == 0 {
		fmt.Println("No accounts to clear.")
		return
	}

	fmt.Printf("This removes all %d account(s). Type 'yes' to confirm: ", len(file.Accounts))
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "yes" {
		fmt.Println("Aborted.")
		return
	}

	file.Accounts = []*redis.Account{}
	if err := saveAccountsFile(file); err != nil {
		utils.Error("Failed to save accounts file: %v", err)
		os.Exit(1)
	}

	utils.Success("All accounts removed")
	maybeReloadServer()
}

// maybeReloadServer tells a running proxy to re-read the accounts file.
func maybeReloadServer() {
	if !isServerRunning() {
		return
	}
	fmt.Println()
	fmt.Printf("A proxy is running on port %d. Apply the change with:\n", serverPort)
	fmt.Printf("  curl -X POST http://localhost:%d/api/accounts/reload\n", serverPort)
}
