// Command openhaystack-server authenticates an Apple account once,
// caches the resulting search-party token and serves a local proxy for
// location report fetches.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/rkreutz/openhaystack-server/anisette"
	"github.com/rkreutz/openhaystack-server/config"
	"github.com/rkreutz/openhaystack-server/errorz"
	"github.com/rkreutz/openhaystack-server/gsa"
	"github.com/rkreutz/openhaystack-server/icloud"
	"github.com/rkreutz/openhaystack-server/reports"
)

func main() {
	configDir := flag.String("config", "config", "directory holding config.yaml and the auth cache")
	regenerate := flag.Bool("regenerate", false, "discard the cached token and log in again")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.ApplyLogLevel()

	// One identity per process. It names the device, not a session, and is
	// shared read-only by every signed request.
	identity := anisette.NewDeviceIdentity()
	anisetteClient := anisette.NewClient(cfg.AnisetteURL, identity)

	token, err := obtainToken(context.Background(), cfg, anisetteClient, *regenerate)
	if err != nil {
		if errorz.Retryable(err) {
			log.Errorf("login failed on infrastructure, retry once it is healthy: %v", err)
		} else {
			log.Errorf("login failed: %v", err)
		}
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	if err := reports.NewServer(anisetteClient, token).Run(addr); err != nil {
		log.Fatalf("report proxy stopped: %v", err)
	}
}

// obtainToken returns the cached credential or runs a full interactive
// login. regenerate forces the login path even with a usable cache.
func obtainToken(ctx context.Context, cfg *config.Config, anisetteClient *anisette.Client, regenerate bool) (icloud.AuthToken, error) {
	if !regenerate {
		if token, ok := cfg.CachedAuth(); ok {
			log.Info("using cached auth token")
			return token, nil
		}
		log.Info("no auth token found, trying to log in")
	} else {
		if err := cfg.ClearAuth(); err != nil {
			return icloud.AuthToken{}, err
		}
		log.Info("regenerating auth token")
	}

	username, password, err := credentials(cfg)
	if err != nil {
		return icloud.AuthToken{}, err
	}

	gsaClient := gsa.NewClient(anisetteClient)
	gsaClient.Prompt = promptLine

	sd, err := gsaClient.Authenticate(ctx, username, password)
	if err != nil {
		return icloud.AuthToken{}, err
	}
	token, err := icloud.NewClient(anisetteClient).LoginMobileMe(ctx, username, sd)
	if err != nil {
		return icloud.AuthToken{}, err
	}
	if err := cfg.SaveAuth(token); err != nil {
		return icloud.AuthToken{}, err
	}
	return token, nil
}

// credentials takes the Apple ID and password from config, falling back to
// interactive prompts. The password never echoes.
func credentials(cfg *config.Config) (string, string, error) {
	username := cfg.AppleID
	if username == "" {
		var err error
		username, err = promptLine("Apple ID: ")
		if err != nil {
			return "", "", err
		}
	}
	password := cfg.Password
	if password == "" {
		fmt.Print("Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", "", fmt.Errorf("read password: %w", err)
		}
		password = string(raw)
	}
	if username == "" || password == "" {
		return "", "", fmt.Errorf("apple id and password are required")
	}
	return username, password, nil
}

// stdin is shared across prompts so type-ahead buffered during one prompt
// is not lost to the next.
var stdin = bufio.NewReader(os.Stdin)

// promptLine reads one line from stdin. Doubles as the 2FA code prompt.
func promptLine(message string) (string, error) {
	fmt.Print(message)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
