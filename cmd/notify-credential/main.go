package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cargoline/opsdash/internal/auth"
	"github.com/cargoline/opsdash/internal/credential"
)

func main() {
	var (
		setToken = flag.String("set", "", "Store this API credential in the keyring")
		remove   = flag.Bool("delete", false, "Remove the stored credential")
		show     = flag.Bool("show", false, "Show who the stored credential belongs to")
		showHelp = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *showHelp || (*setToken == "" && !*remove && !*show) {
		fmt.Println("Notification credential manager")
		fmt.Println("Usage: notify-credential [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Println("  notify-credential -set eyJhbGciOi...")
		fmt.Println("  notify-credential -show")
		fmt.Println("  notify-credential -delete")
		return
	}

	store, err := credential.Open()
	if err != nil {
		log.Fatalf("Failed to open keyring: %v", err)
	}

	switch {
	case *setToken != "":
		token := strings.TrimSpace(*setToken)
		if err := store.Set(credential.TokenKey, token); err != nil {
			log.Fatalf("Failed to store credential: %v", err)
		}
		fmt.Println("Credential stored.")
		describe(token)

	case *remove:
		if err := store.Delete(credential.TokenKey); err != nil {
			log.Fatalf("Failed to delete credential: %v", err)
		}
		fmt.Println("Credential removed.")

	case *show:
		token, err := store.Get(credential.TokenKey)
		if errors.Is(err, credential.ErrNotFound) {
			fmt.Println("No credential stored.")
			os.Exit(1)
		}
		if err != nil {
			log.Fatalf("Failed to read credential: %v", err)
		}
		describe(token)
	}
}

// describe prints the subject and expiry, never the credential itself.
func describe(token string) {
	identity, err := auth.InspectCredential(token)
	if identity.Subject == "" && identity.ExpiresAt == nil {
		fmt.Println("  Type: opaque (no readable claims)")
		return
	}

	fmt.Printf("  Subject: %s\n", identity.Subject)
	if identity.Email != "" {
		fmt.Printf("  Email: %s\n", identity.Email)
	}
	if identity.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", identity.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("  Expires: Never")
	}
	if errors.Is(err, auth.ErrExpiredToken) {
		fmt.Printf("  Warning: expired %s ago\n", time.Since(*identity.ExpiresAt).Round(time.Second))
	}
}
