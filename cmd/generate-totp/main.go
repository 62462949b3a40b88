package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pquerna/otp/totp"
)

func main() {
	secret := os.Getenv("ADMIN_TOTP_SECRET")
	if secret == "" {
		fmt.Println("ADMIN_TOTP_SECRET is not set.")
		fmt.Println("Generate one via GET /api/v1/admin/totp/secret, export it, then rerun.")
		os.Exit(1)
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		fmt.Printf("Error generating TOTP code: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Current TOTP Code: %s\n", code)
	fmt.Printf("Valid for: ~30 seconds\n")
}
